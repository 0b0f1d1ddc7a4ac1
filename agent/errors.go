package agent

import (
	"encoding/json"
	"net/http"

	"github.com/sacexec/sace/errdefs"
)

var errorKinds = []struct {
	kind   error
	name   string
	status int
}{
	{errdefs.ErrInvalidArgument, "InvalidArgument", http.StatusBadRequest},
	{errdefs.ErrPermissionDenied, "PermissionDenied", http.StatusForbidden},
	{errdefs.ErrNotFound, "NotFound", http.StatusNotFound},
	{errdefs.ErrExists, "Exists", http.StatusConflict},
	{errdefs.ErrStreamClosed, "StreamClosed", http.StatusGone},
	{errdefs.ErrUnsupportedOperation, "UnsupportedOperation", http.StatusMethodNotAllowed},
	{errdefs.ErrSpawn, "Spawn", http.StatusInternalServerError},
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Message: err.Error()}
	status := http.StatusInternalServerError
	kind := errdefs.KindOf(err)
	for _, k := range errorKinds {
		if kind != nil && kind == k.kind {
			resp.Kind = k.name
			status = k.status
			break
		}
	}
	b, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// remoteError rebuilds the error a server reported so that errors.Is matches the same kind.
func remoteError(op string, status int, body []byte) error {
	var resp ErrorResponse
	decoded := json.Unmarshal(body, &resp) == nil && resp.Message != ""
	if !decoded {
		resp.Message = string(body)
	}
	var kind error
	for _, k := range errorKinds {
		// responses not written by writeError only have a status to go on
		if resp.Kind == k.name || (!decoded && status == k.status) {
			kind = k.kind
			break
		}
	}
	return &errdefs.OpError{
		Op:   "remote " + op,
		Kind: kind,
		Err:  &StatusError{Code: status, Message: resp.Message},
	}
}

// StatusError is an unsuccessful HTTP response from saced.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Code) + ": " + e.Message
}

// Package errdefs defines the error kinds shared by every sace component.
//
// Each failure is reported as an *OpError whose Kind is one of the sentinel
// errors below, so callers can branch with errors.Is regardless of which
// layer produced the error:
//
//	if errors.Is(err, errdefs.ErrStreamClosed) {
//	    ...
//	}
package errdefs

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	// ErrInvalidArgument indicates a missing or malformed parameter bundle or command string
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied indicates the requested credential cannot be applied
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSpawn indicates process creation failed
	ErrSpawn = errors.New("spawn failed")

	// ErrStreamClosed indicates a read or write on a closed command handle
	ErrStreamClosed = errors.New("stream closed")

	// ErrUnsupportedOperation indicates an operation the handle's direction does not allow
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrNotFound indicates an unknown or stale handle, or an unregistered service
	ErrNotFound = errors.New("not found")

	// ErrExists indicates a duplicate registration
	ErrExists = errors.New("already exists")
)

var kinds = []error{
	ErrInvalidArgument,
	ErrPermissionDenied,
	ErrSpawn,
	ErrStreamClosed,
	ErrUnsupportedOperation,
	ErrNotFound,
	ErrExists,
}

// OpError is the error returned by sace operations.
type OpError struct {
	// Op is the operation that failed, e.g. "spawn" or "read"
	Op string
	// Subject identifies what the operation acted on (command line, service name, handle)
	Subject string
	// Kind is one of the sentinel errors of this package
	Kind error
	// Err is the underlying cause, if any
	Err error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg += fmt.Sprintf(" %q", e.Subject)
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newf(kind error, op, subject, format string, args ...any) *OpError {
	e := &OpError{Op: op, Subject: subject, Kind: kind}
	if format != "" {
		e.Err = fmt.Errorf(format, args...)
	}
	return e
}

// InvalidArgument returns an ErrInvalidArgument error for op.
func InvalidArgument(op, subject, format string, args ...any) error {
	return newf(ErrInvalidArgument, op, subject, format, args...)
}

// PermissionDenied returns an ErrPermissionDenied error for op.
func PermissionDenied(op, subject, format string, args ...any) error {
	return newf(ErrPermissionDenied, op, subject, format, args...)
}

// Spawn wraps err as an ErrSpawn error for op.
func Spawn(op, subject string, err error) error {
	return &OpError{Op: op, Subject: subject, Kind: ErrSpawn, Err: err}
}

// StreamClosed returns an ErrStreamClosed error for op.
func StreamClosed(op, subject string) error {
	return &OpError{Op: op, Subject: subject, Kind: ErrStreamClosed}
}

// Unsupported returns an ErrUnsupportedOperation error for op.
func Unsupported(op, subject, format string, args ...any) error {
	return newf(ErrUnsupportedOperation, op, subject, format, args...)
}

// NotFound returns an ErrNotFound error for op.
func NotFound(op, subject string) error {
	return &OpError{Op: op, Subject: subject, Kind: ErrNotFound}
}

// Exists returns an ErrExists error for op.
func Exists(op, subject string) error {
	return &OpError{Op: op, Subject: subject, Kind: ErrExists}
}

// KindOf returns the sentinel kind carried by err, or nil if err has none.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

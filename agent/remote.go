package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sacexec/sace/agent/stream"
	"github.com/sacexec/sace/executor"
	"github.com/sacexec/sace/service"
)

// RemoteCommand is a command handle held by the daemon.
type RemoteCommand struct {
	c *Client

	Handle    executor.Handle
	Pid       int
	Direction string
}

// ReadContext reads the child's output. It returns io.EOF once the output has ended.
func (r *RemoteCommand) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	path := commandPath(r.Handle, "read") + "?len=" + strconv.Itoa(len(p))
	resp, err := r.c.send(ctx, "read", http.MethodPost, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.Header.Get(headerEOF) != "" {
		return 0, io.EOF
	}
	n, err := io.ReadFull(resp.Body, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, err
}

func (r *RemoteCommand) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

func (r *RemoteCommand) WriteContext(ctx context.Context, p []byte) (int, error) {
	resp, err := r.c.send(ctx, "write", http.MethodPost, commandPath(r.Handle, "write"), bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return len(p), nil
}

func (r *RemoteCommand) Write(p []byte) (int, error) {
	return r.WriteContext(context.Background(), p)
}

// Flush always fails: the stream is unbuffered.
func (r *RemoteCommand) Flush(ctx context.Context) error {
	return r.post(ctx, "flush")
}

// Close closes the stream. The child is not signaled.
func (r *RemoteCommand) Close() error {
	return r.post(context.Background(), "close")
}

func (r *RemoteCommand) MarkSupported() bool { return false }

// Wait blocks until the child exits.
func (r *RemoteCommand) Wait(ctx context.Context) (*WaitResponse, error) {
	var resp WaitResponse
	if err := r.c.doJSON(ctx, "wait", http.MethodGet, commandPath(r.Handle, "wait"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream attaches a WebSocket session to the command's stream.
// Only one of Stream and Read/Write should be used for a command.
func (r *RemoteCommand) Stream(ctx context.Context) (*stream.Stream, error) {
	u := "ws://saced" + commandPath(r.Handle, "stream")
	return r.c.streamClient.Attach(ctx, u)
}

// Destroy releases the handle on the daemon.
func (r *RemoteCommand) Destroy(ctx context.Context) error {
	resp, err := r.c.send(ctx, "destroy", http.MethodDelete, commandPath(r.Handle, ""), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (r *RemoteCommand) post(ctx context.Context, op string) error {
	resp, err := r.c.send(ctx, op, http.MethodPost, commandPath(r.Handle, op), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RemoteService is a service handle held by the daemon.
type RemoteService struct {
	c *Client

	Handle executor.Handle
	name   string
	cmd    string
}

func (s *RemoteService) Name() string { return s.name }
func (s *RemoteService) Cmd() string  { return s.cmd }

func (s *RemoteService) control(ctx context.Context, op string) (bool, error) {
	var resp OKResponse
	if err := s.c.doJSON(ctx, op, http.MethodPost, servicePath(s.Handle, op), nil, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (s *RemoteService) Stop(ctx context.Context) (bool, error)    { return s.control(ctx, "stop") }
func (s *RemoteService) Pause(ctx context.Context) (bool, error)   { return s.control(ctx, "pause") }
func (s *RemoteService) Resume(ctx context.Context) (bool, error)  { return s.control(ctx, "resume") }
func (s *RemoteService) Restart(ctx context.Context) (bool, error) { return s.control(ctx, "restart") }

func (s *RemoteService) Info(ctx context.Context) (service.Info, error) {
	var info service.Info
	err := s.c.doJSON(ctx, "info", http.MethodGet, servicePath(s.Handle, ""), nil, &info)
	return info, err
}

func (s *RemoteService) State(ctx context.Context) (service.State, error) {
	info, err := s.Info(ctx)
	if err != nil {
		return service.StateUnknown, err
	}
	return info.State, nil
}

// Watch opens a session reporting the service's info on every state change,
// including exits the daemon observes on its own.
func (s *RemoteService) Watch(ctx context.Context) (*stream.Watch, error) {
	return s.c.streamClient.Watch(ctx, "ws://saced"+servicePath(s.Handle, "watch"))
}

// Destroy releases the handle. The service keeps running.
func (s *RemoteService) Destroy(ctx context.Context) error {
	resp, err := s.c.send(ctx, "destroy-service", http.MethodDelete, servicePath(s.Handle, ""), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *RemoteService) String() string {
	return fmt.Sprintf("%s (%s)", s.name, s.Handle)
}

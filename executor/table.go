package executor

import (
	"context"
	"errors"
	"io"

	"github.com/sacexec/sace/command"
	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/launcher"
	"github.com/sacexec/sace/service"
)

// Table exposes an Executor through integer handles.
//
// Read returns -1 at end of stream. Every checkService call yields a new
// service handle, and handles from different calls for the same name refer
// to the same service. Destroying a service handle never stops the service.
type Table struct {
	exec     *Executor
	commands arena[*command.Handle]
	services arena[*service.Service]
}

func NewTable(e *Executor) *Table {
	return &Table{exec: e}
}

func (t *Table) Executor() *Executor { return t.exec }

func (t *Table) OpenCommand(cmd string, bidirectional bool, param *credential.Param) (Handle, error) {
	h, err := t.exec.RunCommand(cmd, bidirectional, param)
	if err != nil {
		return 0, err
	}
	return t.commands.insert(h), nil
}

// Command returns the command handle behind h.
func (t *Table) Command(h Handle) (*command.Handle, error) {
	c, ok := t.commands.get(h)
	if !ok {
		return nil, errdefs.NotFound("command", h.String())
	}
	return c, nil
}

func checkBounds(op string, buf []byte, off, n int) error {
	if off < 0 || n < 0 || off > len(buf) || n > len(buf)-off {
		return errdefs.InvalidArgument(op, "", "range [%d, %d+%d) out of bounds for buffer of %d", off, off, n, len(buf))
	}
	return nil
}

// Read reads up to n bytes into buf[off:]. It returns -1 at end of stream.
func (t *Table) Read(h Handle, buf []byte, off, n int) (int, error) {
	if err := checkBounds("read", buf, off, n); err != nil {
		return 0, err
	}
	c, err := t.Command(h)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// still reports a closed or input-only handle
		_, err := c.Read(buf[off:off])
		return 0, err
	}
	read, err := c.Read(buf[off : off+n])
	if errors.Is(err, io.EOF) {
		if read > 0 {
			return read, nil
		}
		return -1, nil
	}
	return read, err
}

// Write writes buf[off:off+n] to the child's stdin, blocking until all of it is written.
func (t *Table) Write(h Handle, buf []byte, off, n int) error {
	if err := checkBounds("write", buf, off, n); err != nil {
		return err
	}
	c, err := t.Command(h)
	if err != nil {
		return err
	}
	_, err = c.Write(buf[off : off+n])
	return err
}

func (t *Table) Flush(h Handle) error {
	c, err := t.Command(h)
	if err != nil {
		return err
	}
	return c.Flush()
}

// Close releases the handle's stream. It is idempotent and leaves the child running.
func (t *Table) Close(h Handle) error {
	c, err := t.Command(h)
	if err != nil {
		return err
	}
	return c.Close()
}

func (t *Table) Wait(ctx context.Context, h Handle) (launcher.Exit, error) {
	c, err := t.Command(h)
	if err != nil {
		return launcher.Exit{}, err
	}
	return c.Wait(ctx)
}

// Destroy releases the command handle and invalidates h.
func (t *Table) Destroy(h Handle) error {
	c, ok := t.commands.remove(h)
	if !ok {
		return errdefs.NotFound("destroy", h.String())
	}
	c.Destroy()
	return nil
}

func (t *Table) CheckService(name, cmd string, param *credential.Param, opts ...ServiceOption) (Handle, error) {
	svc, err := t.exec.CheckService(name, cmd, param, opts...)
	if err != nil {
		return 0, err
	}
	return t.services.insert(svc), nil
}

// LookupService issues a new handle for the registered service called name.
func (t *Table) LookupService(name string) (Handle, error) {
	svc, err := t.exec.Service(name)
	if err != nil {
		return 0, err
	}
	return t.services.insert(svc), nil
}

// Service returns the service behind h.
func (t *Table) Service(h Handle) (*service.Service, error) {
	svc, ok := t.services.get(h)
	if !ok {
		return nil, errdefs.NotFound("service", h.String())
	}
	return svc, nil
}

func (t *Table) control(h Handle, op func(*service.Service) bool) (bool, error) {
	svc, err := t.Service(h)
	if err != nil {
		return false, err
	}
	return op(svc), nil
}

func (t *Table) Stop(h Handle) (bool, error)    { return t.control(h, (*service.Service).Stop) }
func (t *Table) Pause(h Handle) (bool, error)   { return t.control(h, (*service.Service).Pause) }
func (t *Table) Resume(h Handle) (bool, error)  { return t.control(h, (*service.Service).Resume) }
func (t *Table) Restart(h Handle) (bool, error) { return t.control(h, (*service.Service).Restart) }

func (t *Table) Name(h Handle) (string, error) {
	svc, err := t.Service(h)
	if err != nil {
		return "", err
	}
	return svc.Name(), nil
}

func (t *Table) Cmd(h Handle) (string, error) {
	svc, err := t.Service(h)
	if err != nil {
		return "", err
	}
	return svc.Command(), nil
}

// State returns the service state as its integer code.
func (t *Table) State(h Handle) (int, error) {
	svc, err := t.Service(h)
	if err != nil {
		return int(service.StateUnknown), err
	}
	return int(svc.State()), nil
}

func (t *Table) Info(h Handle) (service.Info, error) {
	svc, err := t.Service(h)
	if err != nil {
		return service.Info{}, err
	}
	return svc.Info(), nil
}

// DestroyService invalidates h. The service keeps running; it leaves the
// registry only if it is already terminal.
func (t *Table) DestroyService(h Handle) error {
	svc, ok := t.services.remove(h)
	if !ok {
		return errdefs.NotFound("destroy-service", h.String())
	}
	t.exec.ReleaseService(svc)
	return nil
}

// Package command wraps a one-shot child process as a handle exposing exactly
// one of its streams.
//
// The direction of a handle is fixed when it is created. An output handle
// reads the child's combined stdout and stderr; an input handle writes the
// child's stdin. Calling the other accessor fails with
// errdefs.ErrUnsupportedOperation.
//
// Close releases the handle's stream but never signals the child: a child
// reading stdin sees EOF, a child writing output sees EPIPE. Destroy releases
// the handle entirely and detaches from the child, which is still reaped in
// the background.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/launcher"
	"go.uber.org/zap"
)

type Handle struct {
	log  *zap.SugaredLogger
	proc *launcher.Process
	dir  launcher.Direction

	onDestroy func(h *Handle)

	closed      atomic.Bool
	destroyed   atomic.Bool
	closeOnce   sync.Once
	destroyOnce sync.Once
}

var _ io.ReadWriteCloser = (*Handle)(nil)

type Option func(h *Handle)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(h *Handle) {
		h.log = l.Named("command")
	}
}

// OnDestroy registers f to run once when the handle is destroyed.
func OnDestroy(f func(h *Handle)) Option {
	return func(h *Handle) {
		h.onDestroy = f
	}
}

// New wraps proc, whose stream was created for dir.
func New(proc *launcher.Process, dir launcher.Direction, opts ...Option) *Handle {
	h := &Handle{
		log:  zap.NewNop().Sugar(),
		proc: proc,
		dir:  dir,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handle) Direction() launcher.Direction { return h.dir }

func (h *Handle) Pid() int { return h.proc.Pid() }

func (h *Handle) Command() string { return h.proc.Command() }

func (h *Handle) Closed() bool { return h.closed.Load() }

// Read reads the child's output. It returns io.EOF once the child and all
// its descendants have closed their output.
func (h *Handle) Read(b []byte) (int, error) {
	if h.closed.Load() {
		return 0, errdefs.StreamClosed("read", h.Command())
	}
	if h.dir != launcher.DirectionOutput {
		return 0, errdefs.Unsupported("read", h.Command(), "handle is %s-only", h.dir)
	}
	n, err := h.proc.Stream().Read(b)
	switch {
	case err == nil, err == io.EOF:
		return n, err
	case errors.Is(err, os.ErrClosed):
		return n, errdefs.StreamClosed("read", h.Command())
	default:
		return n, fmt.Errorf("reading output of %q: %w", h.Command(), err)
	}
}

// Write writes b to the child's stdin, blocking until the pipe accepts all of it.
func (h *Handle) Write(b []byte) (int, error) {
	if h.closed.Load() {
		return 0, errdefs.StreamClosed("write", h.Command())
	}
	if h.dir != launcher.DirectionInput {
		return 0, errdefs.Unsupported("write", h.Command(), "handle is %s-only", h.dir)
	}
	n, err := h.proc.Stream().Write(b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrClosed):
		return n, errdefs.StreamClosed("write", h.Command())
	default:
		return n, fmt.Errorf("writing input of %q: %w", h.Command(), err)
	}
}

// Flush is not supported: writes go straight to the pipe.
func (h *Handle) Flush() error {
	return errdefs.Unsupported("flush", h.Command(), "writes are not buffered")
}

// MarkSupported reports whether the stream can be rewound. It never can.
func (h *Handle) MarkSupported() bool { return false }

// Close releases the handle's stream. It is idempotent.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if s := h.proc.Stream(); s != nil {
			err = s.Close()
		}
		h.log.Debugw("closed stream", "Command", h.Command(), "Pid", h.Pid(), "Direction", h.dir)
	})
	if err != nil {
		return fmt.Errorf("closing stream of %q: %w", h.Command(), err)
	}
	return nil
}

// Destroy closes the handle and detaches from the child. It does not wait for the child to exit.
func (h *Handle) Destroy() {
	h.destroyOnce.Do(func() {
		if err := h.Close(); err != nil {
			h.log.Errorw("error closing stream on destroy", "Command", h.Command(), "Error", err)
		}
		h.destroyed.Store(true)
		if h.onDestroy != nil {
			h.onDestroy(h)
		}
		if _, exited := h.proc.Exited(); !exited {
			h.log.Debugw("detached from running child", "Command", h.Command(), "Pid", h.Pid())
		}
	})
}

func (h *Handle) Destroyed() bool { return h.destroyed.Load() }

// Wait blocks until the child exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (launcher.Exit, error) {
	return h.proc.Wait(ctx)
}

// Exited returns the child's exit status if it has been reaped.
func (h *Handle) Exited() (launcher.Exit, bool) {
	return h.proc.Exited()
}

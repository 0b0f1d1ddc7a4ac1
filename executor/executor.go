// Package executor is the single entry point that turns a command line and a
// parameter bundle into a one-shot command handle or a supervised service.
//
// An Executor is constructed explicitly by the hosting process and torn
// down with Shutdown. Table layers the integer-handle API consumed by
// binding layers on top of it.
package executor

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/sacexec/sace/command"
	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/launcher"
	"github.com/sacexec/sace/service"
	"go.uber.org/zap"
)

var errShutdown = errors.New("executor is shut down")

type Executor struct {
	log      *zap.SugaredLogger
	resolver *credential.Resolver
	launcher *launcher.Launcher
	sup      *service.Supervisor

	launcherOpts   []launcher.Option
	supervisorOpts []service.Option

	mu       sync.Mutex
	commands map[*command.Handle]struct{}
	closed   bool
}

type Option func(e *Executor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

func WithResolver(r *credential.Resolver) Option {
	return func(e *Executor) {
		e.resolver = r
	}
}

func WithLauncherOptions(opts ...launcher.Option) Option {
	return func(e *Executor) {
		e.launcherOpts = append(e.launcherOpts, opts...)
	}
}

func WithSupervisorOptions(opts ...service.Option) Option {
	return func(e *Executor) {
		e.supervisorOpts = append(e.supervisorOpts, opts...)
	}
}

func New(opts ...Option) *Executor {
	e := &Executor{
		log:      zap.NewNop().Sugar(),
		commands: map[*command.Handle]struct{}{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.resolver == nil {
		e.resolver = credential.NewResolver(credential.WithLogger(e.log))
	}
	e.launcher = launcher.New(append([]launcher.Option{launcher.WithLogger(e.log)}, e.launcherOpts...)...)
	e.sup = service.NewSupervisor(context.Background(), append([]service.Option{
		service.WithLogger(e.log),
		service.WithLauncher(e.launcher),
	}, e.supervisorOpts...)...)
	e.log = e.log.Named("executor")
	return e
}

// resolve validates the bundle and resolves its credential. It must run before anything is spawned.
func (e *Executor) resolve(op, subject string, param *credential.Param) (*credential.Applied, error) {
	if param == nil {
		return nil, errdefs.InvalidArgument(op, subject, "parameter bundle is required")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errdefs.Spawn(op, subject, errShutdown)
	}
	cred, err := param.Credential()
	if err != nil {
		return nil, err
	}
	return e.resolver.Resolve(cred)
}

// RunCommand spawns cmd and returns a handle exposing its output
// (bidirectional=false) or its stdin (bidirectional=true).
func (e *Executor) RunCommand(cmd string, bidirectional bool, param *credential.Param) (*command.Handle, error) {
	applied, err := e.resolve("run-command", cmd, param)
	if err != nil {
		return nil, err
	}
	dir := launcher.DirectionFor(bidirectional)
	p, err := e.launcher.Spawn(cmd, applied, dir)
	if err != nil {
		return nil, err
	}
	h := command.New(p, dir, command.WithLogger(e.log), command.OnDestroy(e.forget))
	if err := e.track(h); err != nil {
		return nil, errdefs.Spawn("run-command", cmd, err)
	}

	e.log.Infow("started command", "Command", cmd, "Pid", p.Pid(), "Direction", dir, "Credential", applied.Source.String())
	return h, nil
}

// track registers h for Shutdown. If Shutdown already took its snapshot, h is
// destroyed instead.
func (e *Executor) track(h *command.Handle) error {
	e.mu.Lock()
	if !e.closed {
		e.commands[h] = struct{}{}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	h.Destroy()
	return errShutdown
}

func (e *Executor) forget(h *command.Handle) {
	e.mu.Lock()
	delete(e.commands, h)
	e.mu.Unlock()
}

// Run spawns cmd, waits for it to exit and reports whether it succeeded.
// Its output is discarded. If ctx ends first the child's process group is killed.
func (e *Executor) Run(ctx context.Context, cmd string, param *credential.Param) (bool, error) {
	applied, err := e.resolve("run", cmd, param)
	if err != nil {
		return false, err
	}
	p, err := e.launcher.Spawn(cmd, applied, launcher.DirectionNone)
	if err != nil {
		return false, err
	}
	exit, err := p.Wait(ctx)
	if err != nil {
		_ = p.Signal(syscall.SIGKILL)
		return false, err
	}
	e.log.Debugw("command finished", "Command", cmd, "Pid", p.Pid(), "Exit", exit.String())
	return exit.Success(), nil
}

type serviceOptions struct {
	restart service.RestartPolicy
}

type ServiceOption func(o *serviceOptions)

func WithRestart(p service.RestartPolicy) ServiceOption {
	return func(o *serviceOptions) {
		o.restart = p
	}
}

// CheckService returns the live service registered under name, or starts it.
func (e *Executor) CheckService(name, cmd string, param *credential.Param, opts ...ServiceOption) (*service.Service, error) {
	so := &serviceOptions{restart: service.RestartNever}
	for _, o := range opts {
		o(so)
	}
	applied, err := e.resolve("check-service", name, param)
	if err != nil {
		return nil, err
	}
	svc, created, err := e.sup.Check(service.Definition{
		Name:       name,
		Command:    cmd,
		Credential: applied,
		Restart:    so.restart,
	})
	if err != nil {
		return nil, err
	}
	if created {
		e.log.Infow("started service", "Service", name, "Command", cmd, "Pid", svc.Pid(), "Credential", applied.Source.String())
	}
	return svc, nil
}

// Service returns the registered service called name.
func (e *Executor) Service(name string) (*service.Service, error) {
	svc, ok := e.sup.Get(name)
	if !ok {
		return nil, errdefs.NotFound("service", name)
	}
	return svc, nil
}

func (e *Executor) Services() []*service.Service {
	return e.sup.List()
}

// ReleaseService drops a terminal service from the registry. A running service is left alone.
func (e *Executor) ReleaseService(svc *service.Service) bool {
	return e.sup.Release(svc)
}

// Shutdown destroys every open command handle and stops every service.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	handles := make([]*command.Handle, 0, len(e.commands))
	for h := range e.commands {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.Destroy()
	}
	e.log.Infow("destroyed command handles", "Count", len(handles))
	return e.sup.Shutdown(ctx)
}

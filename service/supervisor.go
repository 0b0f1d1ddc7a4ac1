// Package service supervises named long-running commands.
//
// A Supervisor is the registry of services keyed by name. Check is
// insert-if-absent: a name that is already registered and not terminal
// re-attaches to the existing Service instead of spawning a duplicate.
//
// Destroying a caller's reference to a service is not the same as stopping
// it. Release only drops a registry entry whose service is already terminal;
// a running service keeps running until Stop or Shutdown.
package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/internal/procinfo"
	"github.com/sacexec/sace/launcher"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
	"vawter.tech/stopper"
)

const (
	DefaultStopTimeout = 10 * time.Second
	DefaultBackoffMin  = 100 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
)

type Supervisor struct {
	log         *zap.SugaredLogger
	launcher    *launcher.Launcher
	procs       procinfo.Reader
	stopTimeout time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	output      func(name string) io.Writer

	stop *stopper.Context

	mu       sync.Mutex
	services map[string]*Service
	closed   bool
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor")
	}
}

func WithLauncher(l *launcher.Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithStopTimeout sets how long Stop waits after SIGTERM before sending SIGKILL.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithBackoff sets the delay bounds between automatic restarts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(s *Supervisor) {
		s.backoffMin = minDelay
		s.backoffMax = maxDelay
	}
}

// WithOutput sets where each spawned process's stdout and stderr go.
// The function is called once per spawn; a returned io.Closer is closed after the process exits.
func WithOutput(f func(name string) io.Writer) Option {
	return func(s *Supervisor) {
		s.output = f
	}
}

func WithProcReader(r procinfo.Reader) Option {
	return func(s *Supervisor) {
		s.procs = r
	}
}

// LogOutput forwards every line a service writes to a logger named service.<name>.
func LogOutput(l *zap.Logger) func(name string) io.Writer {
	return func(name string) io.Writer {
		return &zapio.Writer{
			Log:   l.Named("service." + name),
			Level: zapcore.InfoLevel,
		}
	}
}

// NewSupervisor builds a supervisor whose goroutines live until Shutdown or until ctx is done.
func NewSupervisor(ctx context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:         zap.NewNop().Sugar(),
		stopTimeout: DefaultStopTimeout,
		backoffMin:  DefaultBackoffMin,
		backoffMax:  DefaultBackoffMax,
		services:    map[string]*Service{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.launcher == nil {
		s.launcher = launcher.New(launcher.WithLogger(s.log))
	}
	s.stop = stopper.WithContext(ctx)
	return s
}

func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.backoffMin
	for i := 0; i < failures && d < s.backoffMax; i++ {
		d *= 2
	}
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}

// Check returns the live service registered under def.Name, or starts and
// registers a new one. created reports whether a process was spawned.
// A terminal entry is replaced by a fresh service.
func (s *Supervisor) Check(def Definition) (svc *Service, created bool, err error) {
	if def.Name == "" {
		return nil, false, errdefs.InvalidArgument("check-service", def.Command, "service name is required")
	}
	if def.Restart == "" {
		def.Restart = RestartNever
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, errdefs.Spawn("check-service", def.Name, errors.New("supervisor is shut down"))
	}
	if existing, ok := s.services[def.Name]; ok {
		if !existing.State().Terminal() {
			if existing.Command() != def.Command {
				s.log.Debugw("re-attaching to service with a different command", "Service", def.Name, "Command", existing.Command(), "Requested", def.Command)
			}
			return existing, false, nil
		}
		s.log.Infow("replacing terminal service", "Service", def.Name, "State", existing.State().String())
	}

	svc = newService(s, def)
	if err := svc.start(); err != nil {
		return nil, false, err
	}
	s.services[def.Name] = svc
	return svc, true, nil
}

func (s *Supervisor) Get(name string) (*Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	return svc, ok
}

// List returns the registered services ordered by name.
func (s *Supervisor) List() []*Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	svcs := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		svcs = append(svcs, svc)
	}
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name() < svcs[j].Name() })
	return svcs
}

// Release drops svc from the registry if it is still the registered entry and is terminal.
func (s *Supervisor) Release(svc *Service) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.services[svc.Name()] != svc || !svc.State().Terminal() {
		return false
	}
	delete(s.services, svc.Name())
	s.log.Debugw("released service", "Service", svc.Name())
	return true
}

// Shutdown stops every service and waits for the supervisor's goroutines.
// No service can be registered afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	svcs := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		svcs = append(svcs, svc)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, svc := range svcs {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			if svc.Stop() {
				s.log.Infow("stopped service on shutdown", "Service", svc.Name())
			}
		}(svc)
	}
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.stop.Stop(s.stopTimeout)
	return s.stop.Wait()
}

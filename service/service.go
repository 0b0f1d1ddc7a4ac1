package service

import (
	"context"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/internal/procinfo"
	"github.com/sacexec/sace/launcher"
	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// Definition is what a service is started from. It never changes after registration.
type Definition struct {
	Name       string
	Command    string
	Credential *credential.Applied
	Restart    RestartPolicy
}

// Info is a snapshot of a service.
type Info struct {
	Name      string
	Command   string
	State     State
	StateName string
	Restart   RestartPolicy
	Restarts  int

	// Pid and StartedAt describe the current process, if one is running.
	Pid       int
	StartedAt time.Time

	// ExitCode, ExitSignal and Exit describe how the previous process ended.
	ExitCode   *int
	ExitSignal string
	Exit       string

	// Error is the last spawn failure.
	Error string

	Proc *procinfo.Info
}

// Service is a named, supervised long-running command.
//
// Control operations (Pause, Resume, Restart, Stop) are serialized per
// service. Accessors never block on a control operation in flight.
type Service struct {
	log *zap.SugaredLogger
	sup *Supervisor
	def Definition

	ctl sync.Mutex

	mu       sync.Mutex
	state    State
	proc     *launcher.Process
	epoch    uint64
	restarts int
	failures int
	exit     *launcher.Exit
	lastErr  error
	changed  chan struct{}
}

func newService(sup *Supervisor, def Definition) *Service {
	s := &Service{
		log:     sup.log.With("Service", def.Name),
		sup:     sup,
		def:     def,
		state:   StateUnknown,
		changed: make(chan struct{}),
	}
	return s
}

func (s *Service) Name() string { return s.def.Name }

func (s *Service) Command() string { return s.def.Command }

func (s *Service) Definition() Definition { return s.def }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the pid of the current process, or 0 when none is running.
func (s *Service) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidLocked()
}

func (s *Service) pidLocked() int {
	if s.proc == nil {
		return 0
	}
	if _, exited := s.proc.Exited(); exited {
		return 0
	}
	return s.proc.Pid()
}

func (s *Service) Info() Info {
	s.mu.Lock()
	info := Info{
		Name:      s.def.Name,
		Command:   s.def.Command,
		State:     s.state,
		StateName: s.state.String(),
		Restart:   s.def.Restart,
		Restarts:  s.restarts,
		Pid:       s.pidLocked(),
		Exit:      describeExit(s.exit),
	}
	if info.Pid != 0 {
		info.StartedAt = s.proc.StartedAt()
	}
	if s.exit != nil {
		code := s.exit.Code
		info.ExitCode = &code
		if s.exit.Signaled() {
			info.ExitSignal = s.exit.Signal.String()
		}
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	s.mu.Unlock()

	if info.Pid != 0 {
		proc, err := s.sup.procs.Read(info.Pid)
		if err != nil {
			s.log.Debugw("unable to read process info", "Pid", info.Pid, "Error", err)
		} else {
			info.Proc = proc
		}
	}
	return info
}

// WaitState blocks until the service is in one of states or ctx is done.
func (s *Service) WaitState(ctx context.Context, states ...State) (State, error) {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		for _, want := range states {
			if st == want {
				return st, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitChange blocks until the service is in a state other than from.
// Transitions closer together than the caller's wake-up are seen as one.
func (s *Service) WaitChange(ctx context.Context, from State) (State, error) {
	others := make([]State, 0, len(states)-1)
	for _, st := range states {
		if st != from {
			others = append(others, st)
		}
	}
	return s.WaitState(ctx, others...)
}

func (s *Service) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Infow("state changed", "From", s.state.String(), "To", st.String(), "Pid", s.pidLocked())
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
}

// start spawns the first process.
func (s *Service) start() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStateLocked(StateStarting)
	if err := s.spawnLocked(); err != nil {
		s.lastErr = err
		s.setStateLocked(StateStopped)
		return err
	}
	return nil
}

func (s *Service) spawnLocked() error {
	var out io.Writer
	if s.sup.output != nil {
		out = s.sup.output(s.def.Name)
	}
	p, err := s.sup.launcher.Spawn(s.def.Command, s.def.Credential, launcher.DirectionNone, launcher.Output(out))
	if err != nil {
		closeOutput(out)
		return err
	}
	s.epoch++
	s.proc = p
	s.lastErr = nil
	s.setStateLocked(StateRunning)

	epoch := s.epoch
	s.sup.stop.Go(func(sctx *stopper.Context) error {
		s.monitor(sctx, p, out, epoch)
		return nil
	})
	return nil
}

// monitor classifies an exit the service did not ask for and applies the restart policy.
func (s *Service) monitor(sctx *stopper.Context, p *launcher.Process, out io.Writer, epoch uint64) {
	select {
	case <-p.Done():
	case <-sctx.Stopping():
		return
	}
	closeOutput(out)
	exit, _ := p.Exited()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		// a control operation owns this process
		return
	}
	s.exit = &exit

	if exit.Success() {
		s.log.Infow("process exited", "Pid", p.Pid(), "Exit", exit.String())
	} else {
		s.log.Warnw("process failed", "Pid", p.Pid(), "Exit", exit.String())
	}
	if !s.def.Restart.applies(exit) {
		s.setStateLocked(classify(exit))
		return
	}

	if time.Since(p.StartedAt()) >= s.sup.backoffMax {
		s.failures = 0
	}
	delay := s.sup.backoff(s.failures)
	s.failures++
	s.setStateLocked(StateRestarting)
	s.log.Infow("scheduling restart", "Policy", s.def.Restart.String(), "Delay", delay)
	s.sup.stop.Go(func(sctx *stopper.Context) error {
		s.restartAfter(sctx, delay, epoch)
		return nil
	})
}

func (s *Service) restartAfter(sctx *stopper.Context, delay time.Duration, epoch uint64) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-sctx.Stopping():
		return
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.state != StateRestarting {
		return
	}
	s.restarts++
	if err := s.spawnLocked(); err != nil {
		s.lastErr = err
		s.log.Errorw("restart failed", "Error", err)
		s.setStateLocked(StateFailed)
	}
}

// terminate sends SIGTERM, resuming a paused process so it can handle it,
// and escalates to SIGKILL after the stop timeout. It returns once p is reaped.
func (s *Service) terminate(p *launcher.Process, paused bool) *launcher.Exit {
	if p == nil {
		return nil
	}
	if exit, done := p.Exited(); done {
		return &exit
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		s.log.Debugw("error sending SIGTERM", "Pid", p.Pid(), "Error", err)
	}
	if paused {
		_ = p.Signal(syscall.SIGCONT)
	}

	t := time.NewTimer(s.sup.stopTimeout)
	defer t.Stop()
	select {
	case <-p.Done():
	case <-t.C:
		s.log.Warnw("process ignored SIGTERM, killing", "Pid", p.Pid(), "Timeout", s.sup.stopTimeout)
		if err := p.Signal(syscall.SIGKILL); err != nil {
			s.log.Errorw("error sending SIGKILL", "Pid", p.Pid(), "Error", err)
		}
		<-p.Done()
	}
	exit, _ := p.Exited()
	return &exit
}

// Pause suspends a running service. It returns false unless the service was Running.
func (s *Service) Pause() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return false
	}
	if err := s.proc.Signal(syscall.SIGSTOP); err != nil {
		s.log.Warnw("unable to pause", "Pid", s.proc.Pid(), "Error", err)
		return false
	}
	s.setStateLocked(StatePaused)
	return true
}

// Resume continues a paused service. It returns false unless the service was Paused.
func (s *Service) Resume() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return false
	}
	if err := s.proc.Signal(syscall.SIGCONT); err != nil {
		s.log.Warnw("unable to resume", "Pid", s.proc.Pid(), "Error", err)
		return false
	}
	s.setStateLocked(StateRunning)
	return true
}

// Restart terminates the current process, if any, and spawns a new one with
// the same definition. If the spawn fails the service is left Stopped.
// A Stopped service cannot be restarted.
func (s *Service) Restart() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateRunning, StatePaused, StateExited, StateFailed, StateRestarting:
	default:
		s.mu.Unlock()
		return false
	}
	s.epoch++
	p, paused := s.proc, s.state == StatePaused
	s.setStateLocked(StateRestarting)
	s.mu.Unlock()

	exit := s.terminate(p, paused)

	s.mu.Lock()
	defer s.mu.Unlock()
	if exit != nil {
		s.exit = exit
	}
	s.restarts++
	s.failures = 0
	if err := s.spawnLocked(); err != nil {
		s.lastErr = err
		s.log.Errorw("restart failed", "Error", err)
		s.setStateLocked(StateStopped)
		return false
	}
	return true
}

// Stop terminates the process and leaves the service Stopped for good.
// It blocks until the process has been reaped. A second Stop returns false.
func (s *Service) Stop() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.state == StateStopped || s.state == StateUnknown {
		s.mu.Unlock()
		return false
	}
	s.epoch++
	p, paused := s.proc, s.state == StatePaused
	s.mu.Unlock()

	exit := s.terminate(p, paused)

	s.mu.Lock()
	defer s.mu.Unlock()
	if exit != nil {
		s.exit = exit
	}
	s.setStateLocked(StateStopped)
	return true
}

// closeOutput flushes a partial last line held by out.
func closeOutput(out io.Writer) {
	if c, ok := out.(io.Closer); ok {
		_ = c.Close()
	}
}

// Package launcher spawns command lines as child processes with a single
// redirected stream and an applied credential, and reaps them.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"go.uber.org/zap"
)

const DefaultWaitDelay = 2 * time.Second

// Direction selects which single stream of the child is connected back to the caller.
type Direction int

const (
	// DirectionOutput pipes the child's combined stdout and stderr to the caller.
	DirectionOutput Direction = iota
	// DirectionInput pipes the caller's writes to the child's stdin.
	DirectionInput
	// DirectionNone leaves the caller detached from the child's streams.
	DirectionNone
)

// DirectionFor maps the bidirectional request flag to a direction.
func DirectionFor(bidirectional bool) Direction {
	if bidirectional {
		return DirectionInput
	}
	return DirectionOutput
}

func (d Direction) String() string {
	switch d {
	case DirectionOutput:
		return "output"
	case DirectionInput:
		return "input"
	case DirectionNone:
		return "none"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

type Launcher struct {
	log       *zap.SugaredLogger
	shell     string
	waitDelay time.Duration
}

type Option func(l *Launcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(la *Launcher) {
		la.log = l.Named("launcher")
	}
}

// WithShell runs every command as `<shell> -c <command>` instead of splitting it into argv.
func WithShell(path string) Option {
	return func(l *Launcher) {
		l.shell = path
	}
}

// WithWaitDelay bounds how long reaping waits for output copying after the child exits.
func WithWaitDelay(d time.Duration) Option {
	return func(l *Launcher) {
		l.waitDelay = d
	}
}

func New(opts ...Option) *Launcher {
	l := &Launcher{
		log:       zap.NewNop().Sugar(),
		waitDelay: DefaultWaitDelay,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type spawnOptions struct {
	output io.Writer
}

type SpawnOption func(o *spawnOptions)

// Output sends the child's unpiped stdout and stderr to w. They are discarded by default.
func Output(w io.Writer) SpawnOption {
	return func(o *spawnOptions) {
		o.output = w
	}
}

// Argv returns the argv the command line is executed as.
// Without a shell the line is split on whitespace honoring quotes, with no expansion.
func (l *Launcher) Argv(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errdefs.InvalidArgument("spawn", command, "empty command")
	}
	if l.shell != "" {
		return []string{l.shell, "-c", command}, nil
	}
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errdefs.InvalidArgument("spawn", command, "splitting command: %s", err)
	}
	if len(args) == 0 {
		return nil, errdefs.InvalidArgument("spawn", command, "empty command")
	}
	return args, nil
}

// Spawn starts command under cred with the stream selected by dir.
// It returns once the child is running; on failure no child or descriptor is left behind.
func (l *Launcher) Spawn(command string, cred *credential.Applied, dir Direction, opts ...SpawnOption) (*Process, error) {
	so := &spawnOptions{}
	for _, o := range opts {
		o(so)
	}

	argv, err := l.Argv(command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if cmd.Err != nil {
		return nil, errdefs.Spawn("spawn", command, cmd.Err)
	}
	cmd.WaitDelay = l.waitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   true,
	}
	if cred != nil {
		cmd.SysProcAttr.Credential = cred.Credential
		cmd.SysProcAttr.AmbientCaps = cred.AmbientCaps
	}

	var parentEnd, childEnd *os.File
	switch dir {
	case DirectionOutput:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, errdefs.Spawn("spawn", command, fmt.Errorf("creating output pipe: %w", err))
		}
		cmd.Stdout = w
		cmd.Stderr = w
		parentEnd, childEnd = r, w
	case DirectionInput:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, errdefs.Spawn("spawn", command, fmt.Errorf("creating input pipe: %w", err))
		}
		cmd.Stdin = r
		cmd.Stdout = so.output
		cmd.Stderr = so.output
		parentEnd, childEnd = w, r
	case DirectionNone:
		cmd.Stdout = so.output
		cmd.Stderr = so.output
	default:
		return nil, errdefs.InvalidArgument("spawn", command, "unknown direction %s", dir)
	}

	if err := cmd.Start(); err != nil {
		if parentEnd != nil {
			parentEnd.Close()
			childEnd.Close()
		}
		l.log.Debugw("spawn failed", "Command", command, "Error", err)
		return nil, errdefs.Spawn("spawn", command, err)
	}
	if childEnd != nil {
		childEnd.Close()
	}

	p := &Process{
		command: command,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		stream:  parentEnd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go p.reap(l.log)

	l.log.Debugw("spawned", "Command", command, "Argv", argv, "Pid", p.pid, "Direction", dir)
	return p, nil
}

// Exit describes how a process terminated.
type Exit struct {
	// Code is the exit status, or -1 if the process was killed by a signal.
	Code int
	// Signal is the terminating signal, zero if the process exited normally.
	Signal syscall.Signal
	// Err is set when waiting failed for a reason other than a non-zero exit.
	Err error
}

func (e Exit) Signaled() bool { return e.Signal != 0 }

func (e Exit) Success() bool { return e.Code == 0 && e.Signal == 0 && e.Err == nil }

func (e Exit) String() string {
	switch {
	case e.Signaled():
		return fmt.Sprintf("killed by %s", e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("exit %d: %s", e.Code, e.Err)
	default:
		return fmt.Sprintf("exit %d", e.Code)
	}
}

// Process is a spawned child. It is owned by exactly one command handle or service.
type Process struct {
	command string
	cmd     *exec.Cmd
	pid     int
	stream  *os.File
	started time.Time

	done chan struct{}
	exit Exit
}

func (p *Process) reap(log *zap.SugaredLogger) {
	err := p.cmd.Wait()
	exit := Exit{Code: p.cmd.ProcessState.ExitCode()}
	if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	}
	p.exit = exit
	close(p.done)
	log.Debugw("reaped", "Command", p.command, "Pid", p.pid, "Exit", exit.String())
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Command() string { return p.command }

func (p *Process) StartedAt() time.Time { return p.started }

// Stream is the parent's end of the child's piped stream, nil for DirectionNone.
func (p *Process) Stream() *os.File { return p.stream }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited returns the exit information if the process has been reaped.
func (p *Process) Exited() (Exit, bool) {
	select {
	case <-p.done:
		return p.exit, true
	default:
		return Exit{}, false
	}
}

// Wait blocks until the process has been reaped or ctx is done.
func (p *Process) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-p.done:
		return p.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Signal delivers sig to the process group of the child.
// It returns os.ErrProcessDone once the child has been reaped.
func (p *Process) Signal(sig syscall.Signal) error {
	if _, done := p.Exited(); done {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-p.pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return fmt.Errorf("signaling %d with %s: %w", p.pid, sig, err)
	}
	return nil
}

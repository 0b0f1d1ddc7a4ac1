package service

import (
	"strings"

	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/launcher"
)

// State is the lifecycle state of a service. Its integer value is part of the handle API.
type State int

const (
	StateUnknown State = iota
	StateStarting
	StateRunning
	StatePaused
	StateRestarting
	StateStopped
	StateExited
	StateFailed
)

var states = []State{
	StateUnknown,
	StateStarting,
	StateRunning,
	StatePaused,
	StateRestarting,
	StateStopped,
	StateExited,
	StateFailed,
}

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no process is running and none will be started
// without an explicit restart.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateExited || s == StateFailed
}

// RestartPolicy decides whether a process that exited on its own is started again.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RestartNever, nil
	case RestartNever, RestartOnFailure, RestartAlways:
		return p, nil
	default:
		return "", errdefs.InvalidArgument("parse-restart", s, "expected one of %s, %s, %s", RestartNever, RestartOnFailure, RestartAlways)
	}
}

func (p RestartPolicy) applies(exit launcher.Exit) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return !exit.Success()
	default:
		return false
	}
}

func (p RestartPolicy) String() string {
	if p == "" {
		return string(RestartNever)
	}
	return string(p)
}

// classify maps how a process ended on its own to a terminal state.
func classify(exit launcher.Exit) State {
	if exit.Success() {
		return StateExited
	}
	return StateFailed
}

func describeExit(exit *launcher.Exit) string {
	if exit == nil {
		return ""
	}
	return exit.String()
}

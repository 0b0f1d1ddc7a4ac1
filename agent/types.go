package agent

import (
	"time"

	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/executor"
)

const headerEOF = "X-Sace-EOF"

type HeartbeatResponse struct {
	InstanceID string
	Started    time.Time
}

type RunRequest struct {
	Command string
	Param   *credential.Param
}

type OKResponse struct {
	OK bool
}

type OpenCommandRequest struct {
	Command       string
	Bidirectional bool
	Param         *credential.Param
}

type OpenCommandResponse struct {
	Handle    executor.Handle
	Pid       int
	Direction string
}

type WaitResponse struct {
	ExitCode int
	Signaled bool
	Signal   string
}

type CheckServiceRequest struct {
	Name    string
	Command string
	Param   *credential.Param
	Restart string
}

type CheckServiceResponse struct {
	Handle  executor.Handle
	Name    string
	Command string
}

type ErrorResponse struct {
	Kind    string
	Message string
}

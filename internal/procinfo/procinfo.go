// Package procinfo reads what the kernel reports about a running process.
package procinfo

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c9s/goprocinfo/linux"
)

const DefaultRoot = "/proc"

// Info is a snapshot of a process taken from /proc.
type Info struct {
	Comm  string
	State string
	PPid  int64
	Pgrp  int64

	EffectiveUID uint64
	EffectiveGID uint64
	Groups       []int64

	Threads uint64
	// RSS is the resident set size in kB.
	RSS uint64
}

// Stopped reports whether the process is stopped by a job-control signal.
func (i *Info) Stopped() bool { return i.State == "T" }

type Reader struct {
	Root string
}

func (r Reader) path(pid int, file string) string {
	root := r.Root
	if root == "" {
		root = DefaultRoot
	}
	return filepath.Join(root, strconv.Itoa(pid), file)
}

func (r Reader) Read(pid int) (*Info, error) {
	stat, err := linux.ReadProcessStat(r.path(pid, "stat"))
	if err != nil {
		return nil, fmt.Errorf("reading stat of pid %d: %w", pid, err)
	}
	status, err := linux.ReadProcessStatus(r.path(pid, "status"))
	if err != nil {
		return nil, fmt.Errorf("reading status of pid %d: %w", pid, err)
	}
	comm := status.Name
	if comm == "" {
		comm = strings.Trim(stat.Comm, "()")
	}
	state := stat.State
	if len(state) > 1 {
		state = state[:1]
	}
	return &Info{
		Comm:         comm,
		State:        state,
		PPid:         stat.Ppid,
		Pgrp:         stat.Pgrp,
		EffectiveUID: status.EffectiveUid,
		EffectiveGID: status.EffectiveGid,
		Groups:       status.Groups,
		Threads:      status.Threads,
		RSS:          status.VmRSS,
	}, nil
}

// Read reads pid from /proc.
func Read(pid int) (*Info, error) {
	return Reader{}.Read(pid)
}

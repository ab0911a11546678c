// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"syscall"
	"time"
)

// State is a container's lifecycle state.
type State uint8

const (
	// StateCreating covers the window between reserving an ID and the
	// runtime reporting the init pid.
	StateCreating State = iota
	StateCreated
	StateRunning
	StateExited
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateReaped:
		return "reaped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// CanTransition reports whether next immediately follows s.
func (s State) CanTransition(next State) bool {
	return s < StateReaped && next == s+1
}

// ExitStatus is the recorded outcome of a container.
type ExitStatus struct {
	// Code is the exit code, or 128+signal when the process was
	// killed by a signal, or -1 when the exit could not be collected.
	Code   int
	Signal syscall.Signal
	OOM    bool
	Time   time.Time
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the containers of one conmon process: their
// creation through the OCI runtime, their lifecycle state, and the
// side effects of their exit.
//
// Each container moves through
//
//	creating → created → running → exited → reaped
//
// and only ever to the immediate successor. The move to exited is the
// single gate for exit handling: whichever trigger wins it (the
// reaper's exit status, a kill escalation, a failed output pump)
// records the status, and the losers are no-ops. After it, in order:
// the exit file is written to the exit directory, OOM exit paths (only
// for OOM kills), the caller's exit paths, the cleanup command runs,
// output is drained (bounded), and the relay and log files are
// closed. Only then does the container reach reaped and its Done
// channel close.
//
// Handles stay in the Table after exit so status remains readable and
// an ID is never reused while the process lives.
package supervisor

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reaper collects the exit status of every child of the
// supervisor.
//
// The supervisor is a child subreaper (PR_SET_CHILD_SUBREAPER): when
// `runtime create` exits, the container's init process is reparented
// to the supervisor, and its exit status can only be collected with
// wait4. A single loop therefore reaps every child with wait4(-1) on
// SIGCHLD and routes each status to whoever registered for that pid.
//
// Because the loop reaps indiscriminately, nothing else in the process
// may wait for children: exec.Cmd.Wait would race the loop for the
// status. Child processes are started through [Reaper.Start], which
// holds the registration lock across the fork so the loop cannot
// deliver a status before its waiter exists, and their stdio must be
// nil or *os.File so os/exec starts no copying goroutines that would
// need Wait.
//
// Processes the supervisor did not start (the adopted container init)
// are registered with [Reaper.Watch]. A status reaped before Watch is
// called is kept in a bounded cache and handed over on registration.
package reaper

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package execsession runs synchronous exec requests in running
// containers.
//
// Each request spawns its own runtime `exec` process with its own
// relay, so concurrent execs are independent and never touch the
// container's primary streams. Output is captured into bounded ring
// buffers that keep the most recent bytes. While the command runs the
// session is registered under its ID so attach can join it.
//
// When the timeout elapses (or the caller goes away) the command's
// in-container pid and the runtime process are both sent SIGKILL; the
// result carries ExitCodeTimeout, TimedOut, and whatever output was
// captured. Every wait after that point is bounded by the configured
// kill grace and drain timeout, so a request returns promptly even if
// the processes cannot be collected.
package execsession

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ociruntime drives a low-level OCI runtime (runc, crun, and
// compatible) through its command-line contract.
//
// Every invocation shares the global flags:
//
//	<runtime> [--root <root>] [--log <file> --log-format json] <command> ...
//
// and the commands used are:
//
//	create --bundle <dir> --pid-file <file> [--console-socket <sock>] <id>
//	start <id>
//	exec --pid-file <file> [--tty --console-socket <sock>] <id> <argv>...
//	kill <id> <signal>
//	delete [--force] <id>
//
// Runtime processes are started through lib/reaper, never waited on
// with exec.Cmd.Wait. `create` returns once the container's init is
// set up and paused before the user process; its pid is read from the
// pid file. `exec` is not waited for: the caller receives the
// runtime's exit channel, which carries the exec'd command's exit code.
//
// When the runtime fails, the error carries the last error message the
// runtime wrote to its JSON log (or its stderr), so callers see why.
package ociruntime

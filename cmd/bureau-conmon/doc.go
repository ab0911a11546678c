// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-conmon is a per-host container monitor. It listens on a unix
// control socket, creates containers through a low-level OCI runtime
// (runc or crun), and stays the parent of every container process so it
// can record exit codes, write CRI-format logs, run exec_sync commands
// with timeouts, and serve attach sessions with terminal resize.
//
// Requests and responses are length-prefixed CBOR frames; see lib/ipc
// for the method names and parameter types. The process becomes a child
// subreaper at startup so containers whose runtime parent exits are
// still reaped here.
package main

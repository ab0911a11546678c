// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal handles the pseudo-terminals of terminal-mode
// containers and exec sessions.
//
// The OCI runtime allocates the pty inside the container and hands the
// master back over a console socket: a unix socket the supervisor
// listens on and names with --console-socket. The runtime connects and
// sends the master descriptor in one SCM_RIGHTS message. [ConsoleSocket]
// is the receiving end; [SendMaster] is the sending end, used by
// runtime doubles in tests.
//
// Once the supervisor holds the master, the relay reads container
// output from it, writes attach input to it, and applies resizes with
// [SetWindowSize].
package terminal

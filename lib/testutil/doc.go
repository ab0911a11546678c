// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets
// (sun_path is limited to 108 bytes, and t.TempDir paths under a
// nested TMPDIR can exceed that). The console socket, the control
// socket, and attach sockets in tests all live there.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so a hung goroutine fails the test instead of stalling it.
//
// [UniqueID] hands out distinct container and session IDs within one
// test binary.
package testutil

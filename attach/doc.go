// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package attach connects clients to the live streams of a container
// or of one of its exec sessions.
//
// Each attach request creates a fresh listening unix socket at a
// caller-chosen path and returns once it is listening. The first
// client to connect is the session; the socket is removed right after
// the accept. From then on the session forwards relay output to the
// client as framed messages (see protocol.go) and applies the client's
// stdin and resize messages to the target.
//
// A session subscribes to the target's relay like any other consumer,
// so a client that stops reading is dropped by the relay rather than
// slowing the container. Sessions end when the client disconnects,
// the target exits, the subscription is dropped, or the manager is
// closed.
package attach

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay fans a process's output out to any number of
// subscribers and passes input back to the process.
//
// One Relay serves one container (or one exec session). Its pumps read
// the process's stdout and stderr pipes, or its pty master, and
// broadcast each read as a [Chunk]. Log pipelines and attach sessions
// consume chunks through a [Subscription]: a bounded channel that
// receives every chunk delivered while the subscription is registered,
// in one global order shared by all subscribers, and nothing delivered
// before it registered.
//
// Delivery never blocks. A subscriber whose channel is full when a
// chunk arrives is dropped: it is unregistered, its channel is closed,
// and [Subscription.Dropped] reports true. The process and every other
// subscriber continue unaffected.
//
// The subscriber set is copy-on-write: Subscribe and Unsubscribe build
// a new slice under a mutex and publish it atomically, and delivery
// iterates whichever snapshot was current when it started. A second
// mutex serializes deliveries so every subscriber observes the same
// order.
package relay

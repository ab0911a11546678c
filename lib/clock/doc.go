// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that stamp or wait take a Clock field. Production wiring
// passes Real(); tests pass Fake() and move time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go session.Run(ctx)        // registers a deadline with fake.After
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
package clock

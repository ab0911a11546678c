// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, outside the
// clock's lock, so a callback may itself schedule new timers. A
// callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	channel  chan time.Time // After and tickers
	callback func()         // AfterFunc
	period   time.Duration  // tickers only
	done     bool
}

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{current: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&pendingTimer{deadline: c.current.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	timer := &pendingTimer{deadline: c.current.Add(d), callback: f}
	c.addLocked(timer)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(timer) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	timer := &pendingTimer{deadline: c.current.Add(d), channel: channel, period: d}
	c.addLocked(timer)
	c.mu.Unlock()
	return &Ticker{C: channel, stop: func() { c.cancel(timer) }}
}

func (c *FakeClock) addLocked(timer *pendingTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(timer *pendingTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	c.pending = slices.DeleteFunc(c.pending, func(candidate *pendingTimer) bool {
		return candidate == timer
	})
	return true
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is reached, earliest first. A ticker spanning several
// periods fires once per period; ticks beyond the channel's capacity
// are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		timer, ok := c.popExpired(target)
		if !ok {
			return
		}
		if timer.callback != nil {
			timer.callback()
			continue
		}
		select {
		case timer.channel <- target:
		default:
		}
	}
}

// popExpired removes and returns the earliest timer due at or before
// target. Tickers are rescheduled rather than removed.
func (c *FakeClock) popExpired(target time.Time) (*pendingTimer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	earliest := -1
	for index, timer := range c.pending {
		if timer.deadline.After(target) {
			continue
		}
		if earliest < 0 || timer.deadline.Before(c.pending[earliest].deadline) {
			earliest = index
		}
	}
	if earliest < 0 {
		return nil, false
	}
	timer := c.pending[earliest]
	if timer.period > 0 {
		// Return a one-shot copy so the caller fires this period while
		// the original waits for the next.
		fired := *timer
		timer.deadline = timer.deadline.Add(timer.period)
		return &fired, true
	}
	timer.done = true
	c.pending = slices.Delete(c.pending, earliest, earliest+1)
	return timer, true
}

// WaitForTimers blocks until at least n timers are pending. Tests call
// it between starting a goroutine that waits on the clock and calling
// Advance, so the advance cannot race ahead of the registration.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of timers that have not yet fired
// or been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

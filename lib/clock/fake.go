// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock reading initial. It is safe for concurrent
// use.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a Clock whose time moves only through Advance.
//
// AfterFunc callbacks run synchronously on the goroutine calling
// Advance, in deadline order. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	// sequence breaks deadline ties in registration order.
	sequence uint64
	changed  *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	sequence uint64
	channel  chan time.Time
	callback func()
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.registerLocked(&pendingTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f. With d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	timer := &pendingTimer{deadline: c.now.Add(d), callback: f}
	c.registerLocked(timer)
	c.mu.Unlock()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		index := slices.Index(c.pending, timer)
		if index < 0 {
			return false
		}
		c.pending = slices.Delete(c.pending, index, index+1)
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

func (c *FakeClock) registerLocked(timer *pendingTimer) {
	c.sequence++
	timer.sequence = c.sequence
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing every timer whose
// deadline is reached. The clock reads each timer's deadline while it
// fires, so timers registered by callbacks fire in the same call when
// their deadline also falls within d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		timer := c.popExpired(target)
		if timer == nil {
			break
		}
		if timer.callback != nil {
			timer.callback()
			continue
		}
		timer.channel <- timer.deadline
	}
	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popExpired removes the earliest timer due by target and moves the
// clock to its deadline.
func (c *FakeClock) popExpired(target time.Time) *pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	earliest := -1
	for index, timer := range c.pending {
		if timer.deadline.After(target) {
			continue
		}
		if earliest < 0 || earlier(timer, c.pending[earliest]) {
			earliest = index
		}
	}
	if earliest < 0 {
		return nil
	}
	timer := c.pending[earliest]
	c.pending = slices.Delete(c.pending, earliest, earliest+1)
	if timer.deadline.After(c.now) {
		c.now = timer.deadline
	}
	c.changed.Broadcast()
	return timer
}

func earlier(a, b *pendingTimer) bool {
	if a.deadline.Equal(b.deadline) {
		return a.sequence < b.sequence
	}
	return a.deadline.Before(b.deadline)
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// close the race between a goroutine registering a timer and the test
// advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of timers that have not fired or
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextDeadline returns the earliest pending deadline.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return time.Time{}, false
	}
	next := c.pending[0]
	for _, timer := range c.pending[1:] {
		if earlier(timer, next) {
			next = timer
		}
	}
	return next.deadline, true
}

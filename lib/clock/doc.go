// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every component that schedules
// work: stream backoff, idle timeouts, the online-state timer, and the
// garbage collection scheduler.
//
// Production code receives Real(). Tests receive Fake(), which only
// moves when Advance is called, so retry and timeout behavior can be
// driven deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	queue := asyncqueue.New(c, logger)
//	// ... start a stream that backs off ...
//	c.WaitForTimers(1)
//	c.Advance(time.Second)
package clock

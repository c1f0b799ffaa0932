// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package asyncqueue is the single serial executor that owns all mutable
// client state. Every state transition in the sync engine, local store,
// and remote store runs as an operation on one Queue, so those
// components need no locks of their own.
//
// Operations run in enqueue order on the queue's goroutine. Network
// reads and timers never touch state directly: they enqueue an
// operation. Delayed operations carry a TimerID so tests can fast
// forward them with RunAllDelayedOperationsUntil instead of waiting on
// a real clock.
//
// A panic inside an operation, including a failed internal assertion
// from the status package, fails the queue permanently. Nothing further
// runs and every waiter receives an error wrapping ErrFailed.
package asyncqueue

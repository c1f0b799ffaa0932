// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncqueue

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig parameterizes exponential backoff.
type BackoffConfig struct {
	// Initial is the first non-zero delay.
	Initial time.Duration `yaml:"initial"`

	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor"`

	// Max caps the delay.
	Max time.Duration `yaml:"max"`

	// Jitter is the fraction of the current delay added or removed
	// at random. 0.5 yields delays in [0.5d, 1.5d].
	Jitter float64 `yaml:"jitter"`
}

// DefaultBackoff returns the reconnect backoff used by the remote
// streams.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial: time.Second,
		Factor:  1.5,
		Max:     60 * time.Second,
		Jitter:  0.5,
	}
}

// Backoff schedules retries on a queue with exponentially growing,
// jittered delays. The first attempt after a Reset runs immediately.
// Backoff is not safe for concurrent use; call it from queue
// operations.
type Backoff struct {
	queue   *Queue
	timerID TimerID
	config  BackoffConfig

	current     time.Duration
	lastAttempt time.Time
	pending     *DelayedOperation
}

// NewBackoff returns a Backoff scheduling under timerID.
func NewBackoff(queue *Queue, timerID TimerID, config BackoffConfig) *Backoff {
	return &Backoff{
		queue:       queue,
		timerID:     timerID,
		config:      config,
		lastAttempt: queue.clock.Now(),
	}
}

// Reset makes the next attempt run immediately.
func (b *Backoff) Reset() { b.current = 0 }

// ResetToMax makes the next attempt wait the maximum delay. Used after
// errors that indicate the backend is overloaded.
func (b *Backoff) ResetToMax() { b.current = b.config.Max }

// Current returns the base delay the next attempt will use, before
// jitter.
func (b *Backoff) Current() time.Duration { return b.current }

// BackoffAndRun cancels any pending attempt and schedules op after the
// current delay. Time elapsed since the previous attempt counts toward
// the delay.
func (b *Backoff) BackoffAndRun(op func()) {
	b.Cancel()

	desired := b.current + b.jitter()
	elapsed := max(b.queue.clock.Now().Sub(b.lastAttempt), 0)
	remaining := max(desired-elapsed, 0)
	if b.current > 0 {
		b.queue.logger.Debug("backing off",
			"timer", string(b.timerID),
			"delay", remaining,
			"base", b.current,
		)
	}

	b.pending = b.queue.EnqueueAfterDelay(b.timerID, remaining, func() {
		b.pending = nil
		b.lastAttempt = b.queue.clock.Now()
		op()
	})

	b.current = time.Duration(float64(b.current) * b.config.Factor)
	if b.current < b.config.Initial {
		b.current = b.config.Initial
	}
	if b.current > b.config.Max {
		b.current = b.config.Max
	}
}

// Cancel drops the pending attempt, if any.
func (b *Backoff) Cancel() {
	if b.pending != nil {
		b.pending.Cancel()
		b.pending = nil
	}
}

func (b *Backoff) jitter() time.Duration {
	if b.current == 0 || b.config.Jitter == 0 {
		return 0
	}
	spread := (rand.Float64()*2 - 1) * b.config.Jitter
	return time.Duration(spread * float64(b.current))
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/status"
)

var (
	// ErrFailed wraps the panic that stopped a queue.
	ErrFailed = errors.New("asyncqueue: queue failed")

	// ErrShutdown is returned for operations enqueued after Shutdown.
	ErrShutdown = errors.New("asyncqueue: queue is shut down")
)

// Transient is implemented by errors that clear up on their own, such
// as a storage layer that is briefly unavailable. EnqueueRetryable
// retries operations failing with a transient error.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether any error in err's chain is transient.
func IsTransient(err error) bool {
	var transient Transient
	return errors.As(err, &transient) && transient.Transient()
}

type item struct {
	run   func()
	abort func(error)
	// privileged items still run after Shutdown begins.
	privileged bool
}

// Queue is a serial executor. The zero value is not usable; call New.
type Queue struct {
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	items        []item
	wake         chan struct{}
	delayed      []*DelayedOperation
	failure      error
	restricted   bool
	shuttingDown bool
	stopped      bool
	done         chan struct{}

	// retryable holds operations run through EnqueueRetryable, in
	// order. Only the head runs; the rest wait for it to succeed.
	retryable    []func() error
	retryBackoff *Backoff
}

// New starts a queue running on its own goroutine.
func New(clk clock.Clock, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.retryBackoff = NewBackoff(q, TimerAsyncQueueRetry, DefaultBackoff())
	go q.loop()
	return q
}

// Clock returns the queue's clock.
func (q *Queue) Clock() clock.Clock { return q.clock }

// Err returns the error that failed the queue, or nil.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failure
}

// Enqueue schedules op. Operations enqueued after the queue failed or
// began shutting down are dropped.
func (q *Queue) Enqueue(op func()) {
	if err := q.push(item{run: op}); err != nil {
		q.logger.Debug("dropping operation", "error", err)
	}
}

// EnqueueAndWait runs op on the queue and returns its error. It must
// not be called from an operation already running on q.
func (q *Queue) EnqueueAndWait(ctx context.Context, op func() error) error {
	result := make(chan error, 1)
	err := q.push(item{
		run:   func() { result <- op() },
		abort: func(err error) { result <- err },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueEvenWhileRestricted schedules op even after
// EnterRestrictedMode. Shutdown work uses it to flush state.
func (q *Queue) EnqueueEvenWhileRestricted(op func()) {
	if err := q.push(item{run: op, privileged: true}); err != nil {
		q.logger.Debug("dropping operation", "error", err)
	}
}

// EnterRestrictedMode stops the queue from accepting operations other
// than those enqueued with EnqueueEvenWhileRestricted.
func (q *Queue) EnterRestrictedMode() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restricted = true
}

// Drain waits until every operation enqueued before the call has run.
func (q *Queue) Drain(ctx context.Context) error {
	return q.EnqueueAndWait(ctx, func() error { return nil })
}

// EnqueueRetryable schedules op. If op fails with a transient error it
// is retried with exponential backoff, and retryable operations
// enqueued after it wait until it succeeds. Any other error is logged
// and the operation is dropped.
func (q *Queue) EnqueueRetryable(op func() error) {
	q.Enqueue(func() {
		q.retryable = append(q.retryable, op)
		if len(q.retryable) == 1 {
			q.runRetryable()
		}
	})
}

// runRetryable runs the head of the retryable list. Called on the queue.
func (q *Queue) runRetryable() {
	if len(q.retryable) == 0 {
		return
	}
	err := q.retryable[0]()
	if err != nil && IsTransient(err) {
		q.logger.Debug("retrying operation after transient error", "error", err)
		q.retryBackoff.BackoffAndRun(q.runRetryable)
		return
	}
	if err != nil {
		q.logger.Error("retryable operation failed", "error", err)
	}
	q.retryable = q.retryable[1:]
	q.retryBackoff.Reset()
	if len(q.retryable) > 0 {
		q.Enqueue(q.runRetryable)
	}
}

func (q *Queue) push(it item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failure != nil {
		return q.failure
	}
	if q.stopped || (q.restricted && !it.privileged) {
		return ErrShutdown
	}
	q.items = append(q.items, it)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			if q.stopped || q.failure != nil {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		next := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := q.run(next); err != nil {
			q.fail(err)
			return
		}
	}
}

func (q *Queue) run(it item) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		var assertion *status.AssertionError
		if asError, ok := recovered.(error); ok && errors.As(asError, &assertion) {
			err = fmt.Errorf("%w: %w", ErrFailed, assertion)
			return
		}
		err = fmt.Errorf("%w: panic: %v", ErrFailed, recovered)
	}()
	it.run()
	return nil
}

// fail records the failure and aborts everything still pending.
func (q *Queue) fail(err error) {
	q.logger.Error("async queue failed", "error", err)
	q.mu.Lock()
	q.failure = err
	pending := q.items
	q.items = nil
	delayed := q.delayed
	q.delayed = nil
	q.mu.Unlock()

	for _, operation := range delayed {
		operation.timer.Stop()
	}
	for _, it := range pending {
		if it.abort != nil {
			it.abort(err)
		}
	}
}

// Shutdown stops accepting new operations, runs final on the queue
// after everything already enqueued, cancels all delayed operations,
// and stops the queue goroutine. final may be nil.
func (q *Queue) Shutdown(ctx context.Context, final func() error) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil
	}
	q.shuttingDown = true
	q.restricted = true
	q.mu.Unlock()

	result := make(chan error, 1)
	err := q.push(item{
		privileged: true,
		run: func() {
			for _, operation := range q.snapshotDelayed() {
				operation.Cancel()
			}
			if final != nil {
				result <- final()
				return
			}
			result <- nil
		},
		abort: func(err error) { result <- err },
	})
	if err != nil {
		return err
	}

	select {
	case err = <-result:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
	return err
}

// EnqueueAfterDelay schedules op to run on the queue after delay.
func (q *Queue) EnqueueAfterDelay(timerID TimerID, delay time.Duration, op func()) *DelayedOperation {
	operation := &DelayedOperation{
		queue:      q,
		timerID:    timerID,
		targetTime: q.clock.Now().Add(delay),
		op:         op,
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, operation)
	q.mu.Unlock()
	operation.timer = q.clock.AfterFunc(delay, operation.enqueue)
	return operation
}

// ContainsDelayedOperation reports whether an operation with timerID
// is scheduled.
func (q *Queue) ContainsDelayedOperation(timerID TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.delayed, func(operation *DelayedOperation) bool {
		return operation.timerID == timerID
	})
}

// RunAllDelayedOperationsUntil runs scheduled delayed operations in
// target-time order without waiting for their delay, stopping after
// the first operation with lastTimerID. TimerAll runs everything. It
// waits for the resulting work to finish.
func (q *Queue) RunAllDelayedOperationsUntil(ctx context.Context, lastTimerID TimerID) error {
	if err := q.Drain(ctx); err != nil {
		return err
	}
	operations := q.snapshotDelayed()
	slices.SortStableFunc(operations, func(a, b *DelayedOperation) int {
		return a.targetTime.Compare(b.targetTime)
	})
	for _, operation := range operations {
		operation.SkipDelay()
		if lastTimerID != TimerAll && operation.timerID == lastTimerID {
			break
		}
	}
	return q.Drain(ctx)
}

// CancelDelayed cancels every scheduled operation with timerID.
func (q *Queue) CancelDelayed(timerID TimerID) {
	for _, operation := range q.snapshotDelayed() {
		if operation.timerID == timerID {
			operation.Cancel()
		}
	}
}

func (q *Queue) snapshotDelayed() []*DelayedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.delayed)
}

func (q *Queue) removeDelayed(operation *DelayedOperation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := slices.Index(q.delayed, operation)
	if index < 0 {
		return false
	}
	q.delayed = slices.Delete(q.delayed, index, index+1)
	return true
}

// DelayedOperation is an operation waiting on a timer.
type DelayedOperation struct {
	queue      *Queue
	timerID    TimerID
	targetTime time.Time
	op         func()
	timer      *clock.Timer
}

// TimerID returns the operation's timer id.
func (d *DelayedOperation) TimerID() TimerID { return d.timerID }

// Cancel unschedules the operation if it has not run yet.
func (d *DelayedOperation) Cancel() {
	if d.queue.removeDelayed(d) && d.timer != nil {
		d.timer.Stop()
	}
}

// SkipDelay runs the operation now, in queue order, instead of when
// its timer fires.
func (d *DelayedOperation) SkipDelay() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.enqueue()
}

// enqueue hands the operation to the queue. Only the first of a timer
// firing and SkipDelay takes effect; removal from the delayed list
// happens when the operation reaches the front of the queue, so a
// Cancel issued in between still wins.
func (d *DelayedOperation) enqueue() {
	d.queue.Enqueue(func() {
		if d.queue.removeDelayed(d) {
			d.op()
		}
	})
}

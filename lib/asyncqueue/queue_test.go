// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	queue := New(fake, testutil.Logger(t))
	t.Cleanup(func() {
		queue.Shutdown(context.Background(), nil)
	})
	return queue, fake
}

func TestOperationsRunInOrder(t *testing.T) {
	queue, _ := newTestQueue(t)
	var order []int
	for index := range 50 {
		queue.Enqueue(func() { order = append(order, index) })
	}
	if err := queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for index, value := range order {
		if value != index {
			t.Fatalf("order[%d] = %d", index, value)
		}
	}
	if len(order) != 50 {
		t.Fatalf("ran %d operations, want 50", len(order))
	}
}

func TestEnqueueAndWaitReturnsError(t *testing.T) {
	queue, _ := newTestQueue(t)
	want := errors.New("boom")
	if err := queue.EnqueueAndWait(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("EnqueueAndWait = %v, want %v", err, want)
	}
}

func TestDelayedOperationRunsWhenClockAdvances(t *testing.T) {
	queue, fake := newTestQueue(t)
	ran := make(chan struct{})
	queue.EnqueueAfterDelay(TimerListenStreamIdle, time.Minute, func() { close(ran) })

	if !queue.ContainsDelayedOperation(TimerListenStreamIdle) {
		t.Fatal("delayed operation not registered")
	}
	fake.Advance(59 * time.Second)
	queue.Drain(context.Background())
	select {
	case <-ran:
		t.Fatal("ran before its delay")
	default:
	}

	fake.Advance(time.Second)
	testutil.RequireClosed(t, ran, 5*time.Second, "delayed operation")
	queue.Drain(context.Background())
	if queue.ContainsDelayedOperation(TimerListenStreamIdle) {
		t.Fatal("operation still registered after running")
	}
}

func TestCancelDelayedOperation(t *testing.T) {
	queue, fake := newTestQueue(t)
	ran := false
	operation := queue.EnqueueAfterDelay(TimerWriteStreamIdle, time.Second, func() { ran = true })
	operation.Cancel()

	fake.Advance(time.Hour)
	queue.RunAllDelayedOperationsUntil(context.Background(), TimerAll)
	if ran {
		t.Fatal("cancelled operation ran")
	}
}

func TestRunAllDelayedOperationsUntil(t *testing.T) {
	queue, _ := newTestQueue(t)
	var order []TimerID
	schedule := func(id TimerID, delay time.Duration) {
		queue.EnqueueAfterDelay(id, delay, func() { order = append(order, id) })
	}
	queue.EnqueueAndWait(context.Background(), func() error {
		schedule(TimerGarbageCollection, 3*time.Second)
		schedule(TimerOnlineStateTimeout, time.Second)
		schedule(TimerListenStreamConnectionBackoff, 2*time.Second)
		return nil
	})

	if err := queue.RunAllDelayedOperationsUntil(context.Background(), TimerListenStreamConnectionBackoff); err != nil {
		t.Fatalf("RunAllDelayedOperationsUntil: %v", err)
	}
	want := []TimerID{TimerOnlineStateTimeout, TimerListenStreamConnectionBackoff}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("ran %v, want %v", order, want)
	}
	if !queue.ContainsDelayedOperation(TimerGarbageCollection) {
		t.Fatal("operation after the stop timer should still be scheduled")
	}
}

func TestAssertionFailsQueue(t *testing.T) {
	queue, _ := newTestQueue(t)
	queue.Enqueue(func() { status.Fail("document %s in two states", "rooms/a") })

	err := queue.EnqueueAndWait(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("EnqueueAndWait after assertion = %v, want ErrFailed", err)
	}
	var assertion *status.AssertionError
	if !errors.As(err, &assertion) {
		t.Fatalf("error %v does not carry the assertion", err)
	}
	if !errors.Is(queue.Err(), ErrFailed) {
		t.Fatalf("Err() = %v", queue.Err())
	}
}

func TestNilLoggerDiscardsLogs(t *testing.T) {
	queue := New(clock.Fake(epoch), nil)
	defer queue.Shutdown(context.Background(), nil)

	// A failed queue logs the failure before reporting it.
	queue.Enqueue(func() { status.Fail("watch target %d missing", 2) })
	if err := queue.EnqueueAndWait(context.Background(), func() error { return nil }); !errors.Is(err, ErrFailed) {
		t.Fatalf("EnqueueAndWait = %v, want ErrFailed", err)
	}
}

type transientError struct{}

func (transientError) Error() string   { return "storage unavailable" }
func (transientError) Transient() bool { return true }

func TestEnqueueRetryableRetriesTransientErrors(t *testing.T) {
	queue, _ := newTestQueue(t)
	attempts := 0
	var order []string
	queue.EnqueueRetryable(func() error {
		attempts++
		if attempts < 3 {
			return transientError{}
		}
		order = append(order, "first")
		return nil
	})
	queue.EnqueueRetryable(func() error {
		order = append(order, "second")
		return nil
	})

	ctx := context.Background()
	for range 5 {
		if err := queue.RunAllDelayedOperationsUntil(ctx, TimerAll); err != nil {
			t.Fatalf("RunAllDelayedOperationsUntil: %v", err)
		}
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestShutdown(t *testing.T) {
	fake := clock.Fake(epoch)
	queue := New(fake, testutil.Logger(t))
	queue.EnqueueAndWait(context.Background(), func() error {
		queue.EnqueueAfterDelay(TimerGarbageCollection, time.Minute, func() {})
		return nil
	})

	finalRan := false
	err := queue.Shutdown(context.Background(), func() error {
		finalRan = true
		return nil
	})
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finalRan {
		t.Fatal("final operation did not run")
	}
	if queue.ContainsDelayedOperation(TimerGarbageCollection) {
		t.Fatal("delayed operation survived shutdown")
	}
	if err := queue.EnqueueAndWait(context.Background(), func() error { return nil }); !errors.Is(err, ErrShutdown) {
		t.Fatalf("EnqueueAndWait after shutdown = %v, want ErrShutdown", err)
	}
}

func TestBackoffGrowth(t *testing.T) {
	queue, _ := newTestQueue(t)
	config := BackoffConfig{Initial: time.Second, Factor: 2, Max: 5 * time.Second}
	var observed []time.Duration
	queue.EnqueueAndWait(context.Background(), func() error {
		backoff := NewBackoff(queue, TimerListenStreamConnectionBackoff, config)
		for range 5 {
			backoff.BackoffAndRun(func() {})
			observed = append(observed, backoff.Current())
		}
		backoff.Reset()
		observed = append(observed, backoff.Current())
		backoff.Cancel()
		return nil
	})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 0}
	for index := range want {
		if observed[index] != want[index] {
			t.Fatalf("delays = %v, want %v", observed, want)
		}
	}
	if queue.ContainsDelayedOperation(TimerListenStreamConnectionBackoff) {
		t.Fatal("cancelled backoff left an operation scheduled")
	}
}

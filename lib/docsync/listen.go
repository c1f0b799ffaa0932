// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/syncengine"
)

// ListenOptions control which snapshots a listener receives.
type ListenOptions = syncengine.ListenOptions

// SnapshotHandler receives the snapshots of a listen. It is called
// with a nil snapshot and a non-nil error exactly once if the listen
// fails, and never again after that.
type SnapshotHandler func(snapshot *syncengine.ViewSnapshot, err error)

// ListenerRegistration is a started listen.
type ListenerRegistration struct {
	client   *Client
	listener *syncengine.QueryListener
	observer *observer[*syncengine.ViewSnapshot]
	once     sync.Once
}

// Listen starts delivering snapshots of q to handler. The first
// snapshot comes from the cache; later ones follow local writes and the
// backend. handler runs on its own goroutine, one call at a time, and
// may call back into the client.
func (c *Client) Listen(ctx context.Context, q *query.Query, options ListenOptions, handler SnapshotHandler) (*ListenerRegistration, error) {
	obs := newObserver[*syncengine.ViewSnapshot](handler)
	registration := &ListenerRegistration{client: c, observer: obs}
	registration.listener = syncengine.NewQueryListener(q, options, obs.next, obs.fail)

	err := c.run(ctx, func(ctx context.Context) error {
		// A failed start has already been reported to the listener.
		if err := c.eventManager.Listen(ctx, registration.listener); err != nil {
			c.logger.Debug("listen failed to start", "query", q.CanonicalID(), "error", err)
		}
		return nil
	})
	if err != nil {
		obs.mute()
		return nil, err
	}
	return registration, nil
}

// Remove stops the listen. No snapshot is delivered after Remove
// returns, except one the handler is already running with. Remove is
// idempotent.
func (r *ListenerRegistration) Remove() {
	r.once.Do(func() {
		r.observer.mute()
		err := r.client.run(context.Background(), func(ctx context.Context) error {
			return r.client.eventManager.Unlisten(ctx, r.listener)
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			r.client.logger.Warn("removing listener failed", "query", r.listener.Query().CanonicalID(), "error", err)
		}
	})
}

// AddSnapshotsInSyncListener calls fn whenever every listener has seen
// snapshots consistent with each other, and once right away. fn runs
// on its own goroutine.
func (c *Client) AddSnapshotsInSyncListener(ctx context.Context, fn func()) (remove func(), err error) {
	obs := newObserver[struct{}](func(struct{}, error) { fn() })
	var removeFromManager func()
	err = c.run(ctx, func(context.Context) error {
		removeFromManager = c.eventManager.AddSnapshotsInSyncListener(func() { obs.next(struct{}{}) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.remover(obs.mute, removeFromManager), nil
}

// OnOnlineStateChange calls fn with every change of the online state.
// fn runs on its own goroutine.
func (c *Client) OnOnlineStateChange(ctx context.Context, fn func(remote.OnlineState)) (remove func(), err error) {
	obs := newObserver[remote.OnlineState](func(state remote.OnlineState, _ error) { fn(state) })
	var removeFromManager func()
	err = c.run(ctx, func(context.Context) error {
		removeFromManager = c.eventManager.AddOnlineStateListener(obs.next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.remover(obs.mute, removeFromManager), nil
}

func (c *Client) remover(mute, removeFromManager func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			mute()
			c.run(context.Background(), func(context.Context) error {
				removeFromManager()
				return nil
			})
		})
	}
}

// observer delivers values to a handler on a dedicated goroutine, so
// handlers never run on the async queue. Values queue without bound;
// a failure is delivered last and ends the observer.
type observer[T any] struct {
	handler func(T, error)

	mu      sync.Mutex
	pending []T
	err     error
	failed  bool
	muted   bool
	running bool
}

func newObserver[T any](handler func(T, error)) *observer[T] {
	return &observer[T]{handler: handler}
}

func (o *observer[T]) next(value T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.muted || o.failed {
		return
	}
	o.pending = append(o.pending, value)
	o.startLocked()
}

func (o *observer[T]) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.muted || o.failed {
		return
	}
	o.failed = true
	o.err = err
	o.startLocked()
}

func (o *observer[T]) mute() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = true
	o.pending = nil
}

func (o *observer[T]) startLocked() {
	if o.running {
		return
	}
	o.running = true
	go o.deliver()
}

func (o *observer[T]) deliver() {
	for {
		o.mu.Lock()
		if o.muted {
			o.running = false
			o.mu.Unlock()
			return
		}
		if len(o.pending) > 0 {
			value := o.pending[0]
			o.pending = o.pending[1:]
			o.mu.Unlock()
			o.handler(value, nil)
			continue
		}
		if o.failed && o.err != nil {
			err := o.err
			o.err = nil
			o.muted = true
			o.running = false
			o.mu.Unlock()
			var zero T
			o.handler(zero, err)
			return
		}
		o.running = false
		o.mu.Unlock()
		return
	}
}

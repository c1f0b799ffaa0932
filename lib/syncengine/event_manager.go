// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// ListenOptions control which snapshots a QueryListener raises.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is
	// pending-write state or FromCache.
	IncludeMetadataChanges bool

	// WaitForSyncWhenOnline holds back the first snapshot until the
	// backend confirms the results, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// QueryListener delivers one caller's snapshots of a query. Several
// listeners of the same query share one View.
type QueryListener struct {
	query      *query.Query
	options    ListenOptions
	onSnapshot func(*ViewSnapshot)
	onError    func(error)

	raisedInitialEvent bool
	snapshot           *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener returns a listener that calls onSnapshot for every
// raised snapshot and onError once if the query fails. Both run on the
// async queue and must not block.
func NewQueryListener(q *query.Query, options ListenOptions, onSnapshot func(*ViewSnapshot), onError func(error)) *QueryListener {
	return &QueryListener{
		query:       q,
		options:     options,
		onSnapshot:  onSnapshot,
		onError:     onError,
		onlineState: remote.OnlineUnknown,
	}
}

// Query returns the listened query.
func (l *QueryListener) Query() *query.Query { return l.query }

// OnViewSnapshot offers snap to the listener and reports whether it
// raised an event.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	status.Assert(len(snap.Changes) > 0 || snap.SyncStateChanged, "snapshot for %s without changes", l.query)
	if !l.options.IncludeMetadataChanges {
		snap = snap.withoutMetadataChanges()
	}

	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.onSnapshot(snap)
		raised = true
	}
	l.snapshot = snap
	return raised
}

// OnError reports a failed query.
func (l *QueryListener) OnError(err error) { l.onError(err) }

// ApplyOnlineStateChange records state and raises a held-back first
// snapshot when going offline makes the cache the best answer.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snapshot != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snapshot, state) {
		l.raiseInitialEvent(l.snapshot)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.Offline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result while connecting is not worth raising:
	// it is usually the backend's answer that is still on the way.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.Offline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.Changes) > 0 {
		return true
	}
	pendingWritesChanged := l.snapshot != nil && l.snapshot.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	l.raisedInitialEvent = true
	l.onSnapshot(initialSnapshot(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.HasCachedResults))
}

// queryHandler is the part of the sync engine the event manager
// drives.
type queryHandler interface {
	Listen(ctx context.Context, q *query.Query) (*ViewSnapshot, error)
	Unlisten(ctx context.Context, q *query.Query) error
	setListener(listener engineListener)
}

// engineListener receives the sync engine's results.
type engineListener interface {
	onWatchChange(snapshots []*ViewSnapshot)
	onWatchError(q *query.Query, err error)
	onOnlineStateChange(state remote.OnlineState)
}

type queryListeners struct {
	snapshot  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans query results out to listeners. The first
// listener of a query starts it in the sync engine and the last one
// to leave stops it. All methods run on the async queue.
type EventManager struct {
	engine queryHandler
	logger *slog.Logger

	// queries is keyed by Query.CanonicalID.
	queries     map[string]*queryListeners
	onlineState remote.OnlineState

	snapshotsInSync map[int]func()
	onlineListeners map[int]func(remote.OnlineState)
	nextListenerID  int
}

// NewEventManager returns an event manager receiving engine's results.
func NewEventManager(engine *SyncEngine, logger *slog.Logger) *EventManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	manager := &EventManager{
		engine:          engine,
		logger:          logger,
		queries:         make(map[string]*queryListeners),
		onlineState:     remote.OnlineUnknown,
		snapshotsInSync: make(map[int]func()),
		onlineListeners: make(map[int]func(remote.OnlineState)),
	}
	engine.setListener(manager)
	return manager
}

// Listen registers listener. When the query cannot be started the
// listener receives the error and is not registered.
func (m *EventManager) Listen(ctx context.Context, listener *QueryListener) error {
	canonicalID := listener.query.CanonicalID()
	info, ok := m.queries[canonicalID]
	if !ok {
		snapshot, err := m.engine.Listen(ctx, listener.query)
		if err != nil {
			listener.OnError(err)
			return err
		}
		info = &queryListeners{snapshot: snapshot}
		m.queries[canonicalID] = info
	}
	info.listeners = append(info.listeners, listener)

	listener.ApplyOnlineStateChange(m.onlineState)
	if info.snapshot != nil && listener.OnViewSnapshot(info.snapshot) {
		m.raiseSnapshotsInSync()
	}
	return nil
}

// Unlisten removes listener, stopping the query when no listener is
// left.
func (m *EventManager) Unlisten(ctx context.Context, listener *QueryListener) error {
	canonicalID := listener.query.CanonicalID()
	info, ok := m.queries[canonicalID]
	if !ok {
		return nil
	}
	index := slices.Index(info.listeners, listener)
	if index < 0 {
		return nil
	}
	info.listeners = slices.Delete(info.listeners, index, index+1)
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, canonicalID)
	return m.engine.Unlisten(ctx, listener.query)
}

// AddSnapshotsInSyncListener registers fn to run every time all
// listeners have seen snapshots consistent with each other, and runs
// it once immediately. The returned function removes it.
func (m *EventManager) AddSnapshotsInSyncListener(fn func()) (remove func()) {
	id := m.nextListenerID
	m.nextListenerID++
	m.snapshotsInSync[id] = fn
	fn()
	return func() { delete(m.snapshotsInSync, id) }
}

// AddOnlineStateListener registers fn to run on every online state
// change. The returned function removes it.
func (m *EventManager) AddOnlineStateListener(fn func(remote.OnlineState)) (remove func()) {
	id := m.nextListenerID
	m.nextListenerID++
	m.onlineListeners[id] = fn
	return func() { delete(m.onlineListeners, id) }
}

// OnlineState returns the last reported online state.
func (m *EventManager) OnlineState() remote.OnlineState { return m.onlineState }

func (m *EventManager) onWatchChange(snapshots []*ViewSnapshot) {
	raised := false
	for _, snapshot := range snapshots {
		info, ok := m.queries[snapshot.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, listener := range info.listeners {
			if listener.OnViewSnapshot(snapshot) {
				raised = true
			}
		}
		info.snapshot = snapshot
	}
	if raised {
		m.raiseSnapshotsInSync()
	}
}

func (m *EventManager) onWatchError(q *query.Query, err error) {
	canonicalID := q.CanonicalID()
	info, ok := m.queries[canonicalID]
	if !ok {
		return
	}
	m.logger.Warn("query failed", "query", canonicalID, "listeners", len(info.listeners), "error", err)
	for _, listener := range info.listeners {
		listener.OnError(err)
	}
	delete(m.queries, canonicalID)
}

func (m *EventManager) onOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, fn := range m.onlineListeners {
		fn(state)
	}
	raised := false
	for _, info := range m.queries {
		for _, listener := range info.listeners {
			if listener.ApplyOnlineStateChange(state) {
				raised = true
			}
		}
	}
	if raised {
		m.raiseSnapshotsInSync()
	}
}

func (m *EventManager) raiseSnapshotsInSync() {
	for _, fn := range m.snapshotsInSync {
		fn()
	}
}

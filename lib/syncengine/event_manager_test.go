// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"testing"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
)

// recordingListener collects what a QueryListener raises.
type recordingListener struct {
	snapshots []*ViewSnapshot
	errs      []error
}

func (r *recordingListener) listener(q *query.Query, options ListenOptions) *QueryListener {
	return NewQueryListener(q, options,
		func(snap *ViewSnapshot) { r.snapshots = append(r.snapshots, snap) },
		func(err error) { r.errs = append(r.errs, err) })
}

func cachedSnapshot(v *View, docs ...*model.MutableDocument) *ViewSnapshot {
	return applyDocs(v, nil, docs...).Snapshot
}

func TestQueryListenerRaisesNonEmptyCachedResults(t *testing.T) {
	q := query.NewQuery(rooms)
	var recorder recordingListener
	listener := recorder.listener(q, ListenOptions{})

	snap := cachedSnapshot(NewView(q, model.NewDocumentKeySet()), doc("rooms/a", 1, nil))
	if !listener.OnViewSnapshot(snap) {
		t.Fatal("cached results with documents were not raised")
	}
	if len(recorder.snapshots) != 1 || !recorder.snapshots[0].FromCache {
		t.Fatalf("snapshots = %+v", recorder.snapshots)
	}
}

func TestQueryListenerHoldsEmptyCacheUntilOffline(t *testing.T) {
	q := query.NewQuery(rooms)
	var recorder recordingListener
	listener := recorder.listener(q, ListenOptions{})

	snap := cachedSnapshot(NewView(q, model.NewDocumentKeySet()))
	if listener.OnViewSnapshot(snap) {
		t.Fatal("empty cached snapshot raised while the backend may answer")
	}
	if listener.ApplyOnlineStateChange(remote.OnlineUnknown) {
		t.Fatal("raised on an unknown online state")
	}
	if !listener.ApplyOnlineStateChange(remote.Offline) {
		t.Fatal("going offline did not raise the held snapshot")
	}
	if len(recorder.snapshots) != 1 || !recorder.snapshots[0].Docs.IsEmpty() {
		t.Fatalf("snapshots = %+v", recorder.snapshots)
	}
	if listener.ApplyOnlineStateChange(remote.Offline) {
		t.Fatal("first snapshot raised twice")
	}
}

func TestQueryListenerWaitsForSyncWhenOnline(t *testing.T) {
	q := query.NewQuery(rooms)
	var recorder recordingListener
	listener := recorder.listener(q, ListenOptions{WaitForSyncWhenOnline: true})
	v := NewView(q, model.NewDocumentKeySet())

	listener.ApplyOnlineStateChange(remote.Online)
	if listener.OnViewSnapshot(cachedSnapshot(v, doc("rooms/a", 1, nil))) {
		t.Fatal("cached snapshot raised before the backend confirmed it")
	}
	synced := applyDocs(v, currentChange("rooms/a")).Snapshot
	if !listener.OnViewSnapshot(synced) {
		t.Fatal("synced snapshot not raised")
	}
	got := recorder.snapshots[0]
	if got.FromCache || len(got.Changes) != 1 || got.Changes[0].Type != ChangeAdded {
		t.Fatalf("first snapshot = %+v", got)
	}
}

func TestQueryListenerFiltersMetadataChanges(t *testing.T) {
	q := query.NewQuery(rooms)
	var plain, withMetadata recordingListener
	plainListener := plain.listener(q, ListenOptions{})
	metadataListener := withMetadata.listener(q, ListenOptions{IncludeMetadataChanges: true})
	v := NewView(q, model.NewDocumentKeySet())

	first := cachedSnapshot(v, doc("rooms/a", 0, map[string]any{"x": 1}).SetHasLocalMutations())
	plainListener.OnViewSnapshot(first)
	metadataListener.OnViewSnapshot(first)

	confirmed := cachedSnapshot(v, doc("rooms/a", 30, map[string]any{"x": 1}))
	if plainListener.OnViewSnapshot(confirmed) {
		t.Fatal("metadata-only change raised without IncludeMetadataChanges")
	}
	if !metadataListener.OnViewSnapshot(confirmed) {
		t.Fatal("metadata-only change not raised with IncludeMetadataChanges")
	}
	last := withMetadata.snapshots[len(withMetadata.snapshots)-1]
	if last.HasPendingWrites() || len(last.Changes) != 1 || last.Changes[0].Type != ChangeMetadata {
		t.Fatalf("metadata snapshot = %+v", last)
	}
}

func TestQueryListenerReportsErrors(t *testing.T) {
	var recorder recordingListener
	listener := recorder.listener(query.NewQuery(rooms), ListenOptions{})
	listener.OnError(errTest)
	if len(recorder.errs) != 1 || recorder.errs[0] != errTest {
		t.Fatalf("errors = %v", recorder.errs)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"testing"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
)

var rooms = model.NewResourcePath("rooms")

func doc(path string, micros int64, fields map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(model.MustKey(path), model.VersionFromMicros(micros), model.MustObject(fields))
}

func docMap(docs ...*model.MutableDocument) model.DocumentMap {
	m := model.NewDocumentMap()
	for _, d := range docs {
		m = m.Insert(d.Key(), d)
	}
	return m
}

func keys(paths ...string) model.DocumentKeySet {
	set := model.NewDocumentKeySet()
	for _, path := range paths {
		set = set.Insert(model.MustKey(path))
	}
	return set
}

func docKeys(docs model.DocumentSet) []string {
	var paths []string
	for d := range docs.All() {
		paths = append(paths, d.Key().String())
	}
	return paths
}

func changeStrings(changes []DocumentViewChange) []string {
	var result []string
	for _, change := range changes {
		result = append(result, change.String())
	}
	return result
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyDocs computes and applies docs in one step.
func applyDocs(v *View, targetChange *remote.TargetChange, docs ...*model.MutableDocument) ViewChange {
	return v.ApplyChanges(v.ComputeDocChanges(docMap(docs...), nil), true, targetChange, false)
}

func currentChange(added ...string) *remote.TargetChange {
	change := remote.NewTargetChange(nil, true)
	change.AddedDocuments = keys(added...)
	return &change
}

func TestViewAddsMatchingDocuments(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	change := applyDocs(v, nil,
		doc("rooms/b", 1, map[string]any{"n": 2}),
		doc("rooms/a", 1, map[string]any{"n": 1}),
		doc("users/z", 1, nil),
		model.NewNoDocument(model.MustKey("rooms/c"), model.VersionFromMicros(1)),
	)
	snap := change.Snapshot
	if snap == nil {
		t.Fatal("no snapshot")
	}
	if got := docKeys(snap.Docs); !equalStrings(got, []string{"rooms/a", "rooms/b"}) {
		t.Fatalf("docs = %v", got)
	}
	if got := changeStrings(snap.Changes); !equalStrings(got, []string{"added rooms/a", "added rooms/b"}) {
		t.Fatalf("changes = %v", got)
	}
	if !snap.FromCache || !snap.SyncStateChanged {
		t.Fatalf("fromCache=%v syncStateChanged=%v, want both", snap.FromCache, snap.SyncStateChanged)
	}
	if len(change.LimboChanges) != 0 {
		t.Fatalf("limbo changes before the view is current: %v", change.LimboChanges)
	}
}

func TestViewOrdersRemovalsFirst(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	applyDocs(v, nil, doc("rooms/a", 1, map[string]any{"n": 1}), doc("rooms/c", 1, map[string]any{"n": 1}))

	change := applyDocs(v, nil,
		doc("rooms/b", 2, map[string]any{"n": 1}),
		doc("rooms/c", 2, map[string]any{"n": 2}),
		model.NewNoDocument(model.MustKey("rooms/a"), model.VersionFromMicros(2)),
	)
	want := []string{"removed rooms/a", "added rooms/b", "modified rooms/c"}
	if got := changeStrings(change.Snapshot.Changes); !equalStrings(got, want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	if got := docKeys(change.Snapshot.OldDocs); !equalStrings(got, []string{"rooms/a", "rooms/c"}) {
		t.Fatalf("old docs = %v", got)
	}
}

func TestViewLimitEvictsPastBoundary(t *testing.T) {
	q := query.NewQuery(rooms).WithLimitToFirst(2)
	v := NewView(q, model.NewDocumentKeySet())
	change := applyDocs(v, nil,
		doc("rooms/c", 1, nil),
		doc("rooms/a", 1, nil),
		doc("rooms/b", 1, nil),
	)
	if got := docKeys(change.Snapshot.Docs); !equalStrings(got, []string{"rooms/a", "rooms/b"}) {
		t.Fatalf("docs = %v", got)
	}

	// Removing a document from a full view leaves a hole only the
	// cache can fill.
	docChanges := v.ComputeDocChanges(docMap(model.NewNoDocument(model.MustKey("rooms/a"), model.VersionFromMicros(2))), nil)
	if !docChanges.NeedsRefill {
		t.Fatal("removal from a full limited view did not need a refill")
	}
	refilled := v.ComputeDocChanges(docMap(doc("rooms/b", 1, nil), doc("rooms/c", 1, nil)), &docChanges)
	if refilled.NeedsRefill {
		t.Fatal("refill needed another refill")
	}
	change = v.ApplyChanges(refilled, true, nil, false)
	if got := docKeys(change.Snapshot.Docs); !equalStrings(got, []string{"rooms/b", "rooms/c"}) {
		t.Fatalf("docs after refill = %v", got)
	}
	want := []string{"removed rooms/a", "added rooms/c"}
	if got := changeStrings(change.Snapshot.Changes); !equalStrings(got, want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
}

func TestViewLimitToLastKeepsTail(t *testing.T) {
	q := query.NewQuery(rooms).WithLimitToLast(2)
	v := NewView(q, model.NewDocumentKeySet())
	change := applyDocs(v, nil,
		doc("rooms/a", 1, nil),
		doc("rooms/b", 1, nil),
		doc("rooms/c", 1, nil),
	)
	if got := docKeys(change.Snapshot.Docs); !equalStrings(got, []string{"rooms/b", "rooms/c"}) {
		t.Fatalf("docs = %v", got)
	}

	// A document sorting before the first one in the view does not
	// enter it.
	change = applyDocs(v, nil, doc("rooms/0", 1, nil))
	if change.Snapshot != nil {
		t.Fatalf("document before the window raised %v", changeStrings(change.Snapshot.Changes))
	}
}

func TestViewReportsPendingWriteMetadata(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	local := doc("rooms/a", 0, map[string]any{"x": 1}).SetHasLocalMutations()
	change := applyDocs(v, nil, local)
	if !change.Snapshot.HasPendingWrites() {
		t.Fatal("local write not reported as pending")
	}

	// The acknowledged write, still awaiting the watch stream, keeps
	// the document pending and raises nothing.
	committed := doc("rooms/a", 30, map[string]any{"x": 1}).SetHasCommittedMutations()
	if change := applyDocs(v, nil, committed); change.Snapshot != nil {
		t.Fatalf("acknowledgement raised %v", changeStrings(change.Snapshot.Changes))
	}

	// The watch stream confirms it.
	change = applyDocs(v, nil, doc("rooms/a", 30, map[string]any{"x": 1}))
	if got := changeStrings(change.Snapshot.Changes); !equalStrings(got, []string{"metadata rooms/a"}) {
		t.Fatalf("changes = %v", got)
	}
	if change.Snapshot.HasPendingWrites() {
		t.Fatal("confirmed document still pending")
	}
}

func TestViewWaitsForCommittedVersionOfLocalWrite(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	applyDocs(v, nil, doc("rooms/a", 0, map[string]any{"x": 1}).SetHasLocalMutations())

	// The backend applied a transform, so the committed data differs.
	// The view keeps showing the local state until the watch stream
	// reports the final document.
	committed := doc("rooms/a", 30, map[string]any{"x": 2}).SetHasCommittedMutations()
	if change := applyDocs(v, nil, committed); change.Snapshot != nil {
		t.Fatalf("committed document raised %v", changeStrings(change.Snapshot.Changes))
	}
	change := applyDocs(v, nil, doc("rooms/a", 30, map[string]any{"x": 2}))
	if got := changeStrings(change.Snapshot.Changes); !equalStrings(got, []string{"modified rooms/a"}) {
		t.Fatalf("changes = %v", got)
	}
}

func TestViewTracksLimboDocuments(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	applyDocs(v, nil, doc("rooms/a", 1, nil), doc("rooms/b", 1, nil))

	// The backend reports only rooms/a: rooms/b is in limbo.
	change := applyDocs(v, currentChange("rooms/a"))
	if len(change.LimboChanges) != 1 || change.LimboChanges[0].Type != LimboAdded ||
		change.LimboChanges[0].Key.String() != "rooms/b" {
		t.Fatalf("limbo changes = %+v", change.LimboChanges)
	}
	if change.Snapshot != nil {
		t.Fatal("view with a limbo document raised a snapshot")
	}

	change = applyDocs(v, currentChange("rooms/b"))
	if len(change.LimboChanges) != 1 || change.LimboChanges[0].Type != LimboRemoved {
		t.Fatalf("limbo changes = %+v", change.LimboChanges)
	}
	if change.Snapshot == nil || change.Snapshot.FromCache || !change.Snapshot.SyncStateChanged {
		t.Fatalf("view did not become synced: %+v", change.Snapshot)
	}
}

func TestViewDoesNotPutLocalWritesInLimbo(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	applyDocs(v, nil, doc("rooms/a", 0, nil).SetHasLocalMutations())
	change := applyDocs(v, currentChange())
	if len(change.LimboChanges) != 0 {
		t.Fatalf("limbo changes = %+v", change.LimboChanges)
	}
	if v.LimboDocuments().Len() != 0 {
		t.Fatal("locally written document in limbo")
	}
}

func TestViewPendingResetSuppressesLimboAndSync(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	applyDocs(v, nil, doc("rooms/a", 1, nil))
	change := v.ApplyChanges(v.ComputeDocChanges(docMap(), nil), true, currentChange(), true)
	if len(change.LimboChanges) != 0 {
		t.Fatalf("limbo changes during a reset: %+v", change.LimboChanges)
	}
	if change.Snapshot != nil {
		t.Fatal("view raised a synced snapshot while its target is pending a reset")
	}
}

func TestViewGoesFromCacheWhenOffline(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	change := applyDocs(v, currentChange("rooms/a"), doc("rooms/a", 1, nil))
	if change.Snapshot.FromCache {
		t.Fatal("current view reported from cache")
	}

	if change := v.ApplyOnlineStateChange(remote.OnlineUnknown); change.Snapshot != nil {
		t.Fatal("unknown online state changed the view")
	}
	change = v.ApplyOnlineStateChange(remote.Offline)
	if change.Snapshot == nil || !change.Snapshot.FromCache || len(change.Snapshot.Changes) != 0 {
		t.Fatalf("offline snapshot = %+v", change.Snapshot)
	}
	if change := v.ApplyOnlineStateChange(remote.Offline); change.Snapshot != nil {
		t.Fatal("second offline change raised a snapshot")
	}
}

func TestInitialSnapshotListsEveryDocumentAsAdded(t *testing.T) {
	v := NewView(query.NewQuery(rooms), model.NewDocumentKeySet())
	applyDocs(v, nil, doc("rooms/a", 1, nil), doc("rooms/b", 0, nil).SetHasLocalMutations())
	snap := v.InitialSnapshot()
	if got := changeStrings(snap.Changes); !equalStrings(got, []string{"added rooms/a", "added rooms/b"}) {
		t.Fatalf("changes = %v", got)
	}
	if !snap.OldDocs.IsEmpty() || !snap.FromCache || !snap.HasPendingWrites() {
		t.Fatalf("initial snapshot = %+v", snap)
	}
}

func TestDocumentChangeSetFolding(t *testing.T) {
	a1 := doc("rooms/a", 1, map[string]any{"v": 1})
	a2 := doc("rooms/a", 2, map[string]any{"v": 2})
	tests := []struct {
		name  string
		first ChangeType
		then  ChangeType
		want  []string
	}{
		{"added then modified", ChangeAdded, ChangeModified, []string{"added rooms/a"}},
		{"added then removed", ChangeAdded, ChangeRemoved, nil},
		{"modified then removed", ChangeModified, ChangeRemoved, []string{"removed rooms/a"}},
		{"removed then added", ChangeRemoved, ChangeAdded, []string{"modified rooms/a"}},
		{"metadata then modified", ChangeMetadata, ChangeModified, []string{"modified rooms/a"}},
		{"added then metadata", ChangeAdded, ChangeMetadata, []string{"added rooms/a"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			set := NewDocumentChangeSet()
			set.Track(DocumentViewChange{Type: test.first, Doc: a1})
			set.Track(DocumentViewChange{Type: test.then, Doc: a2})
			if got := changeStrings(set.Changes()); !equalStrings(got, test.want) {
				t.Fatalf("changes = %v, want %v", got, test.want)
			}
		})
	}
}

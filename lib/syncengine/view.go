// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// SyncState is whether a view's results are confirmed by the backend.
type SyncState int

const (
	syncNone SyncState = iota

	// SyncLocal means the results come from the cache, or the backend
	// has not confirmed every document in them.
	SyncLocal

	// SyncSynced means the backend reported the target current and no
	// document is in limbo.
	SyncSynced
)

// LimboChangeType says whether a key entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo: a
// document the cache shows in a query's results that the backend has
// not reported as matching.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges, ready to be
// applied with ApplyChanges.
type ViewDocumentChanges struct {
	Documents   model.DocumentSet
	Changes     *DocumentChangeSet
	MutatedKeys model.DocumentKeySet

	// NeedsRefill is set when a limited view lost a document at its
	// boundary, so documents past the limit may now belong in it. The
	// caller re-runs the query and passes this result as previous.
	NeedsRefill bool
}

// ViewChange is the result of applying changes to a view. Snapshot is
// nil when nothing a listener can observe changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View computes the result set of one query and the changes between
// successive snapshots of it. A View is not safe for concurrent use;
// the sync engine only touches it from the async queue.
type View struct {
	query      *query.Query
	comparator model.DocumentComparator

	syncState SyncState

	// current is whether the backend has reported the target current.
	current bool

	documents   model.DocumentSet
	mutatedKeys model.DocumentKeySet

	// syncedDocuments holds the keys the backend reports as matching.
	syncedDocuments model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
}

// NewView returns an empty view of q. remoteDocuments holds the keys
// the backend last reported for the query's target.
func NewView(q *query.Query, remoteDocuments model.DocumentKeySet) *View {
	comparator := q.Comparator()
	return &View{
		query:           q,
		comparator:      comparator,
		documents:       model.NewDocumentSet(comparator),
		mutatedKeys:     model.NewDocumentKeySet(),
		syncedDocuments: remoteDocuments,
		limboDocuments:  model.NewDocumentKeySet(),
	}
}

// Query returns the query this view computes.
func (v *View) Query() *query.Query { return v.query }

// SyncedDocuments returns the keys the backend reports as matching.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// LimboDocuments returns the keys this view currently has in limbo.
func (v *View) LimboDocuments() model.DocumentKeySet { return v.limboDocuments }

// Documents returns the current result set.
func (v *View) Documents() model.DocumentSet { return v.documents }

// ComputeDocChanges diffs the changed documents in docChanges against
// the view without modifying it. When previous is non-nil the diff
// continues from that earlier, not yet applied result; this is how a
// refill pass extends a diff that ran out of documents at the limit.
func (v *View) ComputeDocChanges(docChanges model.DocumentMap, previous *ViewDocumentChanges) ViewDocumentChanges {
	changeSet := NewDocumentChangeSet()
	oldDocuments := v.documents
	newMutatedKeys := v.mutatedKeys
	if previous != nil {
		changeSet = previous.Changes
		oldDocuments = previous.Documents
		newMutatedKeys = previous.MutatedKeys
	}
	newDocuments := oldDocuments
	needsRefill := false

	// A full limited view has a boundary document. Changes that push
	// a document past it, or remove a document, may pull in documents
	// the view never loaded.
	var lastInLimit, firstInLimit *model.MutableDocument
	if v.query.HasLimit() && oldDocuments.Len() == v.query.Limit {
		if v.query.LimitType == query.LimitToFirst {
			lastInLimit, _ = oldDocuments.Last()
		} else {
			firstInLimit, _ = oldDocuments.First()
		}
	}

	for key, entry := range docChanges.All() {
		oldDoc, hadOld := oldDocuments.Get(key)
		var newDoc *model.MutableDocument
		if v.query.Matches(entry) {
			newDoc = entry
		}

		oldHadPendingMutations := hadOld && v.mutatedKeys.Has(key)
		newHasPendingMutations := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		changeApplied := false
		switch {
		case hadOld && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.Track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					changeApplied = true
					if (lastInLimit != nil && v.comparator(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && v.comparator(newDoc, firstInLimit) < 0) {
						needsRefill = true
					}
				}
			} else if oldHadPendingMutations != newHasPendingMutations {
				changeSet.Track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				changeApplied = true
			}
		case !hadOld && newDoc != nil:
			changeSet.Track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			changeApplied = true
		case hadOld && newDoc == nil:
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			changeApplied = true
			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}

		if !changeApplied {
			continue
		}
		if newDoc != nil {
			newDocuments = newDocuments.Add(newDoc)
			if newHasPendingMutations {
				newMutatedKeys = newMutatedKeys.Insert(key)
			} else {
				newMutatedKeys = newMutatedKeys.Remove(key)
			}
		} else {
			newDocuments = newDocuments.Delete(key)
			newMutatedKeys = newMutatedKeys.Remove(key)
		}
	}

	if v.query.HasLimit() {
		for newDocuments.Len() > v.query.Limit {
			var evicted *model.MutableDocument
			if v.query.LimitType == query.LimitToFirst {
				evicted, _ = newDocuments.Last()
			} else {
				evicted, _ = newDocuments.First()
			}
			newDocuments = newDocuments.Delete(evicted.Key())
			newMutatedKeys = newMutatedKeys.Remove(evicted.Key())
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: evicted})
		}
	}

	status.Assert(!needsRefill || previous == nil, "view refill for %s needed another refill", v.query)
	return ViewDocumentChanges{
		Documents:   newDocuments,
		Changes:     changeSet,
		MutatedKeys: newMutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back a modification that only
// replaces the local view of a write with the committed result, so
// the listener sees the backend's version instead of a flicker.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits docChanges to the view and returns the
// snapshot listeners should see. targetChange, when non-nil, updates
// the view's knowledge of the backend result set. targetIsPendingReset
// suppresses limbo tracking and the synced state while the target
// waits for a re-listen after an existence filter mismatch.
func (v *View) ApplyChanges(docChanges ViewDocumentChanges, limboResolutionEnabled bool, targetChange *remote.TargetChange, targetIsPendingReset bool) ViewChange {
	status.Assert(!docChanges.NeedsRefill, "cannot apply changes for %s that need a refill", v.query)
	oldDocuments := v.documents
	v.documents = docChanges.Documents
	v.mutatedKeys = docChanges.MutatedKeys

	changes := docChanges.Changes.Changes()
	slices.SortStableFunc(changes, func(a, b DocumentViewChange) int {
		if c := a.Type.snapshotOrder() - b.Type.snapshotOrder(); c != 0 {
			return c
		}
		return v.comparator(a.Doc, b.Doc)
	})

	v.applyTargetChange(targetChange)

	var limboChanges []LimboDocumentChange
	if limboResolutionEnabled && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limboDocuments.IsEmpty() && v.current && !targetIsPendingReset
	newState := SyncLocal
	if synced {
		newState = SyncSynced
	}
	syncStateChanged := newState != v.syncState
	v.syncState = newState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             docChanges.Documents,
			OldDocs:          oldDocuments,
			Changes:          changes,
			MutatedKeys:      docChanges.MutatedKeys,
			FromCache:        newState == SyncLocal,
			SyncStateChanged: syncStateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange marks the view as no longer current when the
// client goes offline, so listeners see results flagged as from cache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if !v.current || state != remote.Offline {
		return ViewChange{}
	}
	v.current = false
	return v.ApplyChanges(ViewDocumentChanges{
		Documents:   v.documents,
		Changes:     NewDocumentChangeSet(),
		MutatedKeys: v.mutatedKeys,
	}, false, nil, false)
}

// SynchronizeWithPersistedState rebuilds the view from a query result
// read back from the local store.
func (v *View) SynchronizeWithPersistedState(documents model.DocumentMap, remoteKeys model.DocumentKeySet) ViewChange {
	v.syncedDocuments = remoteKeys
	v.limboDocuments = model.NewDocumentKeySet()
	docChanges := v.ComputeDocChanges(documents, nil)
	return v.ApplyChanges(docChanges, true, nil, false)
}

// InitialSnapshot presents the view's current contents as a first
// snapshot.
func (v *View) InitialSnapshot() *ViewSnapshot {
	return initialSnapshot(v.query, v.documents, v.mutatedKeys, v.syncState == SyncLocal, false)
}

func (v *View) applyTargetChange(change *remote.TargetChange) {
	if change == nil {
		return
	}
	for key := range change.AddedDocuments.All() {
		v.syncedDocuments = v.syncedDocuments.Insert(key)
	}
	for key := range change.RemovedDocuments.All() {
		v.syncedDocuments = v.syncedDocuments.Remove(key)
	}
	v.current = change.Current
}

// updateLimboDocuments recomputes the limbo set and returns the keys
// that entered or left it. Limbo is only meaningful once the view is
// current: before that the backend has not finished reporting matches.
func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}
	oldLimbo := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()
	for doc := range v.documents.All() {
		if v.shouldBeInLimbo(doc.Key()) {
			v.limboDocuments = v.limboDocuments.Insert(doc.Key())
		}
	}

	var changes []LimboDocumentChange
	for key := range oldLimbo.All() {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: key})
		}
	}
	for key := range v.limboDocuments.All() {
		if !oldLimbo.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: key})
		}
	}
	return changes
}

func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}
	doc, ok := v.documents.Get(key)
	if !ok {
		return false
	}
	// A document the client is writing is expected to be unknown to
	// the backend's result set until the write lands.
	return !doc.HasLocalMutations()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
	"github.com/bureau-foundation/docsync/lib/status"
)

// ChangeType classifies one document's change between two snapshots.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified

	// ChangeMetadata means only the pending-write state changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// snapshotOrder sorts removals first, then additions, then
// modifications.
func (t ChangeType) snapshotOrder() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// DocumentViewChange is one document's change in a ViewSnapshot. For
// removals Doc is the document as it was last seen.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

func (c DocumentViewChange) String() string {
	return c.Type.String() + " " + c.Doc.Key().String()
}

// DocumentChangeSet folds successive changes to the same document
// into the single change a listener observes.
type DocumentChangeSet struct {
	changes sortedmap.Map[model.DocumentKey, DocumentViewChange]
}

// NewDocumentChangeSet returns an empty change set.
func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: sortedmap.New[model.DocumentKey, DocumentViewChange](model.CompareKeys)}
}

// Track merges change into the set. Combinations that cannot occur
// between two consistent views fail an assertion.
func (s *DocumentChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key()
	old, ok := s.changes.Get(key)
	if !ok {
		s.changes = s.changes.Insert(key, change)
		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes = s.changes.Insert(key, change)
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes = s.changes.Insert(key, DocumentViewChange{Type: old.Type, Doc: change.Doc})
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes = s.changes.Insert(key, DocumentViewChange{Type: ChangeModified, Doc: change.Doc})
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes = s.changes.Insert(key, DocumentViewChange{Type: ChangeAdded, Doc: change.Doc})
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		s.changes = s.changes.Remove(key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes = s.changes.Insert(key, DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc})
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes = s.changes.Insert(key, DocumentViewChange{Type: ChangeModified, Doc: change.Doc})
	default:
		status.Fail("unsupported change %s after %s for %s", change.Type, old.Type, key)
	}
}

// Len is the number of tracked documents.
func (s *DocumentChangeSet) Len() int { return s.changes.Len() }

// Changes returns the tracked changes in key order.
func (s *DocumentChangeSet) Changes() []DocumentViewChange {
	changes := make([]DocumentViewChange, 0, s.changes.Len())
	for _, change := range s.changes.All() {
		changes = append(changes, change)
	}
	return changes
}

// ViewSnapshot is the state of one query's results delivered to
// listeners, with the changes since the previous snapshot.
type ViewSnapshot struct {
	Query   *query.Query
	Docs    model.DocumentSet
	OldDocs model.DocumentSet
	Changes []DocumentViewChange

	// MutatedKeys holds the documents in Docs with pending writes.
	MutatedKeys model.DocumentKeySet

	// FromCache is true until the backend has confirmed the result
	// set is current.
	FromCache bool

	SyncStateChanged        bool
	ExcludesMetadataChanges bool

	// HasCachedResults is true when the view was built from a target
	// the backend has served before.
	HasCachedResults bool
}

// HasPendingWrites reports whether any document in the snapshot has
// local writes not yet acknowledged.
func (s *ViewSnapshot) HasPendingWrites() bool { return !s.MutatedKeys.IsEmpty() }

// initialSnapshot presents docs as a first snapshot: every document is
// an addition against an empty previous result.
func initialSnapshot(q *query.Query, docs model.DocumentSet, mutatedKeys model.DocumentKeySet, fromCache, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for doc := range docs.All() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: doc})
	}
	return &ViewSnapshot{
		Query:            q,
		Docs:             docs,
		OldDocs:          model.NewDocumentSet(q.Comparator()),
		Changes:          changes,
		MutatedKeys:      mutatedKeys,
		FromCache:        fromCache,
		SyncStateChanged: true,
		HasCachedResults: hasCachedResults,
	}
}

// withoutMetadataChanges drops metadata-only changes.
func (s *ViewSnapshot) withoutMetadataChanges() *ViewSnapshot {
	filtered := *s
	filtered.Changes = nil
	for _, change := range s.Changes {
		if change.Type != ChangeMetadata {
			filtered.Changes = append(filtered.Changes, change)
		}
	}
	filtered.ExcludesMetadataChanges = true
	return &filtered
}

// Equal compares two snapshots by query, documents, changes, and
// metadata.
func (s *ViewSnapshot) Equal(other *ViewSnapshot) bool {
	if s.FromCache != other.FromCache ||
		s.HasCachedResults != other.HasCachedResults ||
		s.SyncStateChanged != other.SyncStateChanged ||
		!s.MutatedKeys.Equal(other.MutatedKeys) ||
		s.Query.CanonicalID() != other.Query.CanonicalID() ||
		!s.Docs.Equal(other.Docs) ||
		!s.OldDocs.Equal(other.OldDocs) ||
		len(s.Changes) != len(other.Changes) {
		return false
	}
	for i := range s.Changes {
		if s.Changes[i].Type != other.Changes[i].Type || !s.Changes[i].Doc.Equal(other.Changes[i].Doc) {
			return false
		}
	}
	return true
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/persistence"
)

// TargetChange is what changed about one target between two
// consistent snapshots.
type TargetChange struct {
	// ResumeToken resumes the listen from this snapshot. Empty when
	// the backend sent none.
	ResumeToken []byte

	// Current is true once the target has caught up with the backend
	// as of the snapshot version.
	Current bool

	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

// NewTargetChange returns a change with empty key sets.
func NewTargetChange(resumeToken []byte, current bool) TargetChange {
	return TargetChange{
		ResumeToken:       resumeToken,
		Current:           current,
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// ChangeCount is the number of documents added, modified, or removed.
func (c TargetChange) ChangeCount() int {
	return c.AddedDocuments.Len() + c.ModifiedDocuments.Len() + c.RemovedDocuments.Len()
}

// RemoteEvent is one consistent snapshot of the watch stream: the
// per-target changes, the new state of every changed document, and
// the targets whose existence filters disagreed with the cache.
type RemoteEvent struct {
	// SnapshotVersion is the version every change is consistent at.
	SnapshotVersion model.SnapshotVersion

	TargetChanges map[int]TargetChange

	// TargetMismatches holds targets whose cached state must be
	// discarded and re-listened, with the purpose of the re-listen.
	TargetMismatches map[int]persistence.Purpose

	// DocumentUpdates holds the new state of each changed document.
	// Deleted documents are missing documents.
	DocumentUpdates model.DocumentMap

	// ResolvedLimboDocuments are updated keys that only limbo
	// resolution targets reference.
	ResolvedLimboDocuments model.DocumentKeySet
}

// SynthesizedCurrentChange builds the event for a target that became
// current without a snapshot from the watch stream, as happens when a
// cached target is known to be complete.
func SynthesizedCurrentChange(targetID int, current bool, resumeToken []byte) RemoteEvent {
	return RemoteEvent{
		SnapshotVersion:        model.MinVersion,
		TargetChanges:          map[int]TargetChange{targetID: NewTargetChange(resumeToken, current)},
		TargetMismatches:       map[int]persistence.Purpose{},
		DocumentUpdates:        model.NewDocumentMap(),
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}

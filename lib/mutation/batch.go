// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
	"github.com/bureau-foundation/docsync/lib/status"
)

// UnknownBatchID marks the absence of a batch.
const UnknownBatchID = -1

// Batch is a group of mutations written atomically. Batches are applied
// to a document in BatchID order.
type Batch struct {
	BatchID        int
	LocalWriteTime model.Timestamp
	// BaseMutations record the values non-idempotent transforms built on
	// at write time. They are applied before Mutations in local views
	// and are never sent to the backend.
	BaseMutations []Mutation
	Mutations     []Mutation
}

// Keys returns the keys written by the batch.
func (b *Batch) Keys() model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys = keys.Insert(m.Key())
	}
	return keys
}

// ApplyToRemoteDocument applies the acknowledged batch to doc.
func (b *Batch) ApplyToRemoteDocument(doc *model.MutableDocument, result *BatchResult) {
	status.Assert(len(result.MutationResults) == len(b.Mutations),
		"batch %d: %d results for %d mutations", b.BatchID, len(result.MutationResults), len(b.Mutations))
	for i, m := range b.Mutations {
		if m.Key().Equal(doc.Key()) {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// ApplyToLocalView applies the batch's mutations for doc as pending
// writes. See Mutation.ApplyToLocalView for the mask semantics.
func (b *Batch) ApplyToLocalView(doc *model.MutableDocument, mask *model.FieldMask) *model.FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key().Equal(doc.Key()) {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key().Equal(doc.Key()) {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// OverlayedDocument is a document with pending writes applied and the
// set of fields those writes touched. A nil MutatedFields means the
// whole document was replaced or deleted.
type OverlayedDocument struct {
	Document      *model.MutableDocument
	MutatedFields *model.FieldMask
}

// ApplyToLocalDocumentSet applies the batch to every affected document in
// docs and returns the overlay mutation for each key the batch touched.
// Documents that become invalid are converted to missing documents.
func (b *Batch) ApplyToLocalDocumentSet(docs OverlayedDocumentMap) MutationMap {
	overlays := NewMutationMap()
	for key := range b.Keys().All() {
		overlayed, ok := docs.Get(key)
		if !ok {
			continue
		}
		mask := b.ApplyToLocalView(overlayed.Document, overlayed.MutatedFields)
		overlayed.MutatedFields = mask
		if overlay := CalculateOverlayMutation(overlayed.Document, mask); overlay != nil {
			overlays = overlays.Insert(key, overlay)
		}
		if !overlayed.Document.IsValidDocument() {
			overlayed.Document.ConvertToNoDocument(model.MinVersion)
		}
	}
	return overlays
}

// OverlayedDocumentMap is an ordered map from key to overlayed document.
type OverlayedDocumentMap = sortedmap.Map[model.DocumentKey, *OverlayedDocument]

// NewOverlayedDocumentMap returns an empty OverlayedDocumentMap.
func NewOverlayedDocumentMap() OverlayedDocumentMap {
	return sortedmap.New[model.DocumentKey, *OverlayedDocument](model.CompareKeys)
}

// MutationMap is an ordered map from key to mutation.
type MutationMap = sortedmap.Map[model.DocumentKey, Mutation]

// NewMutationMap returns an empty MutationMap.
func NewMutationMap() MutationMap {
	return sortedmap.New[model.DocumentKey, Mutation](model.CompareKeys)
}

// Equal compares batch ids, write times, and mutations.
func (b *Batch) Equal(other *Batch) bool {
	if b.BatchID != other.BatchID || b.LocalWriteTime != other.LocalWriteTime ||
		len(b.Mutations) != len(other.Mutations) || len(b.BaseMutations) != len(other.BaseMutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}
	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(other.BaseMutations[i]) {
			return false
		}
	}
	return true
}

// VersionMap maps document keys to the versions a commit produced.
type VersionMap = sortedmap.Map[model.DocumentKey, model.SnapshotVersion]

// BatchResult is the server's acknowledgment of a whole batch.
type BatchResult struct {
	Batch           *Batch
	CommitVersion   model.SnapshotVersion
	MutationResults []Result
	StreamToken     []byte
	// DocVersions holds the post-commit version of each written key.
	DocVersions VersionMap
}

// NewBatchResult pairs a batch with its results.
func NewBatchResult(batch *Batch, commitVersion model.SnapshotVersion, results []Result, streamToken []byte) (*BatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, status.Errorf(status.Internal,
			"batch %d: %d results for %d mutations", batch.BatchID, len(results), len(batch.Mutations))
	}
	versions := sortedmap.New[model.DocumentKey, model.SnapshotVersion](model.CompareKeys)
	for i, m := range batch.Mutations {
		versions = versions.Insert(m.Key(), results[i].Version)
	}
	return &BatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

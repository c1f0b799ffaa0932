// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/query"
)

// MutationQueue holds one user's unacknowledged mutation batches in
// batch-id order.
type MutationQueue interface {
	// IsEmpty reports whether the queue holds no batches.
	IsEmpty(txn *Transaction) (bool, error)

	// AddMutationBatch appends a batch with the next batch id.
	AddMutationBatch(txn *Transaction, localWriteTime model.Timestamp, baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error)

	// LookupMutationBatch returns the batch with batchID, or nil.
	LookupMutationBatch(txn *Transaction, batchID int) (*mutation.Batch, error)

	// NextMutationBatchAfter returns the first batch with an id
	// greater than batchID, or nil.
	NextMutationBatchAfter(txn *Transaction, batchID int) (*mutation.Batch, error)

	// HighestUnacknowledgedBatchID returns the id of the newest
	// batch, or mutation.UnknownBatchID when empty.
	HighestUnacknowledgedBatchID(txn *Transaction) (int, error)

	AllMutationBatches(txn *Transaction) ([]*mutation.Batch, error)
	AllMutationBatchesAffectingKey(txn *Transaction, key model.DocumentKey) ([]*mutation.Batch, error)
	AllMutationBatchesAffectingKeys(txn *Transaction, keys model.DocumentKeySet) ([]*mutation.Batch, error)
	AllMutationBatchesAffectingQuery(txn *Transaction, q *query.Query) ([]*mutation.Batch, error)

	// RemoveMutationBatch removes batch, which must be the oldest.
	RemoveMutationBatch(txn *Transaction, batch *mutation.Batch) error

	// AcknowledgeBatch records that batch was accepted and stores the
	// write stream's token.
	AcknowledgeBatch(txn *Transaction, batch *mutation.Batch, streamToken []byte) error

	LastStreamToken(txn *Transaction) ([]byte, error)
	SetLastStreamToken(txn *Transaction, token []byte) error

	// ContainsKey reports whether any batch touches key.
	ContainsKey(txn *Transaction, key model.DocumentKey) (bool, error)

	// PerformConsistencyCheck verifies that an empty queue holds no
	// key references.
	PerformConsistencyCheck(txn *Transaction) error
}

// DocumentOverlayCache holds one user's overlays.
type DocumentOverlayCache interface {
	// Overlay returns the overlay for key, or nil.
	Overlay(txn *Transaction, key model.DocumentKey) (*mutation.Overlay, error)

	// Overlays returns the overlays that exist for keys.
	Overlays(txn *Transaction, keys []model.DocumentKey) (mutation.OverlayMap, error)

	// SaveOverlays stores each mutation as the overlay of its key,
	// computed from batches up to largestBatchID.
	SaveOverlays(txn *Transaction, largestBatchID int, overlays mutation.MutationMap) error

	// RemoveOverlaysForBatchID removes the overlays of keys that were
	// last computed from batchID.
	RemoveOverlaysForBatchID(txn *Transaction, keys model.DocumentKeySet, batchID int) error

	// OverlaysForCollection returns overlays for documents directly in
	// collection whose largest batch id is greater than sinceBatchID.
	OverlaysForCollection(txn *Transaction, collection model.ResourcePath, sinceBatchID int) (mutation.OverlayMap, error)

	// OverlaysForCollectionGroup returns overlays for documents in
	// collectionGroup with a largest batch id greater than
	// sinceBatchID. Overlays are returned whole batches at a time,
	// stopping once at least count have been collected.
	OverlaysForCollectionGroup(txn *Transaction, collectionGroup string, sinceBatchID, count int) (mutation.OverlayMap, error)
}

// RemoteDocumentCache holds the last known server state of documents.
// Entries may be missing documents (deletes) or unknown documents
// (committed writes whose resulting document was never read).
type RemoteDocumentCache interface {
	// SetIndexManager gives the cache the index manager to update as
	// documents change.
	SetIndexManager(indexManager IndexManager)

	// Add stores doc, observed at readTime.
	Add(txn *Transaction, doc *model.MutableDocument, readTime model.SnapshotVersion) error

	// Remove drops the entry for key.
	Remove(txn *Transaction, key model.DocumentKey) error

	// Entry returns a copy of the entry for key, or an invalid
	// document when none is cached.
	Entry(txn *Transaction, key model.DocumentKey) (*model.MutableDocument, error)

	// Entries returns an entry for every key, invalid documents
	// included.
	Entries(txn *Transaction, keys model.DocumentKeySet) (model.DocumentMap, error)

	// DocumentsMatchingQuery returns the found documents in the
	// query's collection that were read after sinceReadTime and match
	// the query, plus every document in mutatedKeys regardless of its
	// contents so that overlays can be applied to it.
	DocumentsMatchingQuery(txn *Transaction, q *query.Query, sinceReadTime model.SnapshotVersion, mutatedKeys model.DocumentKeySet) (model.DocumentMap, error)

	// CollectionSize returns the number of cached entries directly in
	// collection.
	CollectionSize(txn *Transaction, collection model.ResourcePath) (int, error)

	// Size returns the approximate encoded size of the cache.
	Size(txn *Transaction) (int64, error)

	// ForEachDocumentKey calls fn for every cached key in order.
	ForEachDocumentKey(txn *Transaction, fn func(model.DocumentKey) error) error
}

// TargetCache holds listen targets and the documents each matches.
type TargetCache interface {
	// TargetData returns the cached data for target, or nil.
	TargetData(txn *Transaction, target *query.Target) (*TargetData, error)

	// TargetDataForID returns the cached data for targetID, or nil.
	TargetDataForID(txn *Transaction, targetID int) (*TargetData, error)

	AddTargetData(txn *Transaction, data TargetData) error
	UpdateTargetData(txn *Transaction, data TargetData) error
	RemoveTargetData(txn *Transaction, data TargetData) error

	// RemoveTargets removes every target whose sequence number is at
	// most upperBound and whose id is not in active, returning the
	// number removed. Documents only those targets matched are marked
	// potentially orphaned.
	RemoveTargets(txn *Transaction, upperBound SequenceNumber, active map[int]bool) (int, error)

	ForEachTarget(txn *Transaction, fn func(TargetData) error) error
	TargetCount(txn *Transaction) (int, error)

	// AllocateTargetID returns the next unused even target id.
	AllocateTargetID(txn *Transaction) (int, error)

	HighestTargetID(txn *Transaction) (int, error)
	HighestSequenceNumber(txn *Transaction) (SequenceNumber, error)
	LastRemoteSnapshotVersion(txn *Transaction) (model.SnapshotVersion, error)

	// SetTargetsMetadata updates the highest sequence number and the
	// last remote snapshot version.
	SetTargetsMetadata(txn *Transaction, highestSequenceNumber SequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error

	AddMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID int) error
	RemoveMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID int) error
	RemoveMatchingKeysForTargetID(txn *Transaction, targetID int) error
	MatchingKeysForTargetID(txn *Transaction, targetID int) (model.DocumentKeySet, error)

	// ContainsKey reports whether any target matches key.
	ContainsKey(txn *Transaction, key model.DocumentKey) (bool, error)
}

// BundleMetadata describes a loaded bundle.
type BundleMetadata struct {
	ID             string          `json:"id"`
	CreateTime     model.Timestamp `json:"createTime"`
	Version        int             `json:"version"`
	TotalDocuments int             `json:"totalDocuments"`
	TotalBytes     int64           `json:"totalBytes"`
}

// NamedQuery is a query saved by a bundle under a name, along with the
// read time of the bundled results.
type NamedQuery struct {
	Name      string             `json:"name"`
	Query     query.TargetRecord `json:"query"`
	LimitType query.LimitType    `json:"limitType,omitempty"`
	ReadTime  model.Timestamp    `json:"readTime"`
}

// BundleCache holds metadata of loaded bundles and their named queries.
type BundleCache interface {
	// BundleMetadata returns the metadata for id, or nil.
	BundleMetadata(txn *Transaction, id string) (*BundleMetadata, error)
	SaveBundleMetadata(txn *Transaction, metadata BundleMetadata) error

	// NamedQuery returns the query saved under name, or nil.
	NamedQuery(txn *Transaction, name string) (*NamedQuery, error)
	SaveNamedQuery(txn *Transaction, namedQuery NamedQuery) error
}

// Globals holds values that are not scoped to a user or target.
type Globals interface {
	SessionToken(txn *Transaction) ([]byte, error)
	SetSessionToken(txn *Transaction, token []byte) error
}

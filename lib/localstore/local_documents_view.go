// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"cmp"
	"math"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// IndexOffset bounds an incremental read: only remote documents read
// after ReadTime and overlays built from batches after LargestBatchID
// are considered.
type IndexOffset struct {
	ReadTime       model.SnapshotVersion
	LargestBatchID int
}

// MinOffset considers every document and overlay.
var MinOffset = IndexOffset{ReadTime: model.MinVersion, LargestBatchID: mutation.UnknownBatchID}

// QueryContext accumulates statistics about one query execution.
type QueryContext struct {
	// DocumentReadCount is the number of cached documents the
	// execution looked at.
	DocumentReadCount int
}

// LocalDocumentsView reads documents from the remote document cache
// with the current user's overlays applied.
type LocalDocumentsView struct {
	remoteDocuments persistence.RemoteDocumentCache
	mutationQueue   persistence.MutationQueue
	overlays        persistence.DocumentOverlayCache
	indexManager    persistence.IndexManager
}

// NewLocalDocumentsView returns a view over the given caches.
func NewLocalDocumentsView(remoteDocuments persistence.RemoteDocumentCache, mutationQueue persistence.MutationQueue, overlays persistence.DocumentOverlayCache, indexManager persistence.IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocuments: remoteDocuments,
		mutationQueue:   mutationQueue,
		overlays:        overlays,
		indexManager:    indexManager,
	}
}

// Document returns the local view of key: an invalid document when
// neither the cache nor a pending write knows it.
func (v *LocalDocumentsView) Document(txn *persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	overlay, err := v.overlays.Overlay(txn, key)
	if err != nil {
		return nil, err
	}
	doc, err := v.remoteDocuments.Entry(txn, key)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		applyOverlay(doc, *overlay)
	}
	return doc, nil
}

// Documents returns the local view of every key. Keys unknown to both
// the cache and the overlays map to invalid documents.
func (v *LocalDocumentsView) Documents(txn *persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.remoteDocuments.Entries(txn, keys)
	if err != nil {
		return model.DocumentMap{}, err
	}
	return v.LocalViewOfDocuments(txn, docs, model.NewDocumentKeySet())
}

// LocalViewOfDocuments applies overlays to docs, which the caller has
// just read from the remote document cache. Keys in
// existenceStateChanged had their remote document created or deleted;
// their overlays are recomputed, since a patch's precondition may now
// hold or fail.
func (v *LocalDocumentsView) LocalViewOfDocuments(txn *persistence.Transaction, docs model.DocumentMap, existenceStateChanged model.DocumentKeySet) (model.DocumentMap, error) {
	overlays, err := v.overlaysFor(txn, docs)
	if err != nil {
		return model.DocumentMap{}, err
	}
	overlayed, err := v.computeViews(txn, docs, overlays, existenceStateChanged)
	if err != nil {
		return model.DocumentMap{}, err
	}
	result := model.NewDocumentMap()
	for key, entry := range overlayed.All() {
		result = result.Insert(key, entry.Document)
	}
	return result, nil
}

// OverlayedDocuments is LocalViewOfDocuments keeping the set of
// fields each overlay touched. The local write path needs the masks
// to fold a new batch into existing overlays.
func (v *LocalDocumentsView) OverlayedDocuments(txn *persistence.Transaction, docs model.DocumentMap) (mutation.OverlayedDocumentMap, error) {
	overlays, err := v.overlaysFor(txn, docs)
	if err != nil {
		return mutation.OverlayedDocumentMap{}, err
	}
	return v.computeViews(txn, docs, overlays, model.NewDocumentKeySet())
}

func (v *LocalDocumentsView) overlaysFor(txn *persistence.Transaction, docs model.DocumentMap) (mutation.OverlayMap, error) {
	keys := make([]model.DocumentKey, 0, docs.Len())
	for key := range docs.Keys() {
		keys = append(keys, key)
	}
	return v.overlays.Overlays(txn, keys)
}

func (v *LocalDocumentsView) computeViews(txn *persistence.Transaction, docs model.DocumentMap, overlays mutation.OverlayMap, existenceStateChanged model.DocumentKeySet) (mutation.OverlayedDocumentMap, error) {
	results := mutation.NewOverlayedDocumentMap()
	recalculate := model.NewDocumentMap()
	for key, doc := range docs.All() {
		overlay, hasOverlay := overlays.Get(key)
		if existenceStateChanged.Has(key) && (!hasOverlay || overlay.Mutation.Type() == mutation.TypePatch) {
			recalculate = recalculate.Insert(key, doc)
			continue
		}
		// An empty mask means no pending write touched the document;
		// nil means one replaced it whole.
		empty := model.NewFieldMask()
		mask := &empty
		if hasOverlay {
			mask = applyOverlay(doc, overlay)
		}
		results = results.Insert(key, &mutation.OverlayedDocument{Document: doc, MutatedFields: mask})
	}

	masks, err := v.recalculateAndSaveOverlays(txn, recalculate)
	if err != nil {
		return mutation.OverlayedDocumentMap{}, err
	}
	for key, doc := range recalculate.All() {
		mask, ok := masks[key.String()]
		if !ok {
			empty := model.NewFieldMask()
			mask = &empty
		}
		results = results.Insert(key, &mutation.OverlayedDocument{Document: doc, MutatedFields: mask})
	}
	return results, nil
}

// RecalculateAndSaveOverlaysForKeys rebuilds the overlays of keys from
// the remote documents and every batch that touches them.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForKeys(txn *persistence.Transaction, keys model.DocumentKeySet) error {
	docs, err := v.remoteDocuments.Entries(txn, keys)
	if err != nil {
		return err
	}
	_, err = v.recalculateAndSaveOverlays(txn, docs)
	return err
}

// recalculateAndSaveOverlays replays every batch affecting docs onto
// them in batch order, then saves one overlay per document under the
// largest batch that touched it. docs are modified in place. It
// returns the mutated field mask of each document by key string.
func (v *LocalDocumentsView) recalculateAndSaveOverlays(txn *persistence.Transaction, docs model.DocumentMap) (map[string]*model.FieldMask, error) {
	masks := make(map[string]*model.FieldMask)
	if docs.IsEmpty() {
		return masks, nil
	}
	keys := model.NewDocumentKeySet()
	for key := range docs.Keys() {
		keys = keys.Insert(key)
	}
	batches, err := v.mutationQueue.AllMutationBatchesAffectingKeys(txn, keys)
	if err != nil {
		return nil, err
	}

	keysByBatch := sortedmap.New[int, []model.DocumentKey](cmp.Compare[int])
	for _, batch := range batches {
		for key := range batch.Keys().All() {
			doc, ok := docs.Get(key)
			if !ok {
				continue
			}
			mask, seen := masks[key.String()]
			if !seen {
				empty := model.NewFieldMask()
				mask = &empty
			}
			masks[key.String()] = batch.ApplyToLocalView(doc, mask)
			batchKeys, _ := keysByBatch.Get(batch.BatchID)
			keysByBatch = keysByBatch.Insert(batch.BatchID, append(batchKeys, key))
		}
	}

	// Newest batch first: each key's overlay belongs to the largest
	// batch that touched it.
	processed := make(map[string]bool)
	for batchID, batchKeys := range keysByBatch.Backward() {
		overlays := mutation.NewMutationMap()
		for _, key := range batchKeys {
			if processed[key.String()] {
				continue
			}
			processed[key.String()] = true
			doc, _ := docs.Get(key)
			if overlay := mutation.CalculateOverlayMutation(doc, masks[key.String()]); overlay != nil {
				overlays = overlays.Insert(key, overlay)
				continue
			}
			// The batches no longer change the document, for example a
			// patch whose document was deleted remotely.
			if err := v.removeOverlay(txn, key); err != nil {
				return nil, err
			}
		}
		if err := v.overlays.SaveOverlays(txn, batchID, overlays); err != nil {
			return nil, err
		}
	}
	return masks, nil
}

func (v *LocalDocumentsView) removeOverlay(txn *persistence.Transaction, key model.DocumentKey) error {
	existing, err := v.overlays.Overlay(txn, key)
	if err != nil || existing == nil {
		return err
	}
	return v.overlays.RemoveOverlaysForBatchID(txn, model.NewDocumentKeySet(key), existing.LargestBatchID)
}

// DocumentsMatchingQuery returns the local view of every document
// matching q, reading only remote documents and overlays past offset.
// Overlays are what make a document match locally, so offset must
// cover every overlay whose document could match unless the caller
// merges those separately.
func (v *LocalDocumentsView) DocumentsMatchingQuery(txn *persistence.Transaction, q *query.Query, offset IndexOffset, qctx *QueryContext) (model.DocumentMap, error) {
	switch {
	case q.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(txn, q.Path)
	case q.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(txn, q, offset, qctx)
	default:
		return v.documentsMatchingCollectionQuery(txn, q, offset, qctx)
	}
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(txn *persistence.Transaction, path model.ResourcePath) (model.DocumentMap, error) {
	result := model.NewDocumentMap()
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return result, err
	}
	doc, err := v.Document(txn, key)
	if err != nil {
		return result, err
	}
	if doc.IsFoundDocument() {
		result = result.Insert(key, doc)
	}
	return result, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(txn *persistence.Transaction, q *query.Query, offset IndexOffset, qctx *QueryContext) (model.DocumentMap, error) {
	result := model.NewDocumentMap()
	parents, err := v.indexManager.CollectionParents(txn, q.CollectionGroup)
	if err != nil {
		return result, err
	}
	for _, parent := range parents {
		if !q.Path.IsPrefixOf(parent) {
			continue
		}
		collectionQuery := q.AsCollectionQueryAtPath(parent.Child(q.CollectionGroup))
		docs, err := v.documentsMatchingCollectionQuery(txn, collectionQuery, offset, qctx)
		if err != nil {
			return result, err
		}
		for key, doc := range docs.All() {
			result = result.Insert(key, doc)
		}
	}
	return result, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(txn *persistence.Transaction, q *query.Query, offset IndexOffset, qctx *QueryContext) (model.DocumentMap, error) {
	result := model.NewDocumentMap()
	overlays, err := v.overlays.OverlaysForCollection(txn, q.Path, offset.LargestBatchID)
	if err != nil {
		return result, err
	}
	mutated := model.NewDocumentKeySet()
	for key := range overlays.Keys() {
		mutated = mutated.Insert(key)
	}
	remoteDocs, err := v.remoteDocuments.DocumentsMatchingQuery(txn, q, offset.ReadTime, mutated)
	if err != nil {
		return result, err
	}
	if qctx != nil {
		scanned, err := v.remoteDocuments.CollectionSize(txn, q.Path)
		if err != nil {
			return result, err
		}
		qctx.DocumentReadCount += scanned
	}

	// A pending set can create a document the cache has never seen.
	for key := range overlays.Keys() {
		if !remoteDocs.Contains(key) {
			remoteDocs = remoteDocs.Insert(key, model.NewInvalidDocument(key))
		}
	}
	for key, doc := range remoteDocs.All() {
		if overlay, ok := overlays.Get(key); ok {
			applyOverlay(doc, overlay)
		}
		if q.Matches(doc) {
			result = result.Insert(key, doc)
		}
	}
	return result, nil
}

// PendingDocumentsMatchingQuery returns the local view of documents
// with overlays that match q, whatever their remote state.
func (v *LocalDocumentsView) PendingDocumentsMatchingQuery(txn *persistence.Transaction, q *query.Query) (model.DocumentMap, error) {
	result := model.NewDocumentMap()
	var (
		overlays mutation.OverlayMap
		err      error
	)
	if q.IsCollectionGroupQuery() {
		overlays, err = v.overlays.OverlaysForCollectionGroup(txn, q.CollectionGroup, mutation.UnknownBatchID, math.MaxInt)
	} else if !q.IsDocumentQuery() {
		overlays, err = v.overlays.OverlaysForCollection(txn, q.Path, mutation.UnknownBatchID)
	} else {
		return v.documentsMatchingDocumentQuery(txn, q.Path)
	}
	if err != nil {
		return result, err
	}
	keys := model.NewDocumentKeySet()
	for key := range overlays.Keys() {
		keys = keys.Insert(key)
	}
	docs, err := v.remoteDocuments.Entries(txn, keys)
	if err != nil {
		return result, err
	}
	for key, doc := range docs.All() {
		if overlay, ok := overlays.Get(key); ok {
			applyOverlay(doc, overlay)
		}
		if q.Matches(doc) {
			result = result.Insert(key, doc)
		}
	}
	return result, nil
}

// applyOverlay applies overlay to doc and returns the fields it
// touched, nil meaning the whole document.
func applyOverlay(doc *model.MutableDocument, overlay mutation.Overlay) *model.FieldMask {
	empty := model.NewFieldMask()
	return overlay.Mutation.ApplyToLocalView(doc, &empty, model.Timestamp{})
}

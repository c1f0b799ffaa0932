// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"log/slog"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
)

// IndexAutoCreationConfig controls when the query engine adds a field
// index for a query it had to answer by scanning.
type IndexAutoCreationConfig struct {
	Enabled bool `yaml:"enabled"`

	// MinCollectionSize is the number of documents a scan must read
	// before an index is considered.
	MinCollectionSize int `yaml:"min_collection_size"`

	// RelativeIndexReadCost is how many times more an index lookup
	// costs per result than a scan costs per document read.
	RelativeIndexReadCost float64 `yaml:"relative_index_read_cost"`
}

// DefaultIndexAutoCreation returns auto-creation disabled with the
// standard thresholds.
func DefaultIndexAutoCreation() IndexAutoCreationConfig {
	return IndexAutoCreationConfig{
		MinCollectionSize:     100,
		RelativeIndexReadCost: 2,
	}
}

// QueryEngine answers queries against the local documents view.
type QueryEngine struct {
	localDocuments *LocalDocumentsView
	indexManager   persistence.IndexManager
	autoCreation   IndexAutoCreationConfig
	logger         *slog.Logger
}

// NewQueryEngine returns a query engine. It must be initialized with
// the local documents view before use.
func NewQueryEngine(autoCreation IndexAutoCreationConfig, logger *slog.Logger) *QueryEngine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &QueryEngine{autoCreation: autoCreation, logger: logger}
}

// Initialize points the engine at the current user's documents. It is
// called again whenever the user changes.
func (e *QueryEngine) Initialize(localDocuments *LocalDocumentsView, indexManager persistence.IndexManager) {
	e.localDocuments = localDocuments
	e.indexManager = indexManager
}

// SetIndexAutoCreationEnabled turns index auto-creation on or off.
func (e *QueryEngine) SetIndexAutoCreationEnabled(enabled bool) {
	e.autoCreation.Enabled = enabled
}

// DocumentsMatchingQuery returns every document matching q in the
// local view. Limits are not applied; the caller's view trims the
// result. remoteKeys and lastLimboFreeSnapshotVersion describe the
// query's target as of its last limbo-free snapshot and enable
// previous-result replay.
func (e *QueryEngine) DocumentsMatchingQuery(txn *persistence.Transaction, q *query.Query, lastLimboFreeSnapshotVersion model.SnapshotVersion, remoteKeys model.DocumentKeySet) (model.DocumentMap, error) {
	if result, ok, err := e.queryUsingIndex(txn, q); err != nil || ok {
		return result, err
	}
	if result, ok, err := e.queryUsingRemoteKeys(txn, q, remoteKeys, lastLimboFreeSnapshotVersion); err != nil || ok {
		return result, err
	}

	qctx := &QueryContext{}
	result, err := e.localDocuments.DocumentsMatchingQuery(txn, q, MinOffset, qctx)
	if err != nil {
		return result, err
	}
	if e.autoCreation.Enabled {
		if err := e.maybeCreateIndex(txn, q, qctx, result.Len()); err != nil {
			return result, err
		}
	}
	return result, nil
}

// maybeCreateIndex adds an index for q when the scan read enough
// documents that an index lookup would have been cheaper.
func (e *QueryEngine) maybeCreateIndex(txn *persistence.Transaction, q *query.Query, qctx *QueryContext, resultSize int) error {
	if qctx.DocumentReadCount < e.autoCreation.MinCollectionSize {
		return nil
	}
	if float64(qctx.DocumentReadCount) <= e.autoCreation.RelativeIndexReadCost*float64(resultSize) {
		return nil
	}
	target := q.Target()
	if len(target.FieldFilters()) == 0 {
		return nil
	}
	e.logger.Debug("creating index for scanned query",
		"query", q.CanonicalID(),
		"documents_read", qctx.DocumentReadCount,
		"results", resultSize,
	)
	return e.indexManager.CreateTargetIndexes(txn, target)
}

// queryUsingIndex narrows the candidates with the field indexes. The
// index only constrains the remote documents, so documents with
// pending writes are merged in separately.
func (e *QueryEngine) queryUsingIndex(txn *persistence.Transaction, q *query.Query) (model.DocumentMap, bool, error) {
	if q.MatchesAllDocuments() || q.IsDocumentQuery() {
		return model.DocumentMap{}, false, nil
	}
	target := q.Target()
	indexType, err := e.indexManager.IndexType(txn, target)
	if err != nil || indexType == persistence.IndexTypeNone {
		return model.DocumentMap{}, false, err
	}
	keys, ok, err := e.indexManager.DocumentsMatchingTarget(txn, target)
	if err != nil || !ok {
		return model.DocumentMap{}, false, err
	}
	docs, err := e.localDocuments.Documents(txn, model.NewDocumentKeySet(keys...))
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	result := matching(q, docs)
	pending, err := e.localDocuments.PendingDocumentsMatchingQuery(txn, q)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	for key, doc := range pending.All() {
		result = result.Insert(key, doc)
	}
	e.logger.Debug("query answered from index",
		"query", q.CanonicalID(),
		"index_type", indexType.String(),
		"candidates", len(keys),
	)
	return result, true, nil
}

// queryUsingRemoteKeys replays the target's previous result: the
// documents it matched at its last limbo-free snapshot, plus every
// document changed since.
func (e *QueryEngine) queryUsingRemoteKeys(txn *persistence.Transaction, q *query.Query, remoteKeys model.DocumentKeySet, lastLimboFreeSnapshotVersion model.SnapshotVersion) (model.DocumentMap, bool, error) {
	// A full scan reads the same documents.
	if q.MatchesAllDocuments() {
		return model.DocumentMap{}, false, nil
	}
	if lastLimboFreeSnapshotVersion.IsMin() {
		return model.DocumentMap{}, false, nil
	}
	docs, err := e.localDocuments.Documents(txn, remoteKeys)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	previous := sortedMatching(q, docs)
	if q.HasLimit() && needsRefill(q, previous, remoteKeys, lastLimboFreeSnapshotVersion) {
		return model.DocumentMap{}, false, nil
	}

	offset := IndexOffset{ReadTime: lastLimboFreeSnapshotVersion, LargestBatchID: mutation.UnknownBatchID}
	result, err := e.localDocuments.DocumentsMatchingQuery(txn, q, offset, nil)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	for doc := range previous.All() {
		result = result.Insert(doc.Key(), doc)
	}
	e.logger.Debug("query answered from previous results",
		"query", q.CanonicalID(),
		"last_limbo_free", lastLimboFreeSnapshotVersion.String(),
	)
	return result, true, nil
}

// needsRefill reports whether a limit query's previous result may be
// missing documents: a previous match no longer matches, or the
// document at the edge of the limit changed since the snapshot, so a
// document beyond the limit could now belong in it.
func needsRefill(q *query.Query, previous model.DocumentSet, remoteKeys model.DocumentKeySet, lastLimboFreeSnapshotVersion model.SnapshotVersion) bool {
	if remoteKeys.Len() != previous.Len() {
		return true
	}
	var edge *model.MutableDocument
	var ok bool
	if q.LimitType == query.LimitToFirst {
		edge, ok = previous.Last()
	} else {
		edge, ok = previous.First()
	}
	if !ok {
		return false
	}
	return edge.HasPendingWrites() || edge.Version().After(lastLimboFreeSnapshotVersion)
}

func matching(q *query.Query, docs model.DocumentMap) model.DocumentMap {
	result := model.NewDocumentMap()
	for key, doc := range docs.All() {
		if q.Matches(doc) {
			result = result.Insert(key, doc)
		}
	}
	return result
}

func sortedMatching(q *query.Query, docs model.DocumentMap) model.DocumentSet {
	result := model.NewDocumentSet(q.Comparator())
	for _, doc := range docs.All() {
		if q.Matches(doc) {
			result = result.Add(doc)
		}
	}
	return result
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"math"
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
	"github.com/bureau-foundation/docsync/lib/status"
)

// memoryMutationQueue keeps batches in a slice. Batch ids are
// contiguous and only the oldest batch is ever removed, so a batch's
// index is its id minus the first batch's id.
type memoryMutationQueue struct {
	persistence     *Memory
	indexManager    IndexManager
	batches         []*mutation.Batch
	nextBatchID     int
	lastStreamToken []byte
	byKey           sortedmap.Set[docReference]
}

func newMemoryMutationQueue(persistence *Memory, indexManager IndexManager) *memoryMutationQueue {
	return &memoryMutationQueue{
		persistence:  persistence,
		indexManager: indexManager,
		nextBatchID:  1,
		byKey:        sortedmap.NewSet[docReference](compareByKey),
	}
}

func (q *memoryMutationQueue) save() func() {
	batches, nextBatchID, token, byKey := q.batches, q.nextBatchID, q.lastStreamToken, q.byKey
	return func() {
		q.batches, q.nextBatchID, q.lastStreamToken, q.byKey = batches, nextBatchID, token, byKey
	}
}

func (q *memoryMutationQueue) IsEmpty(*Transaction) (bool, error) {
	return len(q.batches) == 0, nil
}

func (q *memoryMutationQueue) AddMutationBatch(txn *Transaction, localWriteTime model.Timestamp, baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error) {
	status.Assert(len(mutations) > 0, "mutation batches must not be empty")
	batchID := q.nextBatchID
	q.nextBatchID++
	if len(q.batches) > 0 {
		status.Assert(q.batches[len(q.batches)-1].BatchID < batchID, "mutation batch ids must be monotonically increasing")
	}
	batch := &mutation.Batch{
		BatchID:        batchID,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	// Slicing to len before appending keeps a saved slice header from
	// seeing this batch after a rollback.
	q.batches = append(q.batches[:len(q.batches):len(q.batches)], batch)
	for _, m := range mutations {
		q.byKey = q.byKey.Insert(docReference{key: m.Key(), id: batchID})
		if q.indexManager != nil {
			if err := q.indexManager.AddToCollectionParentIndex(txn, m.Key().CollectionPath()); err != nil {
				return nil, err
			}
		}
	}
	return batch, nil
}

// indexOf returns the slice index batchID would occupy. It can be out
// of range.
func (q *memoryMutationQueue) indexOf(batchID int) int {
	if len(q.batches) == 0 {
		return 0
	}
	return batchID - q.batches[0].BatchID
}

func (q *memoryMutationQueue) LookupMutationBatch(_ *Transaction, batchID int) (*mutation.Batch, error) {
	index := q.indexOf(batchID)
	if index < 0 || index >= len(q.batches) {
		return nil, nil
	}
	batch := q.batches[index]
	status.Assert(batch.BatchID == batchID, "mutation queue holds batch %d at the slot for %d", batch.BatchID, batchID)
	return batch, nil
}

func (q *memoryMutationQueue) NextMutationBatchAfter(_ *Transaction, batchID int) (*mutation.Batch, error) {
	index := max(q.indexOf(batchID+1), 0)
	if index >= len(q.batches) {
		return nil, nil
	}
	return q.batches[index], nil
}

func (q *memoryMutationQueue) HighestUnacknowledgedBatchID(*Transaction) (int, error) {
	if len(q.batches) == 0 {
		return mutation.UnknownBatchID, nil
	}
	return q.nextBatchID - 1, nil
}

func (q *memoryMutationQueue) AllMutationBatches(*Transaction) ([]*mutation.Batch, error) {
	return slices.Clone(q.batches), nil
}

func (q *memoryMutationQueue) AllMutationBatchesAffectingKey(txn *Transaction, key model.DocumentKey) ([]*mutation.Batch, error) {
	var batches []*mutation.Batch
	for reference := range q.byKey.From(docReference{key: key, id: math.MinInt}) {
		if !reference.key.Equal(key) {
			break
		}
		batch, _ := q.LookupMutationBatch(txn, reference.id)
		status.Assert(batch != nil, "mutation queue references missing batch %d", reference.id)
		batches = append(batches, batch)
	}
	return batches, nil
}

func (q *memoryMutationQueue) AllMutationBatchesAffectingKeys(txn *Transaction, keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	ids := sortedmap.NewSet[int](func(a, b int) int { return a - b })
	for key := range keys.All() {
		for reference := range q.byKey.From(docReference{key: key, id: math.MinInt}) {
			if !reference.key.Equal(key) {
				break
			}
			ids = ids.Insert(reference.id)
		}
	}
	return q.batchesForIDs(txn, ids), nil
}

// AllMutationBatchesAffectingQuery returns the batches touching
// documents directly in q's collection. Collection group queries are
// split into collection queries by the caller.
func (q *memoryMutationQueue) AllMutationBatchesAffectingQuery(txn *Transaction, collectionQuery *query.Query) ([]*mutation.Batch, error) {
	status.Assert(!collectionQuery.IsCollectionGroupQuery(), "collection group query reached the mutation queue")
	prefix := collectionQuery.Path
	childLength := prefix.Len() + 1
	ids := sortedmap.NewSet[int](func(a, b int) int { return a - b })
	for reference := range q.byKey.From(docReference{key: model.RangeStart(prefix), id: math.MinInt}) {
		path := reference.key.Path()
		if !prefix.IsPrefixOf(path) {
			break
		}
		if path.Len() == childLength {
			ids = ids.Insert(reference.id)
		}
	}
	return q.batchesForIDs(txn, ids), nil
}

func (q *memoryMutationQueue) batchesForIDs(txn *Transaction, ids sortedmap.Set[int]) []*mutation.Batch {
	var batches []*mutation.Batch
	for id := range ids.All() {
		if batch, _ := q.LookupMutationBatch(txn, id); batch != nil {
			batches = append(batches, batch)
		}
	}
	return batches
}

func (q *memoryMutationQueue) RemoveMutationBatch(txn *Transaction, batch *mutation.Batch) error {
	status.Assert(q.indexOf(batch.BatchID) == 0 && len(q.batches) > 0,
		"can only remove the first entry of the mutation queue, not batch %d", batch.BatchID)
	q.batches = q.batches[1:]
	for _, m := range batch.Mutations {
		q.byKey = q.byKey.Remove(docReference{key: m.Key(), id: batch.BatchID})
		if err := q.persistence.delegate.RemoveMutationReference(txn, m.Key()); err != nil {
			return err
		}
	}
	return nil
}

func (q *memoryMutationQueue) AcknowledgeBatch(_ *Transaction, batch *mutation.Batch, streamToken []byte) error {
	status.Assert(len(q.batches) > 0 && q.indexOf(batch.BatchID) == 0,
		"can only acknowledge the first batch in the mutation queue, not batch %d", batch.BatchID)
	q.lastStreamToken = streamToken
	return nil
}

func (q *memoryMutationQueue) LastStreamToken(*Transaction) ([]byte, error) {
	return q.lastStreamToken, nil
}

func (q *memoryMutationQueue) SetLastStreamToken(_ *Transaction, token []byte) error {
	q.lastStreamToken = token
	return nil
}

func (q *memoryMutationQueue) ContainsKey(_ *Transaction, key model.DocumentKey) (bool, error) {
	for reference := range q.byKey.From(docReference{key: key, id: math.MinInt}) {
		return reference.key.Equal(key), nil
	}
	return false, nil
}

func (q *memoryMutationQueue) PerformConsistencyCheck(*Transaction) error {
	if len(q.batches) == 0 {
		status.Assert(q.byKey.IsEmpty(), "document leak: mutation queue is empty but holds %d key references", q.byKey.Len())
	}
	return nil
}

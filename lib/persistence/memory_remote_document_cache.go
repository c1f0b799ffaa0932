// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"github.com/bureau-foundation/docsync/lib/codec"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

type cachedDocument struct {
	document *model.MutableDocument
	size     int64
}

type memoryRemoteDocumentCache struct {
	documents    sortedmap.Map[model.DocumentKey, cachedDocument]
	size         int64
	indexManager IndexManager
}

func newMemoryRemoteDocumentCache() *memoryRemoteDocumentCache {
	return &memoryRemoteDocumentCache{
		documents: sortedmap.New[model.DocumentKey, cachedDocument](model.CompareKeys),
	}
}

func (c *memoryRemoteDocumentCache) save() func() {
	documents, size := c.documents, c.size
	return func() { c.documents, c.size = documents, size }
}

func (c *memoryRemoteDocumentCache) SetIndexManager(indexManager IndexManager) {
	c.indexManager = indexManager
}

// documentSize is the encoded size of doc, the unit the LRU threshold
// is expressed in.
func documentSize(doc *model.MutableDocument) int64 {
	return int64(codec.EncodedSize(doc.Record()))
}

func (c *memoryRemoteDocumentCache) Add(txn *Transaction, doc *model.MutableDocument, readTime model.SnapshotVersion) error {
	key := doc.Key()
	stored := doc.Clone().SetReadTime(readTime)
	size := documentSize(stored)
	if previous, ok := c.documents.Get(key); ok {
		c.size -= previous.size
	}
	c.documents = c.documents.Insert(key, cachedDocument{document: stored, size: size})
	c.size += size
	if c.indexManager == nil {
		return nil
	}
	if err := c.indexManager.AddToCollectionParentIndex(txn, key.CollectionPath()); err != nil {
		return err
	}
	return c.indexManager.UpdateIndexEntries(txn, model.NewDocumentMap().Insert(key, stored))
}

func (c *memoryRemoteDocumentCache) Remove(txn *Transaction, key model.DocumentKey) error {
	previous, ok := c.documents.Get(key)
	if !ok {
		return nil
	}
	c.documents = c.documents.Remove(key)
	c.size -= previous.size
	if c.indexManager == nil {
		return nil
	}
	return c.indexManager.UpdateIndexEntries(txn, model.NewDocumentMap().Insert(key, model.NewInvalidDocument(key)))
}

func (c *memoryRemoteDocumentCache) Entry(_ *Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	if cached, ok := c.documents.Get(key); ok {
		return cached.document.Clone(), nil
	}
	return model.NewInvalidDocument(key), nil
}

func (c *memoryRemoteDocumentCache) Entries(txn *Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	result := model.NewDocumentMap()
	for key := range keys.All() {
		doc, _ := c.Entry(txn, key)
		result = result.Insert(key, doc)
	}
	return result, nil
}

func (c *memoryRemoteDocumentCache) DocumentsMatchingQuery(_ *Transaction, q *query.Query, sinceReadTime model.SnapshotVersion, mutatedKeys model.DocumentKeySet) (model.DocumentMap, error) {
	result := model.NewDocumentMap()
	collection := q.Path
	childLength := collection.Len() + 1
	for key, cached := range c.documents.From(model.RangeStart(collection)) {
		path := key.Path()
		if !collection.IsPrefixOf(path) {
			break
		}
		if path.Len() != childLength {
			continue
		}
		doc := cached.document
		if !doc.ReadTime().After(sinceReadTime) {
			continue
		}
		if !mutatedKeys.Has(key) && !q.Matches(doc) {
			continue
		}
		result = result.Insert(key, doc.Clone())
	}
	return result, nil
}

func (c *memoryRemoteDocumentCache) CollectionSize(_ *Transaction, collection model.ResourcePath) (int, error) {
	count := 0
	for key := range c.documents.From(model.RangeStart(collection)) {
		if !collection.IsPrefixOf(key.Path()) {
			break
		}
		if collection.IsImmediateParentOf(key.Path()) {
			count++
		}
	}
	return count, nil
}

func (c *memoryRemoteDocumentCache) Size(*Transaction) (int64, error) { return c.size, nil }

func (c *memoryRemoteDocumentCache) ForEachDocumentKey(_ *Transaction, fn func(model.DocumentKey) error) error {
	for key := range c.documents.Keys() {
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// all returns every cached document, for snapshots and index backfill.
func (c *memoryRemoteDocumentCache) all() func(yield func(*model.MutableDocument) bool) {
	return func(yield func(*model.MutableDocument) bool) {
		for _, cached := range c.documents.All() {
			if !yield(cached.document) {
				return
			}
		}
	}
}

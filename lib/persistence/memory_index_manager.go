// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// indexEntries maps each indexed document to an object holding only
// its indexed fields.
type indexEntries = sortedmap.Map[model.DocumentKey, model.ObjectValue]

type memoryIndexManager struct {
	remoteDocuments *memoryRemoteDocumentCache

	// parents maps a collection id to the set of paths containing a
	// collection with that id.
	parents map[string]sortedmap.Set[model.ResourcePath]

	indexes     []FieldIndex
	entries     map[int]indexEntries
	nextIndexID int
}

func newMemoryIndexManager(remoteDocuments *memoryRemoteDocumentCache) *memoryIndexManager {
	return &memoryIndexManager{
		remoteDocuments: remoteDocuments,
		parents:         make(map[string]sortedmap.Set[model.ResourcePath]),
		entries:         make(map[int]indexEntries),
		nextIndexID:     1,
	}
}

func (m *memoryIndexManager) save() func() {
	parents := maps.Clone(m.parents)
	indexes := slices.Clone(m.indexes)
	entries := maps.Clone(m.entries)
	nextIndexID := m.nextIndexID
	return func() {
		m.parents, m.indexes, m.entries, m.nextIndexID = parents, indexes, entries, nextIndexID
	}
}

func (m *memoryIndexManager) AddToCollectionParentIndex(_ *Transaction, collection model.ResourcePath) error {
	if collection.IsEmpty() {
		return nil
	}
	id := collection.LastSegment()
	parents, ok := m.parents[id]
	if !ok {
		parents = sortedmap.NewSet[model.ResourcePath](model.ComparePaths)
	}
	parent := collection.Parent()
	if !parents.Has(parent) {
		m.parents[id] = parents.Insert(parent)
	}
	return nil
}

func (m *memoryIndexManager) CollectionParents(_ *Transaction, collectionID string) ([]model.ResourcePath, error) {
	parents, ok := m.parents[collectionID]
	if !ok {
		return nil, nil
	}
	return parents.Slice(), nil
}

func (m *memoryIndexManager) AddFieldIndex(_ *Transaction, index FieldIndex) (FieldIndex, error) {
	index.IndexID = m.nextIndexID
	m.nextIndexID++
	m.indexes = append(slices.Clip(m.indexes), index)
	m.setEntries(index.IndexID, m.backfill(index))
	return index, nil
}

// backfill indexes every cached document for index.
func (m *memoryIndexManager) backfill(index FieldIndex) indexEntries {
	entries := sortedmap.New[model.DocumentKey, model.ObjectValue](model.CompareKeys)
	for doc := range m.remoteDocuments.all() {
		if doc.Key().CollectionGroup() != index.CollectionGroup {
			continue
		}
		if entry, ok := indexEntry(index, doc); ok {
			entries = entries.Insert(doc.Key(), entry)
		}
	}
	return entries
}

func (m *memoryIndexManager) setEntries(indexID int, entries indexEntries) {
	updated := maps.Clone(m.entries)
	updated[indexID] = entries
	m.entries = updated
}

func (m *memoryIndexManager) DeleteFieldIndex(_ *Transaction, index FieldIndex) error {
	m.indexes = slices.DeleteFunc(slices.Clone(m.indexes), func(existing FieldIndex) bool {
		return existing.IndexID == index.IndexID
	})
	updated := maps.Clone(m.entries)
	delete(updated, index.IndexID)
	m.entries = updated
	return nil
}

func (m *memoryIndexManager) DeleteAllFieldIndexes(*Transaction) error {
	m.indexes = nil
	m.entries = make(map[int]indexEntries)
	return nil
}

func (m *memoryIndexManager) FieldIndexes(_ *Transaction, collectionGroup string) ([]FieldIndex, error) {
	var result []FieldIndex
	for _, index := range m.indexes {
		if collectionGroup == "" || index.CollectionGroup == collectionGroup {
			result = append(result, index)
		}
	}
	return result, nil
}

func (m *memoryIndexManager) CreateTargetIndexes(txn *Transaction, target *query.Target) error {
	indexType, err := m.IndexType(txn, target)
	if err != nil || indexType == IndexTypeFull {
		return err
	}
	index := targetIndex(target)
	if index.CollectionGroup == "" || len(index.Segments) == 0 {
		return nil
	}
	_, err = m.AddFieldIndex(txn, index)
	return err
}

// bestIndex returns the index covering the most of target's filtered
// fields, and how many it covers.
func (m *memoryIndexManager) bestIndex(target *query.Target) (FieldIndex, int) {
	group := targetCollectionGroup(target)
	filters := conjunctiveFilters(target.Filters)
	var best FieldIndex
	bestCovered := 0
	for _, index := range m.indexes {
		if index.CollectionGroup != group {
			continue
		}
		covered := 0
		for _, filter := range filters {
			if index.covers(filter.Field) {
				covered++
			}
		}
		if covered > bestCovered {
			best, bestCovered = index, covered
		}
	}
	return best, bestCovered
}

func (m *memoryIndexManager) IndexType(_ *Transaction, target *query.Target) (IndexType, error) {
	if targetCollectionGroup(target) == "" {
		return IndexTypeNone, nil
	}
	required := targetIndex(target)
	for _, index := range m.indexes {
		if index.CollectionGroup != required.CollectionGroup {
			continue
		}
		full := len(target.Filters) == len(conjunctiveFilters(target.Filters))
		for _, segment := range required.Segments {
			if !index.covers(segment.Field) {
				full = false
				break
			}
		}
		if full {
			return IndexTypeFull, nil
		}
	}
	if _, covered := m.bestIndex(target); covered > 0 {
		return IndexTypePartial, nil
	}
	return IndexTypeNone, nil
}

func (m *memoryIndexManager) DocumentsMatchingTarget(_ *Transaction, target *query.Target) ([]model.DocumentKey, bool, error) {
	if targetCollectionGroup(target) == "" {
		return nil, false, nil
	}
	index, covered := m.bestIndex(target)
	if covered == 0 {
		return nil, false, nil
	}
	var applicable []*query.FieldFilter
	for _, filter := range conjunctiveFilters(target.Filters) {
		if index.covers(filter.Field) {
			applicable = append(applicable, filter)
		}
	}

	var keys []model.DocumentKey
	for key, entry := range m.entries[index.IndexID].All() {
		if target.CollectionGroup == "" && !target.Path.IsImmediateParentOf(key.Path()) {
			continue
		}
		candidate := model.NewFoundDocument(key, model.MinVersion, entry)
		matches := true
		for _, filter := range applicable {
			if !filter.Matches(candidate) {
				matches = false
				break
			}
		}
		if matches {
			keys = append(keys, key)
		}
	}
	return keys, true, nil
}

func (m *memoryIndexManager) UpdateIndexEntries(_ *Transaction, docs model.DocumentMap) error {
	if len(m.indexes) == 0 {
		return nil
	}
	updated := maps.Clone(m.entries)
	for key, doc := range docs.All() {
		group := key.CollectionGroup()
		for _, index := range m.indexes {
			if index.CollectionGroup != group {
				continue
			}
			entries := updated[index.IndexID]
			if entry, ok := indexEntry(index, doc); ok {
				entries = entries.Insert(key, entry)
			} else if entries.Contains(key) {
				entries = entries.Remove(key)
			}
			updated[index.IndexID] = entries
		}
	}
	m.entries = updated
	return nil
}

// indexEntry extracts the indexed fields of doc. Documents missing any
// indexed field are not indexed.
func indexEntry(index FieldIndex, doc *model.MutableDocument) (model.ObjectValue, bool) {
	if !doc.IsFoundDocument() {
		return model.ObjectValue{}, false
	}
	entry := model.EmptyObject()
	for _, segment := range index.Segments {
		value, ok := doc.Data().Field(segment.Field)
		if !ok {
			return model.ObjectValue{}, false
		}
		if segment.Kind == SegmentContains && value.Kind() != model.KindArray {
			return model.ObjectValue{}, false
		}
		entry = entry.Set(segment.Field, value)
	}
	return entry, true
}

// rebuild recomputes the collection-parent index and every field
// index from the remote document cache and the given collections.
func (m *memoryIndexManager) rebuild(txn *Transaction, collections []model.ResourcePath) {
	m.parents = make(map[string]sortedmap.Set[model.ResourcePath])
	for doc := range m.remoteDocuments.all() {
		m.AddToCollectionParentIndex(txn, doc.Key().CollectionPath())
	}
	for _, collection := range collections {
		m.AddToCollectionParentIndex(txn, collection)
	}
	m.entries = make(map[int]indexEntries)
	for _, index := range m.indexes {
		m.entries[index.IndexID] = m.backfill(index)
		m.nextIndexID = max(m.nextIndexID, index.IndexID+1)
	}
}

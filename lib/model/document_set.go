// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"iter"

	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// DocumentComparator orders documents, typically by a query's order-by.
type DocumentComparator func(a, b *MutableDocument) int

// CompareByKey orders documents by key alone.
func CompareByKey(a, b *MutableDocument) int { return CompareKeys(a.key, b.key) }

// DocumentSet is a persistent set of documents ordered by a comparator,
// with lookup by key. The key is the final tie-breaker so the order is
// total.
type DocumentSet struct {
	byKey  sortedmap.Map[DocumentKey, *MutableDocument]
	sorted sortedmap.Set[*MutableDocument]
}

// NewDocumentSet returns an empty set ordered by cmp, or by key when cmp
// is nil.
func NewDocumentSet(cmp DocumentComparator) DocumentSet {
	order := func(a, b *MutableDocument) int {
		if cmp != nil {
			if c := cmp(a, b); c != 0 {
				return c
			}
		}
		return CompareKeys(a.key, b.key)
	}
	return DocumentSet{
		byKey:  sortedmap.New[DocumentKey, *MutableDocument](CompareKeys),
		sorted: sortedmap.NewSet(order),
	}
}

// Len returns the number of documents.
func (s DocumentSet) Len() int { return s.byKey.Len() }

// IsEmpty reports whether the set is empty.
func (s DocumentSet) IsEmpty() bool { return s.byKey.IsEmpty() }

// Has reports whether a document with key is present.
func (s DocumentSet) Has(key DocumentKey) bool { return s.byKey.Contains(key) }

// Get returns the document with key.
func (s DocumentSet) Get(key DocumentKey) (*MutableDocument, bool) { return s.byKey.Get(key) }

// First returns the first document in order.
func (s DocumentSet) First() (*MutableDocument, bool) { return s.sorted.First() }

// Last returns the last document in order.
func (s DocumentSet) Last() (*MutableDocument, bool) { return s.sorted.Last() }

// IndexOf returns the position of key, or -1.
func (s DocumentSet) IndexOf(key DocumentKey) int {
	doc, ok := s.byKey.Get(key)
	if !ok {
		return -1
	}
	index := 0
	for candidate := range s.sorted.All() {
		if candidate == doc {
			return index
		}
		index++
	}
	return -1
}

// Add returns a set containing doc, replacing any document with the same
// key.
func (s DocumentSet) Add(doc *MutableDocument) DocumentSet {
	s = s.Delete(doc.key)
	return DocumentSet{
		byKey:  s.byKey.Insert(doc.key, doc),
		sorted: s.sorted.Insert(doc),
	}
}

// Delete returns a set without the document for key.
func (s DocumentSet) Delete(key DocumentKey) DocumentSet {
	doc, ok := s.byKey.Get(key)
	if !ok {
		return s
	}
	return DocumentSet{
		byKey:  s.byKey.Remove(key),
		sorted: s.sorted.Remove(doc),
	}
}

// All iterates documents in comparator order.
func (s DocumentSet) All() iter.Seq[*MutableDocument] { return s.sorted.All() }

// Backward iterates documents in reverse comparator order.
func (s DocumentSet) Backward() iter.Seq[*MutableDocument] { return s.sorted.Backward() }

// Slice returns the documents in order.
func (s DocumentSet) Slice() []*MutableDocument { return s.sorted.Slice() }

// Keys returns the keys of all documents.
func (s DocumentSet) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for key := range s.byKey.Keys() {
		keys = keys.Insert(key)
	}
	return keys
}

// Equal reports whether both sets hold equal documents in the same order.
func (s DocumentSet) Equal(other DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	mine := s.Slice()
	theirs := other.Slice()
	for i := range mine {
		if !mine[i].Equal(theirs[i]) {
			return false
		}
	}
	return true
}

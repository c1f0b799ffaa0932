// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"cmp"
	"math"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// docReference ties a document key to a target id or a batch id.
type docReference struct {
	key model.DocumentKey
	id  int
}

func compareByKey(a, b docReference) int {
	if c := model.CompareKeys(a.key, b.key); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

func compareByID(a, b docReference) int {
	if c := cmp.Compare(a.id, b.id); c != 0 {
		return c
	}
	return model.CompareKeys(a.key, b.key)
}

// ReferenceSet is a collection of (key, id) references, indexed both
// ways. The local store uses one to pin the documents of views that
// are still held; the memory target cache uses one for matching keys.
type ReferenceSet struct {
	byKey sortedmap.Set[docReference]
	byID  sortedmap.Set[docReference]
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: sortedmap.NewSet[docReference](compareByKey),
		byID:  sortedmap.NewSet[docReference](compareByID),
	}
}

// IsEmpty reports whether the set holds no references.
func (r *ReferenceSet) IsEmpty() bool { return r.byKey.IsEmpty() }

// AddReference adds a reference from id to key.
func (r *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	reference := docReference{key: key, id: id}
	r.byKey = r.byKey.Insert(reference)
	r.byID = r.byID.Insert(reference)
}

// AddReferences adds a reference from id to each key.
func (r *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	for key := range keys.All() {
		r.AddReference(key, id)
	}
}

// RemoveReference removes the reference from id to key.
func (r *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	reference := docReference{key: key, id: id}
	r.byKey = r.byKey.Remove(reference)
	r.byID = r.byID.Remove(reference)
}

// RemoveReferences removes the reference from id to each key.
func (r *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	for key := range keys.All() {
		r.RemoveReference(key, id)
	}
}

// RemoveReferencesForID removes every reference held by id and returns
// the keys it referenced.
func (r *ReferenceSet) RemoveReferencesForID(id int) []model.DocumentKey {
	var removed []model.DocumentKey
	for key := range r.ReferencesForID(id).All() {
		r.RemoveReference(key, id)
		removed = append(removed, key)
	}
	return removed
}

// RemoveAllReferences empties the set.
func (r *ReferenceSet) RemoveAllReferences() {
	r.byKey = sortedmap.NewSet[docReference](compareByKey)
	r.byID = sortedmap.NewSet[docReference](compareByID)
}

// ReferencesForID returns the keys referenced by id.
func (r *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for reference := range r.byID.From(docReference{id: id}) {
		if reference.id != id {
			break
		}
		keys = keys.Insert(reference.key)
	}
	return keys
}

// ContainsKey reports whether any id references key.
func (r *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	for reference := range r.byKey.From(docReference{key: key, id: math.MinInt}) {
		return reference.key.Equal(key)
	}
	return false
}

// save returns a function restoring the set to its current contents.
func (r *ReferenceSet) save() func() {
	byKey, byID := r.byKey, r.byID
	return func() { r.byKey, r.byID = byKey, byID }
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
)

// IndexType says how well the configured field indexes serve a target.
type IndexType int

const (
	// IndexTypeNone means no index constrains any filtered field.
	IndexTypeNone IndexType = iota

	// IndexTypePartial means an index narrows the candidate set but
	// some filters or orderings must still be evaluated per document.
	IndexTypePartial

	// IndexTypeFull means one index covers every filter and ordering.
	IndexTypeFull
)

func (t IndexType) String() string {
	switch t {
	case IndexTypeNone:
		return "none"
	case IndexTypePartial:
		return "partial"
	case IndexTypeFull:
		return "full"
	}
	return fmt.Sprintf("IndexType(%d)", int(t))
}

// SegmentKind is how an index orders or matches one field.
type SegmentKind string

const (
	SegmentAscending  SegmentKind = "asc"
	SegmentDescending SegmentKind = "desc"
	SegmentContains   SegmentKind = "contains"
)

// IndexSegment is one field of a field index.
type IndexSegment struct {
	Field model.FieldPath `json:"field"`
	Kind  SegmentKind     `json:"kind"`
}

// FieldIndex indexes the documents of a collection group by a list of
// fields. IndexID is assigned by AddFieldIndex.
type FieldIndex struct {
	IndexID         int            `json:"indexId"`
	CollectionGroup string         `json:"collectionGroup"`
	Segments        []IndexSegment `json:"segments"`
}

// covers reports whether the index has a segment for field.
func (f FieldIndex) covers(field model.FieldPath) bool {
	for _, segment := range f.Segments {
		if segment.Field.Equal(field) {
			return true
		}
	}
	return false
}

func (f FieldIndex) String() string {
	text := fmt.Sprintf("FieldIndex(%d, %s", f.IndexID, f.CollectionGroup)
	for _, segment := range f.Segments {
		text += fmt.Sprintf(", %s %s", segment.Field, segment.Kind)
	}
	return text + ")"
}

// IndexManager maintains the collection-parent index that collection
// group queries enumerate and the field indexes the query engine reads
// through.
type IndexManager interface {
	// AddToCollectionParentIndex records that collection exists.
	AddToCollectionParentIndex(txn *Transaction, collection model.ResourcePath) error

	// CollectionParents returns the parent paths of every collection
	// named collectionID, in order.
	CollectionParents(txn *Transaction, collectionID string) ([]model.ResourcePath, error)

	// AddFieldIndex registers index, backfills it from the remote
	// document cache, and returns it with its assigned id.
	AddFieldIndex(txn *Transaction, index FieldIndex) (FieldIndex, error)
	DeleteFieldIndex(txn *Transaction, index FieldIndex) error
	DeleteAllFieldIndexes(txn *Transaction) error
	FieldIndexes(txn *Transaction, collectionGroup string) ([]FieldIndex, error)

	// CreateTargetIndexes adds an index that fully serves target
	// unless one already exists.
	CreateTargetIndexes(txn *Transaction, target *query.Target) error

	IndexType(txn *Transaction, target *query.Target) (IndexType, error)

	// DocumentsMatchingTarget returns the keys of remote documents
	// whose indexed fields satisfy target's filters. The result is a
	// superset of the matching documents; ok is false when no index
	// applies.
	DocumentsMatchingTarget(txn *Transaction, target *query.Target) (keys []model.DocumentKey, ok bool, err error)

	// UpdateIndexEntries reindexes docs. Documents that are not found
	// documents are removed from every index.
	UpdateIndexEntries(txn *Transaction, docs model.DocumentMap) error
}

// targetCollectionGroup is the collection group target reads from, or
// "" for single-document targets.
func targetCollectionGroup(target *query.Target) string {
	if target.CollectionGroup != "" {
		return target.CollectionGroup
	}
	if target.IsDocumentTarget() {
		return ""
	}
	return target.Path.LastSegment()
}

// conjunctiveFilters returns the field filters that every matching
// document must satisfy. Disjunctions contribute nothing.
func conjunctiveFilters(filters []query.Filter) []*query.FieldFilter {
	var result []*query.FieldFilter
	for _, filter := range filters {
		switch typed := filter.(type) {
		case *query.FieldFilter:
			result = append(result, typed)
		case *query.CompositeFilter:
			if typed.Op == query.And {
				result = append(result, conjunctiveFilters(typed.Filters)...)
			}
		}
	}
	return result
}

// targetIndex builds the index that fully serves target: one segment
// per filtered field followed by the ordered fields.
func targetIndex(target *query.Target) FieldIndex {
	index := FieldIndex{CollectionGroup: targetCollectionGroup(target)}
	for _, filter := range conjunctiveFilters(target.Filters) {
		if index.covers(filter.Field) {
			continue
		}
		kind := SegmentAscending
		if filter.Op == query.ArrayContains || filter.Op == query.ArrayContainsAny {
			kind = SegmentContains
		}
		index.Segments = append(index.Segments, IndexSegment{Field: filter.Field, Kind: kind})
	}
	for _, orderBy := range target.OrderBy {
		if orderBy.Field.IsKeyField() || index.covers(orderBy.Field) {
			continue
		}
		kind := SegmentAscending
		if orderBy.Direction == query.Descending {
			kind = SegmentDescending
		}
		index.Segments = append(index.Segments, IndexSegment{Field: orderBy.Field, Kind: kind})
	}
	return index
}

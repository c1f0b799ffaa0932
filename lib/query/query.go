// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"github.com/bureau-foundation/docsync/lib/model"
)

// LimitType selects which end of the ordered results a limit keeps.
type LimitType string

const (
	LimitToFirst LimitType = "F"
	LimitToLast  LimitType = "L"
)

// Query is the structured query consumed by the engine: a collection (or
// single document, or collection group), filters, ordering, limit, and
// cursors. Queries are treated as immutable once built.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	Limit           int
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

// NewQuery returns a query over the collection or document at path.
func NewQuery(path model.ResourcePath) *Query {
	return &Query{Path: path, LimitType: LimitToFirst}
}

// NewCollectionGroupQuery returns a query over every collection named
// collectionID under parent.
func NewCollectionGroupQuery(parent model.ResourcePath, collectionID string) *Query {
	return &Query{Path: parent, CollectionGroup: collectionID, LimitType: LimitToFirst}
}

func (q *Query) clone() *Query {
	c := *q
	c.Filters = append([]Filter(nil), q.Filters...)
	c.ExplicitOrderBy = append([]OrderBy(nil), q.ExplicitOrderBy...)
	return &c
}

// Where returns q with an additional filter.
func (q *Query) Where(filter Filter) *Query {
	c := q.clone()
	c.Filters = append(c.Filters, filter)
	return c
}

// OrderBy returns q with an additional explicit ordering.
func (q *Query) OrderBy(field model.FieldPath, direction Direction) *Query {
	c := q.clone()
	c.ExplicitOrderBy = append(c.ExplicitOrderBy, OrderBy{Field: field, Direction: direction})
	return c
}

// WithLimitToFirst returns q keeping the first n results.
func (q *Query) WithLimitToFirst(n int) *Query {
	c := q.clone()
	c.Limit = n
	c.LimitType = LimitToFirst
	return c
}

// WithLimitToLast returns q keeping the last n results.
func (q *Query) WithLimitToLast(n int) *Query {
	c := q.clone()
	c.Limit = n
	c.LimitType = LimitToLast
	return c
}

// WithStartAt returns q starting at bound.
func (q *Query) WithStartAt(bound *Bound) *Query {
	c := q.clone()
	c.StartAt = bound
	return c
}

// WithEndAt returns q ending at bound.
func (q *Query) WithEndAt(bound *Bound) *Query {
	c := q.clone()
	c.EndAt = bound
	return c
}

// HasLimit reports whether the query is limited.
func (q *Query) HasLimit() bool { return q.Limit > 0 }

// IsCollectionGroupQuery reports whether q spans a collection group.
func (q *Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// IsDocumentQuery reports whether q addresses a single document.
func (q *Query) IsDocumentQuery() bool {
	return q.Path.Len() > 0 && q.Path.Len()%2 == 0 && q.CollectionGroup == "" && len(q.Filters) == 0
}

// MatchesAllDocuments reports whether q returns every document of its
// collection, in key order.
func (q *Query) MatchesAllDocuments() bool {
	if len(q.Filters) > 0 || q.Limit > 0 || q.StartAt != nil || q.EndAt != nil {
		return false
	}
	return len(q.ExplicitOrderBy) == 0 ||
		(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField())
}

// inequalityFields returns the distinct fields with inequality filters,
// sorted.
func (q *Query) inequalityFields() []model.FieldPath {
	var fields []model.FieldPath
	for _, filter := range q.Filters {
		for _, fieldFilter := range filter.FieldFilters() {
			if fieldFilter.Op.IsInequality() && !containsField(fields, fieldFilter.Field) {
				fields = append(fields, fieldFilter.Field)
			}
		}
	}
	return model.NewFieldMask(fields...).Fields()
}

func containsField(fields []model.FieldPath, field model.FieldPath) bool {
	for _, candidate := range fields {
		if candidate.Equal(field) {
			return true
		}
	}
	return false
}

// NormalizedOrderBy returns the explicit ordering followed by implicit
// orderings on inequality fields and finally the document key, so that
// the order is total.
func (q *Query) NormalizedOrderBy() []OrderBy {
	result := append([]OrderBy(nil), q.ExplicitOrderBy...)
	var seen []model.FieldPath
	for _, ordering := range result {
		seen = append(seen, ordering.Field)
	}
	lastDirection := Ascending
	if len(result) > 0 {
		lastDirection = result[len(result)-1].Direction
	}
	for _, field := range q.inequalityFields() {
		if !containsField(seen, field) && !field.IsKeyField() {
			result = append(result, OrderBy{Field: field, Direction: lastDirection})
			seen = append(seen, field)
		}
	}
	if !containsField(seen, model.KeyField()) {
		result = append(result, OrderBy{Field: model.KeyField(), Direction: lastDirection})
	}
	return result
}

// Target converts q to its canonical target. Limit-to-last queries are
// executed as the reverse limit-to-first query: orderings flip and the
// cursors swap ends.
func (q *Query) Target() *Target {
	orderBy := q.NormalizedOrderBy()
	target := &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		Limit:           q.Limit,
	}
	if q.LimitType != LimitToLast {
		target.OrderBy = orderBy
		target.StartAt = q.StartAt
		target.EndAt = q.EndAt
		return target
	}
	for _, ordering := range orderBy {
		target.OrderBy = append(target.OrderBy, ordering.flipped())
	}
	if q.EndAt != nil {
		target.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: q.EndAt.Inclusive}
	}
	if q.StartAt != nil {
		target.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: q.StartAt.Inclusive}
	}
	return target
}

// CanonicalID identifies the query, including its limit direction.
func (q *Query) CanonicalID() string {
	return q.Target().CanonicalID() + "|lt:" + string(q.limitType())
}

func (q *Query) limitType() LimitType {
	if q.LimitType == "" {
		return LimitToFirst
	}
	return q.LimitType
}

func (q *Query) String() string { return "Query(" + q.CanonicalID() + ")" }

// Matches reports whether doc belongs to the query's result set, ignoring
// the limit.
func (q *Query) Matches(doc *model.MutableDocument) bool {
	return doc.IsFoundDocument() &&
		q.matchesPath(doc) &&
		q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q *Query) matchesPath(doc *model.MutableDocument) bool {
	path := doc.Key().Path()
	switch {
	case q.CollectionGroup != "":
		return doc.Key().HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(path)
	case q.Path.Len()%2 == 0 && q.Path.Len() > 0:
		return q.Path.Equal(path)
	default:
		return q.Path.IsImmediateParentOf(path)
	}
}

// matchesOrderBy excludes documents missing an ordered field, since the
// backend omits them from ordered results.
func (q *Query) matchesOrderBy(doc *model.MutableDocument) bool {
	for _, ordering := range q.NormalizedOrderBy() {
		if ordering.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(ordering.Field); !ok {
			return false
		}
	}
	return true
}

func (q *Query) matchesFilters(doc *model.MutableDocument) bool {
	for _, filter := range q.Filters {
		if !filter.Matches(doc) {
			return false
		}
	}
	return true
}

func (q *Query) matchesBounds(doc *model.MutableDocument) bool {
	orderBy := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.sortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.sortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

// Comparator orders documents by the normalized ordering.
func (q *Query) Comparator() model.DocumentComparator {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *model.MutableDocument) int {
		for _, ordering := range orderBy {
			if c := ordering.compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

// AsCollectionQueryAtPath turns a collection group query into a query
// over the single collection at path.
func (q *Query) AsCollectionQueryAtPath(path model.ResourcePath) *Query {
	c := q.clone()
	c.Path = path
	c.CollectionGroup = ""
	return c
}

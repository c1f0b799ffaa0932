// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/docsync/lib/model"
)

// Target is the canonical, wire-level form of a query. Queries that
// differ only in presentation (limit direction, implicit key ordering)
// share a Target and therefore a single server listen.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	// Limit is the maximum result count; 0 means no limit.
	Limit   int
	StartAt *Bound
	EndAt   *Bound

	canonicalID string
}

// DocumentTarget returns the target that listens to a single document.
func DocumentTarget(key model.DocumentKey) *Target {
	return NewQuery(key.Path()).Target()
}

// IsDocumentTarget reports whether t names exactly one document.
func (t *Target) IsDocumentTarget() bool {
	return t.Path.Len()%2 == 0 && t.Path.Len() > 0 && t.CollectionGroup == "" && len(t.Filters) == 0
}

// CanonicalID is a string that is equal for equal targets.
func (t *Target) CanonicalID() string {
	if t.canonicalID != "" {
		return t.canonicalID
	}
	var builder strings.Builder
	builder.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		builder.WriteString("|cg:")
		builder.WriteString(t.CollectionGroup)
	}
	builder.WriteString("|f:")
	for _, filter := range t.Filters {
		builder.WriteString(filter.CanonicalID())
	}
	builder.WriteString("|ob:")
	for _, ordering := range t.OrderBy {
		builder.WriteString(ordering.Field.String())
		builder.WriteString(string(ordering.Direction))
	}
	if t.Limit > 0 {
		builder.WriteString("|l:")
		builder.WriteString(strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		builder.WriteString("|lb:")
		builder.WriteString(t.StartAt.canonicalID())
	}
	if t.EndAt != nil {
		builder.WriteString("|ub:")
		builder.WriteString(t.EndAt.canonicalID())
	}
	t.canonicalID = builder.String()
	return t.canonicalID
}

// Fingerprint is the hex BLAKE3-128 digest of the canonical id. Target
// caches key on it so that map keys stay short for deep filter trees.
func (t *Target) Fingerprint() string {
	digest := blake3.Sum256([]byte(t.CanonicalID()))
	return hex.EncodeToString(digest[:16])
}

// Equal reports whether both targets are the same canonical target.
func (t *Target) Equal(other *Target) bool {
	return t.CanonicalID() == other.CanonicalID()
}

func (t *Target) String() string { return "Target(" + t.CanonicalID() + ")" }

// FieldFilters returns every field filter in the target.
func (t *Target) FieldFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, filter := range t.Filters {
		out = append(out, filter.FieldFilters()...)
	}
	return out
}

// Query rebuilds an ascending-limit query that produces exactly this
// target. Remote stores use it to evaluate targets received over the
// wire.
func (t *Target) Query() *Query {
	return &Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		ExplicitOrderBy: t.OrderBy,
		Limit:           t.Limit,
		LimitType:       LimitToFirst,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
}

// QueryWithLimitType rebuilds the query that produced t with the given
// limit direction. For limit-to-last the orderings flip back and the
// cursors swap ends again.
func (t *Target) QueryWithLimitType(limitType LimitType) *Query {
	q := t.Query()
	if limitType != LimitToLast {
		return q
	}
	q.LimitType = LimitToLast
	q.ExplicitOrderBy = nil
	for _, ordering := range t.OrderBy {
		q.ExplicitOrderBy = append(q.ExplicitOrderBy, ordering.flipped())
	}
	q.StartAt, q.EndAt = nil, nil
	if t.EndAt != nil {
		q.StartAt = &Bound{Position: t.EndAt.Position, Inclusive: t.EndAt.Inclusive}
	}
	if t.StartAt != nil {
		q.EndAt = &Bound{Position: t.StartAt.Position, Inclusive: t.StartAt.Inclusive}
	}
	return q
}

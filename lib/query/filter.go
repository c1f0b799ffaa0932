// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/docsync/lib/model"
)

// Operator is a field filter comparison.
type Operator string

const (
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Equal              Operator = "=="
	NotEqual           Operator = "!="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	ArrayContains      Operator = "array-contains"
	In                 Operator = "in"
	NotIn              Operator = "not-in"
	ArrayContainsAny   Operator = "array-contains-any"
)

// IsInequality reports whether op constrains a range of values. Queries
// order implicitly by their inequality fields.
func (op Operator) IsInequality() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, NotEqual, NotIn:
		return true
	default:
		return false
	}
}

// Filter is a predicate over documents.
type Filter interface {
	Matches(doc *model.MutableDocument) bool
	// FieldFilters returns every field filter nested in the filter.
	FieldFilters() []*FieldFilter
	CanonicalID() string
}

// FieldFilter compares one field against a constant.
type FieldFilter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

// NewFieldFilter returns a field filter.
func NewFieldFilter(field model.FieldPath, op Operator, value model.Value) *FieldFilter {
	return &FieldFilter{Field: field, Op: op, Value: value}
}

func (f *FieldFilter) FieldFilters() []*FieldFilter { return []*FieldFilter{f} }

func (f *FieldFilter) CanonicalID() string {
	return f.Field.String() + string(f.Op) + f.Value.String()
}

func (f *FieldFilter) Matches(doc *model.MutableDocument) bool {
	v, ok := doc.Field(f.Field)
	switch f.Op {
	case ArrayContains:
		return ok && v.ArrayContains(f.Value)
	case ArrayContainsAny:
		if !ok || v.Kind() != model.KindArray {
			return false
		}
		return slices.ContainsFunc(f.Value.Elements(), v.ArrayContains)
	case In:
		return ok && f.Value.ArrayContains(v)
	case NotIn:
		if f.Value.ArrayContains(model.Null()) {
			return false
		}
		return ok && !v.IsNull() && !f.Value.ArrayContains(v)
	case NotEqual:
		return ok && !v.IsNull() && matchesComparison(f.Op, model.CompareValues(v, f.Value))
	default:
		return ok && model.SameTypeOrder(v, f.Value) && matchesComparison(f.Op, model.CompareValues(v, f.Value))
	}
}

func matchesComparison(op Operator, comparison int) bool {
	switch op {
	case LessThan:
		return comparison < 0
	case LessThanOrEqual:
		return comparison <= 0
	case Equal:
		return comparison == 0
	case NotEqual:
		return comparison != 0
	case GreaterThan:
		return comparison > 0
	case GreaterThanOrEqual:
		return comparison >= 0
	default:
		return false
	}
}

// CompositeOperator joins the filters of a CompositeFilter.
type CompositeOperator string

const (
	And CompositeOperator = "and"
	Or  CompositeOperator = "or"
)

// CompositeFilter combines filters with AND or OR.
type CompositeFilter struct {
	Op      CompositeOperator
	Filters []Filter
}

func (f *CompositeFilter) Matches(doc *model.MutableDocument) bool {
	if f.Op == Or {
		for _, filter := range f.Filters {
			if filter.Matches(doc) {
				return true
			}
		}
		return len(f.Filters) == 0
	}
	for _, filter := range f.Filters {
		if !filter.Matches(doc) {
			return false
		}
	}
	return true
}

func (f *CompositeFilter) FieldFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, filter := range f.Filters {
		out = append(out, filter.FieldFilters()...)
	}
	return out
}

func (f *CompositeFilter) CanonicalID() string {
	parts := make([]string, len(f.Filters))
	for i, filter := range f.Filters {
		parts[i] = filter.CanonicalID()
	}
	return fmt.Sprintf("%s(%s)", f.Op, strings.Join(parts, ","))
}

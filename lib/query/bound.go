// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"strings"

	"github.com/bureau-foundation/docsync/lib/model"
)

// Direction is an ordering direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// OrderBy orders results by one field.
type OrderBy struct {
	Field     model.FieldPath
	Direction Direction
}

func (o OrderBy) flipped() OrderBy {
	if o.Direction == Descending {
		return OrderBy{Field: o.Field, Direction: Ascending}
	}
	return OrderBy{Field: o.Field, Direction: Descending}
}

func (o OrderBy) compare(a, b *model.MutableDocument) int {
	var comparison int
	if o.Field.IsKeyField() {
		comparison = model.CompareKeys(a.Key(), b.Key())
	} else {
		av, _ := a.Field(o.Field)
		bv, _ := b.Field(o.Field)
		comparison = model.CompareValues(av, bv)
	}
	if o.Direction == Descending {
		return -comparison
	}
	return comparison
}

// Bound is a cursor position: values for a prefix of the order-by
// fields. Inclusive bounds include documents equal to the position.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func (b *Bound) canonicalID() string {
	var builder strings.Builder
	if b.Inclusive {
		builder.WriteString("b:")
	} else {
		builder.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(v.String())
	}
	return builder.String()
}

// compareToDocument orders the bound position against doc under orderBy.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.MutableDocument) int {
	comparison := 0
	for i, position := range b.Position {
		if i >= len(orderBy) {
			break
		}
		ordering := orderBy[i]
		if ordering.Field.IsKeyField() {
			comparison = model.CompareKeys(position.AsReference(), doc.Key())
		} else {
			docValue, _ := doc.Field(ordering.Field)
			comparison = model.CompareValues(position, docValue)
		}
		if ordering.Direction == Descending {
			comparison = -comparison
		}
		if comparison != 0 {
			break
		}
	}
	return comparison
}

// sortsBeforeDocument reports whether a start bound admits doc.
func (b *Bound) sortsBeforeDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	comparison := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return comparison <= 0
	}
	return comparison < 0
}

// sortsAfterDocument reports whether an end bound admits doc.
func (b *Bound) sortsAfterDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	comparison := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return comparison >= 0
	}
	return comparison > 0
}

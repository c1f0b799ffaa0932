// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
)

// TargetRecord is the exported encoding of a Target used on the wire and
// in persistence snapshots.
type TargetRecord struct {
	Path            string          `json:"path"`
	CollectionGroup string          `json:"collectionGroup,omitempty"`
	Filters         []FilterRecord  `json:"filters,omitempty"`
	OrderBy         []OrderByRecord `json:"orderBy,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	StartAt         *BoundRecord    `json:"startAt,omitempty"`
	EndAt           *BoundRecord    `json:"endAt,omitempty"`
}

// FilterRecord encodes either a field filter (Field set) or a composite
// filter (Composite set).
type FilterRecord struct {
	Field     string             `json:"field,omitempty"`
	Op        Operator           `json:"op,omitempty"`
	Value     *model.ValueRecord `json:"value,omitempty"`
	Composite CompositeOperator  `json:"composite,omitempty"`
	Filters   []FilterRecord     `json:"filters,omitempty"`
}

// OrderByRecord encodes an OrderBy.
type OrderByRecord struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// BoundRecord encodes a Bound.
type BoundRecord struct {
	Position  []model.ValueRecord `json:"position"`
	Inclusive bool                `json:"inclusive"`
}

// Record converts t to its exported encoding.
func (t *Target) Record() TargetRecord {
	record := TargetRecord{
		Path:            t.Path.String(),
		CollectionGroup: t.CollectionGroup,
		Limit:           t.Limit,
		StartAt:         boundRecord(t.StartAt),
		EndAt:           boundRecord(t.EndAt),
	}
	for _, filter := range t.Filters {
		record.Filters = append(record.Filters, filterRecord(filter))
	}
	for _, ordering := range t.OrderBy {
		text, _ := ordering.Field.MarshalText()
		record.OrderBy = append(record.OrderBy, OrderByRecord{Field: string(text), Direction: ordering.Direction})
	}
	return record
}

func filterRecord(filter Filter) FilterRecord {
	switch typed := filter.(type) {
	case *FieldFilter:
		text, _ := typed.Field.MarshalText()
		value := typed.Value.Record()
		return FilterRecord{Field: string(text), Op: typed.Op, Value: &value}
	case *CompositeFilter:
		record := FilterRecord{Composite: typed.Op}
		for _, nested := range typed.Filters {
			record.Filters = append(record.Filters, filterRecord(nested))
		}
		return record
	default:
		panic(fmt.Sprintf("query: unknown filter type %T", filter))
	}
}

func boundRecord(bound *Bound) *BoundRecord {
	if bound == nil {
		return nil
	}
	record := &BoundRecord{Inclusive: bound.Inclusive}
	for _, v := range bound.Position {
		record.Position = append(record.Position, v.Record())
	}
	return record
}

// TargetFromRecord decodes a Target.
func TargetFromRecord(record TargetRecord) (*Target, error) {
	path, err := model.ParseResourcePath(record.Path)
	if err != nil {
		return nil, err
	}
	target := &Target{Path: path, CollectionGroup: record.CollectionGroup, Limit: record.Limit}
	for _, encoded := range record.Filters {
		filter, err := filterFromRecord(encoded)
		if err != nil {
			return nil, err
		}
		target.Filters = append(target.Filters, filter)
	}
	for _, encoded := range record.OrderBy {
		field, err := model.ParseFieldPath(encoded.Field)
		if err != nil {
			return nil, err
		}
		target.OrderBy = append(target.OrderBy, OrderBy{Field: field, Direction: encoded.Direction})
	}
	if target.StartAt, err = boundFromRecord(record.StartAt); err != nil {
		return nil, err
	}
	if target.EndAt, err = boundFromRecord(record.EndAt); err != nil {
		return nil, err
	}
	return target, nil
}

func filterFromRecord(record FilterRecord) (Filter, error) {
	if record.Composite != "" {
		composite := &CompositeFilter{Op: record.Composite}
		for _, nested := range record.Filters {
			filter, err := filterFromRecord(nested)
			if err != nil {
				return nil, err
			}
			composite.Filters = append(composite.Filters, filter)
		}
		return composite, nil
	}
	field, err := model.ParseFieldPath(record.Field)
	if err != nil {
		return nil, err
	}
	var value model.Value
	if record.Value != nil {
		if value, err = model.ValueFromRecord(*record.Value); err != nil {
			return nil, err
		}
	}
	return NewFieldFilter(field, record.Op, value), nil
}

func boundFromRecord(record *BoundRecord) (*Bound, error) {
	if record == nil {
		return nil, nil
	}
	bound := &Bound{Inclusive: record.Inclusive}
	for _, encoded := range record.Position {
		v, err := model.ValueFromRecord(encoded)
		if err != nil {
			return nil, err
		}
		bound.Position = append(bound.Position, v)
	}
	return bound, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
)

// Record is the exported encoding of a Mutation, shared by the write
// stream's JSON frames and persistence snapshots.
type Record struct {
	Type         Type                         `json:"type"`
	Key          string                       `json:"key"`
	Fields       map[string]model.ValueRecord `json:"fields,omitempty"`
	Mask         []string                     `json:"mask,omitempty"`
	Precondition *PreconditionRecord          `json:"precondition,omitempty"`
	Transforms   []TransformRecord            `json:"transforms,omitempty"`
}

// TransformRecord is the exported encoding of a FieldTransform.
type TransformRecord struct {
	Field    string              `json:"field"`
	Op       string              `json:"op"`
	Elements []model.ValueRecord `json:"elements,omitempty"`
	Operand  *model.ValueRecord  `json:"operand,omitempty"`
}

const (
	opServerTimestamp = "serverTimestamp"
	opArrayUnion      = "arrayUnion"
	opArrayRemove     = "arrayRemove"
	opIncrement       = "increment"
)

// ToRecord converts m to its exported encoding.
func ToRecord(m Mutation) Record {
	record := Record{
		Type:         m.Type(),
		Key:          m.Key().String(),
		Precondition: m.Precondition().Record(),
	}
	switch typed := m.(type) {
	case *SetMutation:
		record.Fields = typed.value.Records()
	case *PatchMutation:
		record.Fields = typed.value.Records()
		for _, field := range typed.mask.Fields() {
			text, _ := field.MarshalText()
			record.Mask = append(record.Mask, string(text))
		}
	}
	for _, transform := range m.FieldTransforms() {
		text, _ := transform.Field.MarshalText()
		encoded := TransformRecord{Field: string(text)}
		switch op := transform.Operation.(type) {
		case ServerTimestampTransform:
			encoded.Op = opServerTimestamp
		case ArrayUnionTransform:
			encoded.Op = opArrayUnion
			encoded.Elements = valueRecords(op.Elements)
		case ArrayRemoveTransform:
			encoded.Op = opArrayRemove
			encoded.Elements = valueRecords(op.Elements)
		case NumericIncrementTransform:
			encoded.Op = opIncrement
			operand := op.Operand.Record()
			encoded.Operand = &operand
		}
		record.Transforms = append(record.Transforms, encoded)
	}
	return record
}

func valueRecords(values []model.Value) []model.ValueRecord {
	records := make([]model.ValueRecord, len(values))
	for i, v := range values {
		records[i] = v.Record()
	}
	return records
}

// FromRecord decodes a mutation.
func FromRecord(record Record) (Mutation, error) {
	key, err := model.ParseDocumentKey(record.Key)
	if err != nil {
		return nil, fmt.Errorf("mutation: %w", err)
	}
	precondition := preconditionFromRecord(record.Precondition)
	transforms, err := transformsFromRecords(record.Transforms)
	if err != nil {
		return nil, fmt.Errorf("mutation %s: %w", record.Key, err)
	}

	switch record.Type {
	case TypeSet:
		value, err := model.ObjectFromRecords(record.Fields)
		if err != nil {
			return nil, fmt.Errorf("mutation %s: %w", record.Key, err)
		}
		return NewSet(key, value, precondition, transforms...), nil
	case TypePatch:
		value, err := model.ObjectFromRecords(record.Fields)
		if err != nil {
			return nil, fmt.Errorf("mutation %s: %w", record.Key, err)
		}
		paths := make([]model.FieldPath, 0, len(record.Mask))
		for _, text := range record.Mask {
			path, err := model.ParseFieldPath(text)
			if err != nil {
				return nil, fmt.Errorf("mutation %s: %w", record.Key, err)
			}
			paths = append(paths, path)
		}
		return NewPatch(key, value, model.NewFieldMask(paths...), precondition, transforms...), nil
	case TypeDelete:
		return NewDelete(key, precondition), nil
	default:
		return nil, fmt.Errorf("mutation %s: unknown type %q", record.Key, record.Type)
	}
}

func transformsFromRecords(records []TransformRecord) ([]FieldTransform, error) {
	var transforms []FieldTransform
	for _, record := range records {
		field, err := model.ParseFieldPath(record.Field)
		if err != nil {
			return nil, err
		}
		elements := make([]model.Value, 0, len(record.Elements))
		for _, element := range record.Elements {
			v, err := model.ValueFromRecord(element)
			if err != nil {
				return nil, err
			}
			elements = append(elements, v)
		}
		var op TransformOperation
		switch record.Op {
		case opServerTimestamp:
			op = ServerTimestampTransform{}
		case opArrayUnion:
			op = ArrayUnionTransform{Elements: elements}
		case opArrayRemove:
			op = ArrayRemoveTransform{Elements: elements}
		case opIncrement:
			if record.Operand == nil {
				return nil, fmt.Errorf("increment of %s has no operand", record.Field)
			}
			operand, err := model.ValueFromRecord(*record.Operand)
			if err != nil {
				return nil, err
			}
			op = NumericIncrementTransform{Operand: operand}
		default:
			return nil, fmt.Errorf("unknown transform %q", record.Op)
		}
		transforms = append(transforms, FieldTransform{Field: field, Operation: op})
	}
	return transforms, nil
}

// BatchRecord is the exported encoding of a Batch.
type BatchRecord struct {
	BatchID        int             `json:"batchId"`
	LocalWriteTime model.Timestamp `json:"localWriteTime"`
	BaseMutations  []Record        `json:"baseMutations,omitempty"`
	Mutations      []Record        `json:"mutations"`
}

// Record converts b to its exported encoding.
func (b *Batch) Record() BatchRecord {
	record := BatchRecord{BatchID: b.BatchID, LocalWriteTime: b.LocalWriteTime}
	for _, m := range b.BaseMutations {
		record.BaseMutations = append(record.BaseMutations, ToRecord(m))
	}
	for _, m := range b.Mutations {
		record.Mutations = append(record.Mutations, ToRecord(m))
	}
	return record
}

// BatchFromRecord decodes a Batch.
func BatchFromRecord(record BatchRecord) (*Batch, error) {
	batch := &Batch{BatchID: record.BatchID, LocalWriteTime: record.LocalWriteTime}
	for _, encoded := range record.BaseMutations {
		m, err := FromRecord(encoded)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", record.BatchID, err)
		}
		batch.BaseMutations = append(batch.BaseMutations, m)
	}
	for _, encoded := range record.Mutations {
		m, err := FromRecord(encoded)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", record.BatchID, err)
		}
		batch.Mutations = append(batch.Mutations, m)
	}
	return batch, nil
}

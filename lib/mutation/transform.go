// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"math"
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
)

// TransformOperation computes a field's new value from its previous one.
// previous is nil when the field is absent.
type TransformOperation interface {
	// ApplyToLocalView estimates the result before the server confirms.
	ApplyToLocalView(previous *model.Value, localWriteTime model.Timestamp) model.Value

	// ApplyToRemoteDocument applies the server's result for this
	// transform.
	ApplyToRemoteDocument(previous *model.Value, transformResult *model.Value) model.Value

	// ComputeBaseValue returns the value the transform builds on when the
	// transform is not idempotent, or nil.
	ComputeBaseValue(previous *model.Value) *model.Value

	// Equal reports whether both operations are the same.
	Equal(other TransformOperation) bool
}

// FieldTransform binds a TransformOperation to a field.
type FieldTransform struct {
	Field     model.FieldPath
	Operation TransformOperation
}

// ServerTimestampTransform sets a field to the commit time.
type ServerTimestampTransform struct{}

func (ServerTimestampTransform) ApplyToLocalView(previous *model.Value, localWriteTime model.Timestamp) model.Value {
	return model.ServerTimestamp(localWriteTime, previous)
}

func (ServerTimestampTransform) ApplyToRemoteDocument(_ *model.Value, transformResult *model.Value) model.Value {
	if transformResult == nil {
		return model.Null()
	}
	return *transformResult
}

func (ServerTimestampTransform) ComputeBaseValue(*model.Value) *model.Value { return nil }

func (ServerTimestampTransform) Equal(other TransformOperation) bool {
	_, ok := other.(ServerTimestampTransform)
	return ok
}

// ArrayUnionTransform appends elements that are not already present.
type ArrayUnionTransform struct {
	Elements []model.Value
}

func (t ArrayUnionTransform) ApplyToLocalView(previous *model.Value, _ model.Timestamp) model.Value {
	return t.apply(previous)
}

// ApplyToRemoteDocument recomputes the union; the server returns no
// result for array transforms.
func (t ArrayUnionTransform) ApplyToRemoteDocument(previous *model.Value, _ *model.Value) model.Value {
	return t.apply(previous)
}

func (t ArrayUnionTransform) apply(previous *model.Value) model.Value {
	elements := coercedArray(previous)
	for _, element := range t.Elements {
		if !slices.ContainsFunc(elements, element.Equal) {
			elements = append(elements, element)
		}
	}
	return model.Array(elements...)
}

func (ArrayUnionTransform) ComputeBaseValue(*model.Value) *model.Value { return nil }

func (t ArrayUnionTransform) Equal(other TransformOperation) bool {
	o, ok := other.(ArrayUnionTransform)
	return ok && slices.EqualFunc(t.Elements, o.Elements, model.Value.Equal)
}

// ArrayRemoveTransform removes every occurrence of the elements.
type ArrayRemoveTransform struct {
	Elements []model.Value
}

func (t ArrayRemoveTransform) ApplyToLocalView(previous *model.Value, _ model.Timestamp) model.Value {
	return t.apply(previous)
}

func (t ArrayRemoveTransform) ApplyToRemoteDocument(previous *model.Value, _ *model.Value) model.Value {
	return t.apply(previous)
}

func (t ArrayRemoveTransform) apply(previous *model.Value) model.Value {
	elements := coercedArray(previous)
	kept := elements[:0]
	for _, element := range elements {
		if !slices.ContainsFunc(t.Elements, element.Equal) {
			kept = append(kept, element)
		}
	}
	return model.Array(kept...)
}

func (ArrayRemoveTransform) ComputeBaseValue(*model.Value) *model.Value { return nil }

func (t ArrayRemoveTransform) Equal(other TransformOperation) bool {
	o, ok := other.(ArrayRemoveTransform)
	return ok && slices.EqualFunc(t.Elements, o.Elements, model.Value.Equal)
}

func coercedArray(previous *model.Value) []model.Value {
	if previous == nil || previous.Kind() != model.KindArray {
		return nil
	}
	return append([]model.Value(nil), previous.Elements()...)
}

// NumericIncrementTransform adds Operand to a numeric field. Non-numeric
// fields are treated as zero. Integer addition saturates at the int64
// bounds.
type NumericIncrementTransform struct {
	Operand model.Value
}

func (t NumericIncrementTransform) ApplyToLocalView(previous *model.Value, _ model.Timestamp) model.Value {
	base := *t.ComputeBaseValue(previous)
	if base.Kind() == model.KindInteger && t.Operand.Kind() == model.KindInteger {
		return model.Integer(saturatingAdd(base.AsInteger(), t.Operand.AsInteger()))
	}
	return model.Double(base.AsDouble() + t.Operand.AsDouble())
}

func (t NumericIncrementTransform) ApplyToRemoteDocument(previous *model.Value, transformResult *model.Value) model.Value {
	if transformResult == nil {
		return t.ApplyToLocalView(previous, model.Timestamp{})
	}
	return *transformResult
}

func (NumericIncrementTransform) ComputeBaseValue(previous *model.Value) *model.Value {
	if previous != nil && previous.IsNumber() {
		v := *previous
		return &v
	}
	zero := model.Integer(0)
	return &zero
}

func (t NumericIncrementTransform) Equal(other TransformOperation) bool {
	o, ok := other.(NumericIncrementTransform)
	return ok && t.Operand.Equal(o.Operand)
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	default:
		return sum
	}
}

func fieldTransformsEqual(a, b []FieldTransform) bool {
	return slices.EqualFunc(a, b, func(x, y FieldTransform) bool {
		return x.Field.Equal(y.Field) && x.Operation.Equal(y.Operation)
	})
}

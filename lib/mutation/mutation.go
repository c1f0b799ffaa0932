// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/status"
)

// Type distinguishes the mutation variants.
type Type string

const (
	TypeSet    Type = "set"
	TypePatch  Type = "patch"
	TypeDelete Type = "delete"
)

// Result is the server's acknowledgment of one mutation.
type Result struct {
	// Version is the commit version of the document after the write.
	Version model.SnapshotVersion
	// TransformResults holds one value per field transform, in order.
	// Nil when the mutation has no transforms.
	TransformResults []*model.Value
}

// Mutation is a write to a single document. Applying a mutation updates
// a MutableDocument in place; the result depends only on the mutation,
// the document, and (for remote application) the server's result.
type Mutation interface {
	Type() Type
	Key() model.DocumentKey
	Precondition() Precondition
	FieldTransforms() []FieldTransform

	// ApplyToLocalView applies the mutation to doc as a pending local
	// write. previousMask is the set of fields already changed by earlier
	// pending mutations; nil means the whole document. The returned mask
	// has the same meaning and includes this mutation's fields.
	ApplyToLocalView(doc *model.MutableDocument, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask

	// ApplyToRemoteDocument applies the acknowledged mutation using the
	// server's result.
	ApplyToRemoteDocument(doc *model.MutableDocument, result Result)

	Equal(other Mutation) bool
	String() string
}

// SetMutation replaces a document's contents.
type SetMutation struct {
	key          model.DocumentKey
	value        model.ObjectValue
	precondition Precondition
	transforms   []FieldTransform
}

// NewSet returns a set of key to value.
func NewSet(key model.DocumentKey, value model.ObjectValue, precondition Precondition, transforms ...FieldTransform) *SetMutation {
	return &SetMutation{key: key, value: value, precondition: precondition, transforms: transforms}
}

func (m *SetMutation) Type() Type                        { return TypeSet }
func (m *SetMutation) Key() model.DocumentKey            { return m.key }
func (m *SetMutation) Precondition() Precondition        { return m.precondition }
func (m *SetMutation) FieldTransforms() []FieldTransform { return m.transforms }

// Value returns the new document contents.
func (m *SetMutation) Value() model.ObjectValue { return m.value }

func (m *SetMutation) ApplyToLocalView(doc *model.MutableDocument, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask {
	if !m.precondition.IsValidFor(doc) {
		return previousMask
	}
	results := localTransformResults(m.transforms, localWriteTime, doc)
	data := applyTransformResults(m.value, results)
	doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
	return nil
}

func (m *SetMutation) ApplyToRemoteDocument(doc *model.MutableDocument, result Result) {
	results := serverTransformResults(m.transforms, doc, result.TransformResults)
	data := applyTransformResults(m.value, results)
	doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
}

func (m *SetMutation) Equal(other Mutation) bool {
	o, ok := other.(*SetMutation)
	return ok && m.key.Equal(o.key) && m.value.Equal(o.value) &&
		m.precondition.Equal(o.precondition) && fieldTransformsEqual(m.transforms, o.transforms)
}

func (m *SetMutation) String() string {
	return fmt.Sprintf("Set(%s, %s, %s)", m.key, m.value, m.precondition)
}

// PatchMutation merges the fields in Mask. A masked field absent from
// Value is deleted.
type PatchMutation struct {
	key          model.DocumentKey
	value        model.ObjectValue
	mask         model.FieldMask
	precondition Precondition
	transforms   []FieldTransform
}

// NewPatch returns a patch of key. Patches built by the public write path
// use Exists(true); overlays use NoPrecondition.
func NewPatch(key model.DocumentKey, value model.ObjectValue, mask model.FieldMask, precondition Precondition, transforms ...FieldTransform) *PatchMutation {
	return &PatchMutation{key: key, value: value, mask: mask, precondition: precondition, transforms: transforms}
}

func (m *PatchMutation) Type() Type                        { return TypePatch }
func (m *PatchMutation) Key() model.DocumentKey            { return m.key }
func (m *PatchMutation) Precondition() Precondition        { return m.precondition }
func (m *PatchMutation) FieldTransforms() []FieldTransform { return m.transforms }

// Value returns the patch contents.
func (m *PatchMutation) Value() model.ObjectValue { return m.value }

// Mask returns the fields the patch writes.
func (m *PatchMutation) Mask() model.FieldMask { return m.mask }

func (m *PatchMutation) patched(data model.ObjectValue) model.ObjectValue {
	for _, path := range m.mask.Fields() {
		if v, ok := m.value.Field(path); ok {
			data = data.Set(path, v)
		} else {
			data = data.Delete(path)
		}
	}
	return data
}

func (m *PatchMutation) ApplyToLocalView(doc *model.MutableDocument, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask {
	if !m.precondition.IsValidFor(doc) {
		return previousMask
	}
	results := localTransformResults(m.transforms, localWriteTime, doc)
	data := applyTransformResults(m.patched(doc.Data()), results)
	doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
	if previousMask == nil {
		return nil
	}
	fields := append(previousMask.Fields(), m.mask.Fields()...)
	for _, transform := range m.transforms {
		fields = append(fields, transform.Field)
	}
	merged := model.NewFieldMask(fields...)
	return &merged
}

func (m *PatchMutation) ApplyToRemoteDocument(doc *model.MutableDocument, result Result) {
	if !m.precondition.IsValidFor(doc) {
		// The server accepted the patch, so the document exists even
		// though the cache cannot say what it holds.
		doc.ConvertToUnknownDocument(result.Version)
		return
	}
	results := serverTransformResults(m.transforms, doc, result.TransformResults)
	data := applyTransformResults(m.patched(doc.Data()), results)
	doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
}

func (m *PatchMutation) Equal(other Mutation) bool {
	o, ok := other.(*PatchMutation)
	return ok && m.key.Equal(o.key) && m.value.Equal(o.value) && m.mask.Equal(o.mask) &&
		m.precondition.Equal(o.precondition) && fieldTransformsEqual(m.transforms, o.transforms)
}

func (m *PatchMutation) String() string {
	return fmt.Sprintf("Patch(%s, %s, %v, %s)", m.key, m.value, m.mask.Fields(), m.precondition)
}

// DeleteMutation removes a document.
type DeleteMutation struct {
	key          model.DocumentKey
	precondition Precondition
}

// NewDelete returns a delete of key.
func NewDelete(key model.DocumentKey, precondition Precondition) *DeleteMutation {
	return &DeleteMutation{key: key, precondition: precondition}
}

func (m *DeleteMutation) Type() Type                        { return TypeDelete }
func (m *DeleteMutation) Key() model.DocumentKey            { return m.key }
func (m *DeleteMutation) Precondition() Precondition        { return m.precondition }
func (m *DeleteMutation) FieldTransforms() []FieldTransform { return nil }

func (m *DeleteMutation) ApplyToLocalView(doc *model.MutableDocument, previousMask *model.FieldMask, _ model.Timestamp) *model.FieldMask {
	if !m.precondition.IsValidFor(doc) {
		return previousMask
	}
	doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
	return nil
}

func (m *DeleteMutation) ApplyToRemoteDocument(doc *model.MutableDocument, result Result) {
	status.Assert(len(result.TransformResults) == 0, "transform results received for delete of %s", m.key)
	doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
}

func (m *DeleteMutation) Equal(other Mutation) bool {
	o, ok := other.(*DeleteMutation)
	return ok && m.key.Equal(o.key) && m.precondition.Equal(o.precondition)
}

func (m *DeleteMutation) String() string {
	return fmt.Sprintf("Delete(%s, %s)", m.key, m.precondition)
}

type transformResult struct {
	field model.FieldPath
	value model.Value
}

func previousFieldValue(doc *model.MutableDocument, field model.FieldPath) *model.Value {
	if v, ok := doc.Field(field); ok {
		return &v
	}
	return nil
}

func localTransformResults(transforms []FieldTransform, localWriteTime model.Timestamp, doc *model.MutableDocument) []transformResult {
	results := make([]transformResult, 0, len(transforms))
	for _, transform := range transforms {
		previous := previousFieldValue(doc, transform.Field)
		results = append(results, transformResult{
			field: transform.Field,
			value: transform.Operation.ApplyToLocalView(previous, localWriteTime),
		})
	}
	return results
}

func serverTransformResults(transforms []FieldTransform, doc *model.MutableDocument, serverResults []*model.Value) []transformResult {
	status.Assert(len(serverResults) == len(transforms),
		"server transform result count %d does not match %d transforms", len(serverResults), len(transforms))
	results := make([]transformResult, 0, len(transforms))
	for i, transform := range transforms {
		previous := previousFieldValue(doc, transform.Field)
		results = append(results, transformResult{
			field: transform.Field,
			value: transform.Operation.ApplyToRemoteDocument(previous, serverResults[i]),
		})
	}
	return results
}

func applyTransformResults(data model.ObjectValue, results []transformResult) model.ObjectValue {
	for _, result := range results {
		data = data.Set(result.field, result.value)
	}
	return data
}

// ExtractTransformBaseValue returns the base values of m's non-idempotent
// transforms evaluated against doc, or false when m has none. The local
// write path stores them as a base mutation so that replays build on the
// value seen at write time.
func ExtractTransformBaseValue(m Mutation, doc *model.MutableDocument) (model.ObjectValue, bool) {
	base := model.EmptyObject()
	found := false
	for _, transform := range m.FieldTransforms() {
		existing := previousFieldValue(doc, transform.Field)
		if coerced := transform.Operation.ComputeBaseValue(existing); coerced != nil {
			base = base.Set(transform.Field, *coerced)
			found = true
		}
	}
	return base, found
}

// CalculateOverlayMutation returns the single mutation that takes the
// remote version of doc to its current local state, given the fields
// touched by pending writes. It returns nil when doc has no local
// mutations or nothing changed.
func CalculateOverlayMutation(doc *model.MutableDocument, mask *model.FieldMask) Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}
	if mask == nil {
		if doc.IsNoDocument() {
			return NewDelete(doc.Key(), NoPrecondition())
		}
		return NewSet(doc.Key(), doc.Data(), NoPrecondition())
	}

	data := doc.Data()
	patch := model.EmptyObject()
	var paths []model.FieldPath
	for _, path := range mask.Fields() {
		if containsPath(paths, path) {
			continue
		}
		value, ok := data.Field(path)
		// A deleted nested field is expressed by rewriting its parent.
		if !ok && path.Len() > 1 {
			path = path.Parent()
			value, ok = data.Field(path)
		}
		if ok {
			patch = patch.Set(path, value)
		} else {
			patch = patch.Delete(path)
		}
		paths = append(paths, path)
	}
	return NewPatch(doc.Key(), patch, model.NewFieldMask(paths...), NoPrecondition())
}

func containsPath(paths []model.FieldPath, path model.FieldPath) bool {
	for _, candidate := range paths {
		if candidate.Equal(path) {
			return true
		}
	}
	return false
}

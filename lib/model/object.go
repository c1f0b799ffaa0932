// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "encoding/json"

// ObjectValue is the top-level map of a document's fields. Every setter
// returns a new ObjectValue and copies only the maps along the edited
// path.
type ObjectValue struct {
	fields map[string]Value
}

// NewObjectValue returns an object holding fields. fields is copied.
func NewObjectValue(fields map[string]Value) ObjectValue {
	return ObjectValue{fields: Map(fields).fields}
}

// EmptyObject returns an object with no fields.
func EmptyObject() ObjectValue { return ObjectValue{} }

// ObjectFromGo converts a map[string]any via FromGo.
func ObjectFromGo(fields map[string]any) (ObjectValue, error) {
	v, err := FromGo(fields)
	if err != nil {
		return ObjectValue{}, err
	}
	return ObjectValue{fields: v.fields}, nil
}

// MustObject is ObjectFromGo that panics on error.
func MustObject(fields map[string]any) ObjectValue {
	o, err := ObjectFromGo(fields)
	if err != nil {
		panic(err)
	}
	return o
}

// AsValue returns the object as a map Value.
func (o ObjectValue) AsValue() Value { return Value{kind: KindMap, fields: o.fieldsOrEmpty()} }

func (o ObjectValue) fieldsOrEmpty() map[string]Value {
	if o.fields == nil {
		return map[string]Value{}
	}
	return o.fields
}

// Len returns the number of top-level fields.
func (o ObjectValue) Len() int { return len(o.fields) }

// Field returns the value at path. The empty path returns the whole
// object.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.AsValue(), true
	}
	current := o.fields
	for i := 0; i < path.Len()-1; i++ {
		next, ok := current[path.Segment(i)]
		if !ok || next.kind != KindMap {
			return Value{}, false
		}
		current = next.fields
	}
	v, ok := current[path.LastSegment()]
	return v, ok
}

// Set returns an object with path set to value, creating intermediate
// maps and replacing non-map intermediates.
func (o ObjectValue) Set(path FieldPath, value Value) ObjectValue {
	if path.IsEmpty() {
		if value.kind != KindMap {
			return o
		}
		return ObjectValue{fields: value.fields}
	}
	return ObjectValue{fields: setIn(o.fields, path.segments, value)}
}

func setIn(fields map[string]Value, segments []string, value Value) map[string]Value {
	copied := make(map[string]Value, len(fields)+1)
	for k, v := range fields {
		copied[k] = v
	}
	if len(segments) == 1 {
		copied[segments[0]] = value
		return copied
	}
	var childFields map[string]Value
	if child, ok := fields[segments[0]]; ok && child.kind == KindMap {
		childFields = child.fields
	}
	copied[segments[0]] = Value{kind: KindMap, fields: setIn(childFields, segments[1:], value)}
	return copied
}

// Delete returns an object without the field at path. Deleting a missing
// field returns o.
func (o ObjectValue) Delete(path FieldPath) ObjectValue {
	if path.IsEmpty() {
		return EmptyObject()
	}
	return ObjectValue{fields: deleteIn(o.fields, path.segments)}
}

func deleteIn(fields map[string]Value, segments []string) map[string]Value {
	child, ok := fields[segments[0]]
	if !ok {
		return fields
	}
	var replacement map[string]Value
	if len(segments) > 1 {
		if child.kind != KindMap {
			return fields
		}
		replacement = deleteIn(child.fields, segments[1:])
	}
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	if len(segments) == 1 {
		delete(copied, segments[0])
	} else {
		copied[segments[0]] = Value{kind: KindMap, fields: replacement}
	}
	return copied
}

// FieldMask returns the leaf paths of o. Empty nested maps count as
// leaves.
func (o ObjectValue) FieldMask() FieldMask {
	var paths []FieldPath
	collectLeaves(o.fields, FieldPath{}, &paths)
	return NewFieldMask(paths...)
}

func collectLeaves(fields map[string]Value, prefix FieldPath, out *[]FieldPath) {
	for key, v := range fields {
		path := prefix.Child(key)
		if v.kind == KindMap && len(v.fields) > 0 {
			collectLeaves(v.fields, path, out)
			continue
		}
		*out = append(*out, path)
	}
}

// Equal reports deep equality.
func (o ObjectValue) Equal(other ObjectValue) bool {
	return o.AsValue().Equal(other.AsValue())
}

func (o ObjectValue) String() string { return o.AsValue().String() }

// MarshalJSON encodes the object as a map of ValueRecords.
func (o ObjectValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Records())
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (o *ObjectValue) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	o.fields = fields
	return nil
}

// Records returns the fields in their tagged encoding.
func (o ObjectValue) Records() map[string]ValueRecord {
	records := make(map[string]ValueRecord, len(o.fields))
	for key, field := range o.fields {
		records[key] = field.Record()
	}
	return records
}

// ObjectFromRecords decodes fields produced by Records.
func ObjectFromRecords(records map[string]ValueRecord) (ObjectValue, error) {
	fields := make(map[string]Value, len(records))
	for key, record := range records {
		decoded, err := ValueFromRecord(record)
		if err != nil {
			return ObjectValue{}, err
		}
		fields[key] = decoded
	}
	return ObjectValue{fields: fields}, nil
}

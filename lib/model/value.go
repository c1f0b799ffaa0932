// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	// KindServerTimestamp is a local placeholder for a server-assigned
	// timestamp that has not been acknowledged yet. It never appears in
	// documents received from the backend.
	KindServerTimestamp
	KindString
	KindBytes
	KindReference
	KindArray
	KindMap
)

var kindNames = [...]string{
	KindNull:            "null",
	KindBoolean:         "boolean",
	KindInteger:         "integer",
	KindDouble:          "double",
	KindTimestamp:       "timestamp",
	KindServerTimestamp: "server-timestamp",
	KindString:          "string",
	KindBytes:           "bytes",
	KindReference:       "reference",
	KindArray:           "array",
	KindMap:             "map",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// typeOrder groups kinds the way the backend orders them. Integers and
// doubles share a slot and compare numerically.
func (k Kind) typeOrder() int {
	switch k {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindDouble:
		return 2
	case KindTimestamp:
		return 3
	case KindServerTimestamp:
		return 4
	case KindString:
		return 5
	case KindBytes:
		return 6
	case KindReference:
		return 7
	case KindArray:
		return 8
	default:
		return 9
	}
}

// Value is an immutable typed field value. The zero Value is null.
type Value struct {
	kind      Kind
	boolean   bool
	integer   int64
	double    float64
	text      string
	bytes     []byte
	timestamp Timestamp
	reference ResourcePath
	elements  []Value
	fields    map[string]Value
	previous  *Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBoolean, boolean: b} }

// Integer returns a 64-bit integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, integer: i} }

// Double returns a floating point value.
func Double(d float64) Value { return Value{kind: KindDouble, double: d} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, text: s} }

// Bytes returns a bytes value. b is copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: append([]byte{}, b...)} }

// TimestampValue returns a timestamp value.
func TimestampValue(ts Timestamp) Value { return Value{kind: KindTimestamp, timestamp: ts} }

// Reference returns a value referring to another document.
func Reference(key DocumentKey) Value { return Value{kind: KindReference, reference: key.Path()} }

// Array returns an array value holding elements.
func Array(elements ...Value) Value {
	return Value{kind: KindArray, elements: append([]Value{}, elements...)}
}

// Map returns a map value. fields is copied.
func Map(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Value{kind: KindMap, fields: copied}
}

// ServerTimestamp returns the local placeholder for a pending server
// timestamp written at localWriteTime. previous is the field's value
// before the write, if any.
func ServerTimestamp(localWriteTime Timestamp, previous *Value) Value {
	v := Value{kind: KindServerTimestamp, timestamp: localWriteTime}
	if previous != nil {
		// Chained server timestamps keep only the oldest real value.
		if previous.kind == KindServerTimestamp {
			v.previous = previous.previous
		} else {
			p := *previous
			v.previous = &p
		}
	}
	return v
}

// Kind returns the value's type.
func (v Value) Kind() Kind { return v.kind }

// SameTypeOrder reports whether a and b fall in the same ordering group,
// which is the precondition for range comparisons in filters.
func SameTypeOrder(a, b Value) bool { return a.kind.typeOrder() == b.kind.typeOrder() }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumber reports whether v is an integer or a double.
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }

// IsNaN reports whether v is a NaN double.
func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.double) }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.boolean }

// AsInteger returns the integer payload.
func (v Value) AsInteger() int64 { return v.integer }

// AsDouble returns the numeric payload as a float64. Integers convert.
func (v Value) AsDouble() float64 {
	if v.kind == KindInteger {
		return float64(v.integer)
	}
	return v.double
}

// AsString returns the string payload.
func (v Value) AsString() string { return v.text }

// AsBytes returns a copy of the bytes payload.
func (v Value) AsBytes() []byte { return append([]byte{}, v.bytes...) }

// AsTimestamp returns the timestamp payload. For server timestamps this
// is the local write time.
func (v Value) AsTimestamp() Timestamp { return v.timestamp }

// AsReference returns the referenced document key.
func (v Value) AsReference() DocumentKey { return DocumentKey{path: v.reference} }

// Elements returns the array payload. The slice must not be modified.
func (v Value) Elements() []Value { return v.elements }

// Fields returns the map payload. The map must not be modified.
func (v Value) Fields() map[string]Value { return v.fields }

// PreviousValue returns the value a pending server timestamp replaced.
func (v Value) PreviousValue() (Value, bool) {
	if v.previous == nil {
		return Value{}, false
	}
	return *v.previous, true
}

// Equal reports strict equality. Integers never equal doubles, NaN
// equals NaN, and 0.0 differs from -0.0.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.boolean == other.boolean
	case KindInteger:
		return v.integer == other.integer
	case KindDouble:
		if math.IsNaN(v.double) && math.IsNaN(other.double) {
			return true
		}
		return math.Float64bits(v.double) == math.Float64bits(other.double)
	case KindTimestamp, KindServerTimestamp:
		return v.timestamp == other.timestamp
	case KindString:
		return v.text == other.text
	case KindBytes:
		return bytes.Equal(v.bytes, other.bytes)
	case KindReference:
		return v.reference.Equal(other.reference)
	case KindArray:
		return slices.EqualFunc(v.elements, other.elements, Value.Equal)
	case KindMap:
		if len(v.fields) != len(other.fields) {
			return false
		}
		for key, field := range v.fields {
			otherField, ok := other.fields[key]
			if !ok || !field.Equal(otherField) {
				return false
			}
		}
		return true
	}
	return false
}

// CompareValues is the total order over values used by queries.
func CompareValues(a, b Value) int {
	if c := cmp.Compare(a.kind.typeOrder(), b.kind.typeOrder()); c != 0 {
		return c
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBoolean:
		return compareBools(a.boolean, b.boolean)
	case KindInteger, KindDouble:
		return compareNumbers(a, b)
	case KindTimestamp, KindServerTimestamp:
		return a.timestamp.Compare(b.timestamp)
	case KindString:
		return strings.Compare(a.text, b.text)
	case KindBytes:
		return bytes.Compare(a.bytes, b.bytes)
	case KindReference:
		return ComparePaths(a.reference, b.reference)
	case KindArray:
		return slices.CompareFunc(a.elements, b.elements, CompareValues)
	default:
		return compareMaps(a.fields, b.fields)
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareNumbers(a, b Value) int {
	switch {
	case a.kind == KindInteger && b.kind == KindInteger:
		return cmp.Compare(a.integer, b.integer)
	case a.kind == KindDouble && b.kind == KindDouble:
		return cmp.Compare(a.double, b.double)
	case a.kind == KindInteger:
		return compareIntegerToDouble(a.integer, b.double)
	default:
		return -compareIntegerToDouble(b.integer, a.double)
	}
}

// compareIntegerToDouble compares without converting the integer to a
// float, which would lose precision above 2^53.
func compareIntegerToDouble(i int64, d float64) int {
	switch {
	case math.IsNaN(d):
		return 1
	case d < -9.223372036854775808e18:
		return 1
	case d >= 9.223372036854775808e18:
		return -1
	}
	truncated := int64(d)
	if c := cmp.Compare(i, truncated); c != 0 {
		return c
	}
	fraction := d - float64(truncated)
	switch {
	case fraction > 0:
		return -1
	case fraction < 0:
		return 1
	default:
		return 0
	}
}

func compareMaps(a, b map[string]Value) int {
	aKeys := sortedKeys(a)
	bKeys := sortedKeys(b)
	for i := 0; i < len(aKeys) && i < len(bKeys); i++ {
		if c := strings.Compare(aKeys[i], bKeys[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[aKeys[i]], b[bKeys[i]]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(aKeys), len(bKeys))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// String returns the canonical form used in canonical query ids.
func (v Value) String() string {
	var builder strings.Builder
	v.writeCanonical(&builder)
	return builder.String()
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBoolean:
		b.WriteString(strconv.FormatBool(v.boolean))
	case KindInteger:
		b.WriteString(strconv.FormatInt(v.integer, 10))
	case KindDouble:
		b.WriteString(strconv.FormatFloat(v.double, 'g', -1, 64))
	case KindTimestamp:
		fmt.Fprintf(b, "time(%d,%d)", v.timestamp.Seconds, v.timestamp.Nanos)
	case KindServerTimestamp:
		fmt.Fprintf(b, "serverTimestamp(%d,%d)", v.timestamp.Seconds, v.timestamp.Nanos)
	case KindString:
		b.WriteString(v.text)
	case KindBytes:
		b.WriteString(base64.StdEncoding.EncodeToString(v.bytes))
	case KindReference:
		b.WriteString(v.reference.String())
	case KindArray:
		b.WriteByte('[')
		for i, element := range v.elements {
			if i > 0 {
				b.WriteByte(',')
			}
			element.writeCanonical(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, key := range sortedKeys(v.fields) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(key)
			b.WriteByte(':')
			v.fields[key].writeCanonical(b)
		}
		b.WriteByte('}')
	}
}

// ArrayContains reports whether v is an array holding an element equal
// to element.
func (v Value) ArrayContains(element Value) bool {
	if v.kind != KindArray {
		return false
	}
	for _, candidate := range v.elements {
		if candidate.Equal(element) {
			return true
		}
	}
	return false
}

// FromGo converts common Go values: nil, bool, signed integers, floats,
// json.Number, string, []byte, time.Time, Timestamp, DocumentKey,
// []any, map[string]any, and Value itself.
func FromGo(input any) (Value, error) {
	switch typed := input.(type) {
	case nil:
		return Null(), nil
	case Value:
		return typed, nil
	case bool:
		return Bool(typed), nil
	case int:
		return Integer(int64(typed)), nil
	case int32:
		return Integer(int64(typed)), nil
	case int64:
		return Integer(typed), nil
	case float32:
		return Double(float64(typed)), nil
	case float64:
		return Double(typed), nil
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return Integer(i), nil
		}
		f, err := typed.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("model: number %q: %w", typed, err)
		}
		return Double(f), nil
	case string:
		return String(typed), nil
	case []byte:
		return Bytes(typed), nil
	case time.Time:
		return TimestampValue(TimestampFromTime(typed)), nil
	case Timestamp:
		return TimestampValue(typed), nil
	case DocumentKey:
		return Reference(typed), nil
	case []any:
		elements := make([]Value, len(typed))
		for i, element := range typed {
			converted, err := FromGo(element)
			if err != nil {
				return Value{}, fmt.Errorf("model: element %d: %w", i, err)
			}
			elements[i] = converted
		}
		return Value{kind: KindArray, elements: elements}, nil
	case map[string]any:
		fields := make(map[string]Value, len(typed))
		for key, field := range typed {
			converted, err := FromGo(field)
			if err != nil {
				return Value{}, fmt.Errorf("model: field %q: %w", key, err)
			}
			fields[key] = converted
		}
		return Value{kind: KindMap, fields: fields}, nil
	default:
		return Value{}, fmt.Errorf("model: unsupported value type %T", input)
	}
}

// MustValue is FromGo that panics on error.
func MustValue(input any) Value {
	v, err := FromGo(input)
	if err != nil {
		panic(err)
	}
	return v
}

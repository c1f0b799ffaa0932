// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"fmt"
)

// ValueRecord is the exported tagged encoding of a Value. It is what
// JSON wire frames carry and what persistence snapshots store in CBOR.
// Exactly one field is set; a record with no field set is null.
type ValueRecord struct {
	Boolean         *bool                   `json:"booleanValue,omitempty"`
	Integer         *int64                  `json:"integerValue,omitempty"`
	Double          *float64                `json:"doubleValue,omitempty"`
	Timestamp       *Timestamp              `json:"timestampValue,omitempty"`
	String          *string                 `json:"stringValue,omitempty"`
	Bytes           *[]byte                 `json:"bytesValue,omitempty"`
	Reference       *string                 `json:"referenceValue,omitempty"`
	Array           *[]ValueRecord          `json:"arrayValue,omitempty"`
	Map             *map[string]ValueRecord `json:"mapValue,omitempty"`
	ServerTimestamp *ServerTimestampRecord  `json:"serverTimestampValue,omitempty"`
}

// ServerTimestampRecord encodes a pending server timestamp placeholder.
type ServerTimestampRecord struct {
	LocalWriteTime Timestamp    `json:"localWriteTime"`
	Previous       *ValueRecord `json:"previousValue,omitempty"`
}

// Record converts v to its tagged encoding.
func (v Value) Record() ValueRecord {
	switch v.kind {
	case KindBoolean:
		b := v.boolean
		return ValueRecord{Boolean: &b}
	case KindInteger:
		i := v.integer
		return ValueRecord{Integer: &i}
	case KindDouble:
		d := v.double
		return ValueRecord{Double: &d}
	case KindTimestamp:
		ts := v.timestamp
		return ValueRecord{Timestamp: &ts}
	case KindServerTimestamp:
		record := &ServerTimestampRecord{LocalWriteTime: v.timestamp}
		if v.previous != nil {
			previous := v.previous.Record()
			record.Previous = &previous
		}
		return ValueRecord{ServerTimestamp: record}
	case KindString:
		s := v.text
		return ValueRecord{String: &s}
	case KindBytes:
		b := append([]byte{}, v.bytes...)
		return ValueRecord{Bytes: &b}
	case KindReference:
		s := v.reference.String()
		return ValueRecord{Reference: &s}
	case KindArray:
		elements := make([]ValueRecord, len(v.elements))
		for i, element := range v.elements {
			elements[i] = element.Record()
		}
		return ValueRecord{Array: &elements}
	case KindMap:
		fields := make(map[string]ValueRecord, len(v.fields))
		for key, field := range v.fields {
			fields[key] = field.Record()
		}
		return ValueRecord{Map: &fields}
	default:
		return ValueRecord{}
	}
}

// ValueFromRecord converts a tagged encoding back to a Value.
func ValueFromRecord(record ValueRecord) (Value, error) {
	switch {
	case record.Boolean != nil:
		return Bool(*record.Boolean), nil
	case record.Integer != nil:
		return Integer(*record.Integer), nil
	case record.Double != nil:
		return Double(*record.Double), nil
	case record.Timestamp != nil:
		return TimestampValue(*record.Timestamp), nil
	case record.ServerTimestamp != nil:
		var previous *Value
		if record.ServerTimestamp.Previous != nil {
			decoded, err := ValueFromRecord(*record.ServerTimestamp.Previous)
			if err != nil {
				return Value{}, err
			}
			previous = &decoded
		}
		return ServerTimestamp(record.ServerTimestamp.LocalWriteTime, previous), nil
	case record.String != nil:
		return String(*record.String), nil
	case record.Bytes != nil:
		return Bytes(*record.Bytes), nil
	case record.Reference != nil:
		key, err := ParseDocumentKey(*record.Reference)
		if err != nil {
			return Value{}, fmt.Errorf("model: reference value: %w", err)
		}
		return Reference(key), nil
	case record.Array != nil:
		elements := make([]Value, len(*record.Array))
		for i, element := range *record.Array {
			decoded, err := ValueFromRecord(element)
			if err != nil {
				return Value{}, err
			}
			elements[i] = decoded
		}
		return Value{kind: KindArray, elements: elements}, nil
	case record.Map != nil:
		fields := make(map[string]Value, len(*record.Map))
		for key, field := range *record.Map {
			decoded, err := ValueFromRecord(field)
			if err != nil {
				return Value{}, err
			}
			fields[key] = decoded
		}
		return Value{kind: KindMap, fields: fields}, nil
	default:
		return Null(), nil
	}
}

// MarshalJSON encodes v as its ValueRecord.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Record())
}

// UnmarshalJSON decodes a ValueRecord.
func (v *Value) UnmarshalJSON(data []byte) error {
	var record ValueRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}
	decoded, err := ValueFromRecord(record)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

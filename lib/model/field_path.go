// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"cmp"
	"fmt"
	"regexp"
	"strings"
)

// KeyFieldName is the reserved field name that refers to a document's key
// in filters and orderings.
const KeyFieldName = "__name__"

// FieldPath addresses a field inside a document, possibly nested.
type FieldPath struct {
	segments []string
}

// NewFieldPath returns a field path made of segments.
func NewFieldPath(segments ...string) FieldPath {
	return FieldPath{segments: append([]string(nil), segments...)}
}

// ParseFieldPath splits a dotted field path such as "address.city".
// Segments may not be empty.
func ParseFieldPath(path string) (FieldPath, error) {
	if path == "" {
		return FieldPath{}, fmt.Errorf("model: empty field path")
	}
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		if segment == "" {
			return FieldPath{}, fmt.Errorf("model: invalid field path %q", path)
		}
	}
	return FieldPath{segments: segments}, nil
}

// MustField parses a dotted field path and panics on error.
func MustField(path string) FieldPath {
	field, err := ParseFieldPath(path)
	if err != nil {
		panic(err)
	}
	return field
}

// KeyField returns the field path that refers to the document key.
func KeyField() FieldPath { return FieldPath{segments: []string{KeyFieldName}} }

// IsKeyField reports whether f refers to the document key.
func (f FieldPath) IsKeyField() bool {
	return len(f.segments) == 1 && f.segments[0] == KeyFieldName
}

// Len returns the number of segments.
func (f FieldPath) Len() int { return len(f.segments) }

// IsEmpty reports whether f is the empty path (the whole document).
func (f FieldPath) IsEmpty() bool { return len(f.segments) == 0 }

// Segment returns the i-th segment.
func (f FieldPath) Segment(i int) string { return f.segments[i] }

// FirstSegment returns the first segment.
func (f FieldPath) FirstSegment() string { return f.segments[0] }

// LastSegment returns the final segment.
func (f FieldPath) LastSegment() string { return f.segments[len(f.segments)-1] }

// PopFirst returns f without its first segment.
func (f FieldPath) PopFirst() FieldPath { return FieldPath{segments: f.segments[1:]} }

// Parent returns f without its final segment.
func (f FieldPath) Parent() FieldPath {
	return FieldPath{segments: f.segments[:len(f.segments)-1]}
}

// Child returns f extended by segment.
func (f FieldPath) Child(segment string) FieldPath {
	out := make([]string, 0, len(f.segments)+1)
	out = append(out, f.segments...)
	return FieldPath{segments: append(out, segment)}
}

// IsPrefixOf reports whether f is a prefix of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f.segments) > len(other.segments) {
		return false
	}
	for i, segment := range f.segments {
		if other.segments[i] != segment {
			return false
		}
	}
	return true
}

// Equal reports segment-wise equality.
func (f FieldPath) Equal(other FieldPath) bool { return CompareFieldPaths(f, other) == 0 }

var simpleSegment = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// String returns the canonical dotted form. Segments that are not plain
// identifiers are quoted with backticks.
func (f FieldPath) String() string {
	quoted := make([]string, len(f.segments))
	for i, segment := range f.segments {
		if simpleSegment.MatchString(segment) {
			quoted[i] = segment
			continue
		}
		escaped := strings.ReplaceAll(segment, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, "`", "\\`")
		quoted[i] = "`" + escaped + "`"
	}
	return strings.Join(quoted, ".")
}

// MarshalText encodes the path in unquoted dotted form. Segments that
// contain dots do not roundtrip.
func (f FieldPath) MarshalText() ([]byte, error) {
	return []byte(strings.Join(f.segments, ".")), nil
}

// UnmarshalText parses a dotted path.
func (f *FieldPath) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldPath(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// CompareFieldPaths orders field paths segment by segment.
func CompareFieldPaths(a, b FieldPath) int {
	n := min(len(a.segments), len(b.segments))
	for i := 0; i < n; i++ {
		if c := strings.Compare(a.segments[i], b.segments[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.segments), len(b.segments))
}

// FieldMask is a set of field paths touched by a patch.
type FieldMask struct {
	fields []FieldPath
}

// NewFieldMask returns a mask over fields, sorted and deduplicated.
func NewFieldMask(fields ...FieldPath) FieldMask {
	sorted := append([]FieldPath(nil), fields...)
	sortFieldPaths(sorted)
	out := sorted[:0]
	for i, field := range sorted {
		if i > 0 && field.Equal(sorted[i-1]) {
			continue
		}
		out = append(out, field)
	}
	return FieldMask{fields: out}
}

// Fields returns the paths in the mask.
func (m FieldMask) Fields() []FieldPath { return append([]FieldPath(nil), m.fields...) }

// Len returns the number of paths.
func (m FieldMask) Len() int { return len(m.fields) }

// Covers reports whether path is equal to or nested under a path in m.
func (m FieldMask) Covers(path FieldPath) bool {
	for _, field := range m.fields {
		if field.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Union returns the paths present in either mask.
func (m FieldMask) Union(other FieldMask) FieldMask {
	return NewFieldMask(append(m.Fields(), other.fields...)...)
}

// Equal reports whether both masks hold the same paths.
func (m FieldMask) Equal(other FieldMask) bool {
	if len(m.fields) != len(other.fields) {
		return false
	}
	for i := range m.fields {
		if !m.fields[i].Equal(other.fields[i]) {
			return false
		}
	}
	return true
}

func sortFieldPaths(fields []FieldPath) {
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && CompareFieldPaths(fields[j], fields[j-1]) < 0; j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}
}

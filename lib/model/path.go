// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"cmp"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ResourcePath is a slash-separated path to a collection or document.
// Paths are immutable; every derivation returns a fresh path.
type ResourcePath struct {
	segments []string
}

// NewResourcePath returns a path built from segments.
func NewResourcePath(segments ...string) ResourcePath {
	return ResourcePath{segments: append([]string(nil), segments...)}
}

// ParseResourcePath splits a slash-separated path. Leading and trailing
// slashes are ignored; empty inner segments are rejected.
func ParseResourcePath(path string) (ResourcePath, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ResourcePath{}, nil
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" {
			return ResourcePath{}, fmt.Errorf("model: invalid path %q: empty segment", path)
		}
	}
	return ResourcePath{segments: segments}, nil
}

// Len returns the number of segments.
func (p ResourcePath) Len() int { return len(p.segments) }

// IsEmpty reports whether the path has no segments.
func (p ResourcePath) IsEmpty() bool { return len(p.segments) == 0 }

// Segment returns the i-th segment.
func (p ResourcePath) Segment(i int) string { return p.segments[i] }

// Segments returns a copy of the segments.
func (p ResourcePath) Segments() []string { return append([]string(nil), p.segments...) }

// LastSegment returns the final segment, or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Child returns the path extended by segment.
func (p ResourcePath) Child(segment ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segment))
	out = append(out, p.segments...)
	out = append(out, segment...)
	return ResourcePath{segments: out}
}

// Parent returns the path without its final segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: p.segments[:len(p.segments)-1]}
}

// IsPrefixOf reports whether p is a prefix of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, segment := range p.segments {
		if other.segments[i] != segment {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is p plus exactly one segment.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

// Equal reports segment-wise equality.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return ComparePaths(p, other) == 0
}

func (p ResourcePath) String() string { return strings.Join(p.segments, "/") }

// MarshalText encodes the path in slash form.
func (p ResourcePath) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses the slash form.
func (p *ResourcePath) UnmarshalText(text []byte) error {
	parsed, err := ParseResourcePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

var numericIDPattern = regexp.MustCompile(`^__id(-?\d+)__$`)

// numericID extracts the id from a segment of the form __id123__.
func numericID(segment string) (int64, bool) {
	match := numericIDPattern.FindStringSubmatch(segment)
	if match == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CompareSegments orders two path segments: numeric ids before names,
// numeric ids by value, names lexicographically by UTF-8 bytes.
func CompareSegments(a, b string) int {
	aID, aNumeric := numericID(a)
	bID, bNumeric := numericID(b)
	switch {
	case aNumeric && bNumeric:
		return cmp.Compare(aID, bID)
	case aNumeric:
		return -1
	case bNumeric:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// ComparePaths orders paths segment by segment; a prefix sorts first.
func ComparePaths(a, b ResourcePath) int {
	n := min(len(a.segments), len(b.segments))
	for i := 0; i < n; i++ {
		if c := CompareSegments(a.segments[i], b.segments[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.segments), len(b.segments))
}

// DocumentKey identifies one document: a resource path with an even
// number of segments.
type DocumentKey struct {
	path ResourcePath
}

// NewDocumentKey wraps path, which must name a document.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if path.Len() == 0 || path.Len()%2 != 0 {
		return DocumentKey{}, fmt.Errorf("model: %q is not a document path", path)
	}
	return DocumentKey{path: path}, nil
}

// ParseDocumentKey parses a slash-separated document path.
func ParseDocumentKey(path string) (DocumentKey, error) {
	parsed, err := ParseResourcePath(path)
	if err != nil {
		return DocumentKey{}, err
	}
	return NewDocumentKey(parsed)
}

// MustKey parses a document path and panics on error. Intended for
// tests and literals.
func MustKey(path string) DocumentKey {
	key, err := ParseDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

// Path returns the key's resource path.
func (k DocumentKey) Path() ResourcePath { return k.path }

// IsZero reports whether k is the zero key.
func (k DocumentKey) IsZero() bool { return k.path.IsEmpty() }

// CollectionPath returns the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath { return k.path.Parent() }

// CollectionGroup returns the id of the collection holding the document.
func (k DocumentKey) CollectionGroup() string {
	return k.path.Segment(k.path.Len() - 2)
}

// ID returns the document id, the final path segment.
func (k DocumentKey) ID() string { return k.path.LastSegment() }

// HasCollectionID reports whether the document lives in a collection
// named id.
func (k DocumentKey) HasCollectionID(id string) bool {
	return k.path.Len() >= 2 && k.path.Segment(k.path.Len()-2) == id
}

// Equal reports whether both keys name the same document.
func (k DocumentKey) Equal(other DocumentKey) bool { return CompareKeys(k, other) == 0 }

func (k DocumentKey) String() string { return k.path.String() }

// MarshalText encodes the key as its path.
func (k DocumentKey) MarshalText() ([]byte, error) { return []byte(k.path.String()), nil }

// UnmarshalText parses a document path.
func (k *DocumentKey) UnmarshalText(text []byte) error {
	parsed, err := ParseDocumentKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CompareKeys is the total order over document keys.
func CompareKeys(a, b DocumentKey) int { return ComparePaths(a.path, b.path) }

// RangeStart returns a key that sorts before every document under
// path and after every key outside it that sorts before path. It is
// only meaningful as a lower bound for ordered iteration.
func RangeStart(path ResourcePath) DocumentKey { return DocumentKey{path: path} }

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// DocumentKind is what the client knows about a document's existence.
type DocumentKind int

const (
	// KindInvalid is a placeholder for a key the cache knows nothing about.
	KindInvalid DocumentKind = iota
	// KindFoundDocument exists and has data.
	KindFoundDocument
	// KindNoDocument is known not to exist at Version.
	KindNoDocument
	// KindUnknownDocument exists at Version but its contents are unknown,
	// which happens after a write is acknowledged for a document the
	// client never read.
	KindUnknownDocument
)

func (k DocumentKind) String() string {
	switch k {
	case KindFoundDocument:
		return "found"
	case KindNoDocument:
		return "no-document"
	case KindUnknownDocument:
		return "unknown"
	default:
		return "invalid"
	}
}

// WriteState records whether the document reflects writes the server has
// not yet confirmed.
type WriteState int

const (
	Synced WriteState = iota
	// HasLocalMutations means pending local writes are applied to the
	// data. Version is always MinVersion in this state.
	HasLocalMutations
	// HasCommittedMutations means acknowledged writes are applied but the
	// watch stream has not delivered the resulting version yet.
	HasCommittedMutations
)

func (s WriteState) String() string {
	switch s {
	case HasLocalMutations:
		return "has-local-mutations"
	case HasCommittedMutations:
		return "has-committed-mutations"
	default:
		return "synced"
	}
}

// MutableDocument is the client's view of one document. Caches store
// private copies; callers that keep a document across a transaction
// boundary take a Clone.
type MutableDocument struct {
	key        DocumentKey
	kind       DocumentKind
	version    SnapshotVersion
	readTime   SnapshotVersion
	data       ObjectValue
	writeState WriteState
}

// NewInvalidDocument returns a placeholder for key.
func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{key: key}
}

// NewFoundDocument returns an existing document.
func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

// NewNoDocument returns a document known to be missing at version.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

// NewUnknownDocument returns a document known to exist with unknown data.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// ConvertToFoundDocument marks the document as existing with data.
func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *MutableDocument {
	d.version = version
	d.kind = KindFoundDocument
	d.data = data
	d.writeState = Synced
	return d
}

// ConvertToNoDocument marks the document as deleted at version.
func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.kind = KindNoDocument
	d.data = EmptyObject()
	d.writeState = Synced
	return d
}

// ConvertToUnknownDocument marks the document as existing at version with
// unknown contents. Unknown documents always carry committed mutations.
func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.kind = KindUnknownDocument
	d.data = EmptyObject()
	d.writeState = HasCommittedMutations
	return d
}

// SetHasCommittedMutations flags acknowledged but unobserved writes.
func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.writeState = HasCommittedMutations
	return d
}

// SetHasLocalMutations flags pending local writes and resets the version,
// since the local data no longer corresponds to any server version.
func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.writeState = HasLocalMutations
	d.version = MinVersion
	return d
}

// SetReadTime records when the document was read from the backend.
func (d *MutableDocument) SetReadTime(readTime SnapshotVersion) *MutableDocument {
	d.readTime = readTime
	return d
}

// SetData replaces the document's fields without changing its kind.
func (d *MutableDocument) SetData(data ObjectValue) *MutableDocument {
	d.data = data
	return d
}

// Key returns the document key.
func (d *MutableDocument) Key() DocumentKey { return d.key }

// Kind returns the existence state.
func (d *MutableDocument) Kind() DocumentKind { return d.kind }

// Version returns the server version, MinVersion with local mutations.
func (d *MutableDocument) Version() SnapshotVersion { return d.version }

// ReadTime returns when the document was last read from the backend.
func (d *MutableDocument) ReadTime() SnapshotVersion { return d.readTime }

// Data returns the document fields.
func (d *MutableDocument) Data() ObjectValue { return d.data }

// WriteState returns the pending-write state.
func (d *MutableDocument) WriteState() WriteState { return d.writeState }

// Field returns the value at path.
func (d *MutableDocument) Field(path FieldPath) (Value, bool) {
	if path.IsKeyField() {
		return Reference(d.key), true
	}
	return d.data.Field(path)
}

// IsValidDocument reports whether the document is anything but a
// placeholder.
func (d *MutableDocument) IsValidDocument() bool { return d.kind != KindInvalid }

// IsFoundDocument reports whether the document exists with data.
func (d *MutableDocument) IsFoundDocument() bool { return d.kind == KindFoundDocument }

// IsNoDocument reports whether the document is known to be missing.
func (d *MutableDocument) IsNoDocument() bool { return d.kind == KindNoDocument }

// IsUnknownDocument reports whether the document exists with unknown data.
func (d *MutableDocument) IsUnknownDocument() bool { return d.kind == KindUnknownDocument }

// HasLocalMutations reports pending local writes.
func (d *MutableDocument) HasLocalMutations() bool { return d.writeState == HasLocalMutations }

// HasCommittedMutations reports acknowledged, unobserved writes.
func (d *MutableDocument) HasCommittedMutations() bool {
	return d.writeState == HasCommittedMutations
}

// HasPendingWrites reports either kind of unconfirmed write.
func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

// Clone returns an independent copy. ObjectValue is immutable so the data
// is shared.
func (d *MutableDocument) Clone() *MutableDocument {
	c := *d
	return &c
}

// Equal compares key, kind, version, write state, and data. ReadTime is
// local bookkeeping and is ignored.
func (d *MutableDocument) Equal(other *MutableDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.key.Equal(other.key) &&
		d.kind == other.kind &&
		d.version == other.version &&
		d.writeState == other.writeState &&
		d.data.Equal(other.data)
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %s, %s)", d.key, d.kind, d.version, d.writeState, d.data)
}

// DocumentRecord is the exported encoding of a MutableDocument used by
// persistence snapshots and the wire protocol.
type DocumentRecord struct {
	Key        string                 `json:"key"`
	Kind       DocumentKind           `json:"kind"`
	Version    Timestamp              `json:"version"`
	ReadTime   Timestamp              `json:"readTime"`
	Fields     map[string]ValueRecord `json:"fields,omitempty"`
	WriteState WriteState             `json:"writeState,omitempty"`
}

// Record converts d to its exported encoding.
func (d *MutableDocument) Record() DocumentRecord {
	return DocumentRecord{
		Key:        d.key.String(),
		Kind:       d.kind,
		Version:    d.version.Timestamp(),
		ReadTime:   d.readTime.Timestamp(),
		Fields:     d.data.Records(),
		WriteState: d.writeState,
	}
}

// DocumentFromRecord decodes a DocumentRecord.
func DocumentFromRecord(record DocumentRecord) (*MutableDocument, error) {
	key, err := ParseDocumentKey(record.Key)
	if err != nil {
		return nil, err
	}
	data, err := ObjectFromRecords(record.Fields)
	if err != nil {
		return nil, fmt.Errorf("model: document %s: %w", record.Key, err)
	}
	return &MutableDocument{
		key:        key,
		kind:       record.Kind,
		version:    NewVersion(record.Version),
		readTime:   NewVersion(record.ReadTime),
		data:       data,
		writeState: record.WriteState,
	}, nil
}

// DocumentKeySet is an ordered set of document keys.
type DocumentKeySet = sortedmap.Set[DocumentKey]

// NewDocumentKeySet returns a set holding keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	set := sortedmap.NewSet[DocumentKey](CompareKeys)
	for _, key := range keys {
		set = set.Insert(key)
	}
	return set
}

// DocumentMap is an ordered map from key to document.
type DocumentMap = sortedmap.Map[DocumentKey, *MutableDocument]

// NewDocumentMap returns an empty DocumentMap.
func NewDocumentMap() DocumentMap {
	return sortedmap.New[DocumentKey, *MutableDocument](CompareKeys)
}

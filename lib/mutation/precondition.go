// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
)

// Precondition guards a mutation on the current state of its document.
// At most one of the two conditions is set.
type Precondition struct {
	exists     *bool
	updateTime *model.SnapshotVersion
}

// NoPrecondition always holds.
func NoPrecondition() Precondition { return Precondition{} }

// Exists requires the document to exist (or not to).
func Exists(exists bool) Precondition { return Precondition{exists: &exists} }

// UpdateTime requires the document to exist at exactly version.
func UpdateTime(version model.SnapshotVersion) Precondition {
	return Precondition{updateTime: &version}
}

// IsNone reports whether p imposes no condition.
func (p Precondition) IsNone() bool { return p.exists == nil && p.updateTime == nil }

// IsValidFor reports whether doc satisfies p.
func (p Precondition) IsValidFor(doc *model.MutableDocument) bool {
	switch {
	case p.updateTime != nil:
		return doc.IsFoundDocument() && doc.Version() == *p.updateTime
	case p.exists != nil:
		return *p.exists == doc.IsFoundDocument()
	default:
		return true
	}
}

// Equal reports whether both preconditions impose the same condition.
func (p Precondition) Equal(other Precondition) bool {
	switch {
	case p.exists != nil || other.exists != nil:
		return p.exists != nil && other.exists != nil && *p.exists == *other.exists
	case p.updateTime != nil || other.updateTime != nil:
		return p.updateTime != nil && other.updateTime != nil && *p.updateTime == *other.updateTime
	default:
		return true
	}
}

func (p Precondition) String() string {
	switch {
	case p.exists != nil:
		return fmt.Sprintf("exists=%t", *p.exists)
	case p.updateTime != nil:
		return fmt.Sprintf("updateTime=%s", *p.updateTime)
	default:
		return "none"
	}
}

// PreconditionRecord is the exported encoding of a Precondition.
type PreconditionRecord struct {
	Exists     *bool            `json:"exists,omitempty"`
	UpdateTime *model.Timestamp `json:"updateTime,omitempty"`
}

// Record converts p to its exported encoding.
func (p Precondition) Record() *PreconditionRecord {
	if p.IsNone() {
		return nil
	}
	record := &PreconditionRecord{Exists: p.exists}
	if p.updateTime != nil {
		ts := p.updateTime.Timestamp()
		record.UpdateTime = &ts
	}
	return record
}

func preconditionFromRecord(record *PreconditionRecord) Precondition {
	switch {
	case record == nil:
		return NoPrecondition()
	case record.UpdateTime != nil:
		return UpdateTime(model.NewVersion(*record.UpdateTime))
	case record.Exists != nil:
		return Exists(*record.Exists)
	default:
		return NoPrecondition()
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"bytes"
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
)

// Purpose says why a target is being listened to.
type Purpose int

const (
	// PurposeListen is a target backing a user query.
	PurposeListen Purpose = iota

	// PurposeExistenceFilterMismatch re-listens a target whose
	// existence filter count disagreed with the cache.
	PurposeExistenceFilterMismatch

	// PurposeExistenceFilterMismatchBloom re-listens a target whose
	// bloom filter could not resolve the disagreement.
	PurposeExistenceFilterMismatchBloom

	// PurposeLimboResolution is a single-document target resolving a
	// limbo document.
	PurposeLimboResolution
)

var purposeNames = [...]string{
	PurposeListen:                       "listen",
	PurposeExistenceFilterMismatch:      "existence-filter-mismatch",
	PurposeExistenceFilterMismatchBloom: "existence-filter-mismatch-bloom",
	PurposeLimboResolution:              "limbo-resolution",
}

func (p Purpose) String() string {
	if p >= 0 && int(p) < len(purposeNames) {
		return purposeNames[p]
	}
	return fmt.Sprintf("Purpose(%d)", int(p))
}

// TargetData is everything the client tracks about one target.
// TargetData values are immutable; the With methods return copies.
type TargetData struct {
	Target   *query.Target
	TargetID int
	Purpose  Purpose

	// SequenceNumber is the last transaction that used the target.
	SequenceNumber SequenceNumber

	// SnapshotVersion is the version the target was last consistent
	// at, as reported with ResumeToken.
	SnapshotVersion model.SnapshotVersion

	// LastLimboFreeSnapshotVersion is the last version at which the
	// target's view had no limbo documents. Previous-result replay is
	// only possible from such a version.
	LastLimboFreeSnapshotVersion model.SnapshotVersion

	// ResumeToken is the opaque cursor to resume the listen from.
	ResumeToken []byte

	// ExpectedCount is the number of documents the client believed
	// matched the target when it resumed. Nil when unknown.
	ExpectedCount *int
}

// NewTargetData returns target data for a target that has never been
// listened to.
func NewTargetData(target *query.Target, targetID int, purpose Purpose, sequenceNumber SequenceNumber) TargetData {
	return TargetData{
		Target:                       target,
		TargetID:                     targetID,
		Purpose:                      purpose,
		SequenceNumber:               sequenceNumber,
		SnapshotVersion:              model.MinVersion,
		LastLimboFreeSnapshotVersion: model.MinVersion,
	}
}

// WithSequenceNumber returns a copy stamped with sequenceNumber.
func (t TargetData) WithSequenceNumber(sequenceNumber SequenceNumber) TargetData {
	t.SequenceNumber = sequenceNumber
	return t
}

// WithResumeToken returns a copy resuming from token at version. The
// expected count is cleared; it only applies to the token it was
// computed against.
func (t TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) TargetData {
	t.ResumeToken = token
	t.SnapshotVersion = version
	t.ExpectedCount = nil
	return t
}

// WithExpectedCount returns a copy with the expected document count.
func (t TargetData) WithExpectedCount(count int) TargetData {
	t.ExpectedCount = &count
	return t
}

// WithLastLimboFreeSnapshotVersion returns a copy with version as the
// last limbo-free version.
func (t TargetData) WithLastLimboFreeSnapshotVersion(version model.SnapshotVersion) TargetData {
	t.LastLimboFreeSnapshotVersion = version
	return t
}

// Equal compares every field.
func (t TargetData) Equal(other TargetData) bool {
	if (t.ExpectedCount == nil) != (other.ExpectedCount == nil) ||
		(t.ExpectedCount != nil && *t.ExpectedCount != *other.ExpectedCount) {
		return false
	}
	return t.Target.Equal(other.Target) &&
		t.TargetID == other.TargetID &&
		t.Purpose == other.Purpose &&
		t.SequenceNumber == other.SequenceNumber &&
		t.SnapshotVersion.Compare(other.SnapshotVersion) == 0 &&
		t.LastLimboFreeSnapshotVersion.Compare(other.LastLimboFreeSnapshotVersion) == 0 &&
		bytes.Equal(t.ResumeToken, other.ResumeToken)
}

func (t TargetData) String() string {
	return fmt.Sprintf("TargetData(id=%d, %s, purpose=%s, seq=%d, version=%s)",
		t.TargetID, t.Target, t.Purpose, t.SequenceNumber, t.SnapshotVersion)
}

// TargetDataRecord is the exported encoding of TargetData.
type TargetDataRecord struct {
	Target                       query.TargetRecord `json:"target"`
	TargetID                     int                `json:"targetId"`
	Purpose                      Purpose            `json:"purpose"`
	SequenceNumber               SequenceNumber     `json:"sequenceNumber"`
	SnapshotVersion              model.Timestamp    `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion model.Timestamp    `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte             `json:"resumeToken,omitempty"`
	ExpectedCount                *int               `json:"expectedCount,omitempty"`
}

// Record converts t to its exported encoding.
func (t TargetData) Record() TargetDataRecord {
	return TargetDataRecord{
		Target:                       t.Target.Record(),
		TargetID:                     t.TargetID,
		Purpose:                      t.Purpose,
		SequenceNumber:               t.SequenceNumber,
		SnapshotVersion:              t.SnapshotVersion.Timestamp(),
		LastLimboFreeSnapshotVersion: t.LastLimboFreeSnapshotVersion.Timestamp(),
		ResumeToken:                  t.ResumeToken,
		ExpectedCount:                t.ExpectedCount,
	}
}

// TargetDataFromRecord decodes a TargetDataRecord.
func TargetDataFromRecord(record TargetDataRecord) (TargetData, error) {
	target, err := query.TargetFromRecord(record.Target)
	if err != nil {
		return TargetData{}, fmt.Errorf("persistence: target %d: %w", record.TargetID, err)
	}
	return TargetData{
		Target:                       target,
		TargetID:                     record.TargetID,
		Purpose:                      record.Purpose,
		SequenceNumber:               record.SequenceNumber,
		SnapshotVersion:              model.NewVersion(record.SnapshotVersion),
		LastLimboFreeSnapshotVersion: model.NewVersion(record.LastLimboFreeSnapshotVersion),
		ResumeToken:                  record.ResumeToken,
		ExpectedCount:                record.ExpectedCount,
	}, nil
}

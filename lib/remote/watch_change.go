// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import "github.com/bureau-foundation/docsync/lib/model"

// WatchChange is one decoded inbound watch frame: a
// *DocumentWatchChange, *WatchTargetChange, or *ExistenceFilterChange.
type WatchChange interface {
	watchChange()
}

// DocumentWatchChange moves a document into, out of, or within
// targets. NewDocument is nil when the document left the targets
// without the backend saying anything about its state.
type DocumentWatchChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              model.DocumentKey
	NewDocument      *model.MutableDocument
}

// WatchTargetChange changes the state of targets. An empty TargetIDs
// applies the change to every target the aggregator tracks.
type WatchTargetChange struct {
	State       TargetChangeState
	TargetIDs   []int
	ResumeToken []byte

	// Cause is set when the backend removed the targets with an
	// error.
	Cause error
}

// ExistenceFilterChange reports the backend's count of documents
// matching a target.
type ExistenceFilterChange struct {
	TargetID int
	Count    int

	// UnchangedNames is the bloom filter over the matching document
	// names, nil when the backend sent none.
	UnchangedNames *BloomFilterFrame
}

func (*DocumentWatchChange) watchChange()   {}
func (*WatchTargetChange) watchChange()     {}
func (*ExistenceFilterChange) watchChange() {}

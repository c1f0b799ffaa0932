// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

// SequenceNumber orders transactions for LRU purposes. A target or
// document stamped with a lower number was used less recently.
type SequenceNumber int64

// InvalidSequenceNumber marks an unset sequence number.
const InvalidSequenceNumber SequenceNumber = -1

// ListenSequence hands out increasing sequence numbers.
type ListenSequence struct {
	previous SequenceNumber
}

// NewListenSequence returns a sequence whose first Next is
// start + 1.
func NewListenSequence(start SequenceNumber) *ListenSequence {
	return &ListenSequence{previous: start}
}

// Next returns the next sequence number.
func (s *ListenSequence) Next() SequenceNumber {
	s.previous++
	return s.previous
}

// Current returns the most recently issued number.
func (s *ListenSequence) Current() SequenceNumber { return s.previous }

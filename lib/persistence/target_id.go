// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

// TargetIDGenerator issues target ids from one of two disjoint
// sequences: even ids for targets allocated by the local store and odd
// ids for limbo resolution targets allocated by the sync engine.
type TargetIDGenerator struct {
	next int
}

// ForTargetCache returns a generator whose first id is the smallest
// even id greater than highest.
func ForTargetCache(highest int) *TargetIDGenerator {
	return newTargetIDGenerator(0, highest)
}

// ForSyncEngine returns the generator for limbo targets, starting at 1.
func ForSyncEngine() *TargetIDGenerator {
	return newTargetIDGenerator(1, -1)
}

func newTargetIDGenerator(parity, after int) *TargetIDGenerator {
	next := after + 1
	if next < parity {
		next = parity
	}
	if next%2 != parity {
		next++
	}
	return &TargetIDGenerator{next: next}
}

// Next returns the next id.
func (g *TargetIDGenerator) Next() int {
	id := g.next
	g.next += 2
	return id
}

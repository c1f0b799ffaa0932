// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sortedmap

import "iter"

// Set is a persistent ordered set built on Map.
type Set[K any] struct {
	m Map[K, struct{}]
}

// NewSet returns an empty set ordered by cmp.
func NewSet[K any](cmp func(a, b K) int) Set[K] {
	return Set[K]{m: New[K, struct{}](cmp)}
}

// Len returns the number of elements.
func (s Set[K]) Len() int { return s.m.Len() }

// IsEmpty reports whether the set has no elements.
func (s Set[K]) IsEmpty() bool { return s.m.IsEmpty() }

// Has reports whether key is an element.
func (s Set[K]) Has(key K) bool { return s.m.Contains(key) }

// Insert returns a set containing key.
func (s Set[K]) Insert(key K) Set[K] {
	if s.m.Contains(key) {
		return s
	}
	return Set[K]{m: s.m.Insert(key, struct{}{})}
}

// Remove returns a set without key.
func (s Set[K]) Remove(key K) Set[K] {
	return Set[K]{m: s.m.Remove(key)}
}

// Union returns the elements of s and other. The larger set is used as
// the base so that the smaller one is the one iterated.
func (s Set[K]) Union(other Set[K]) Set[K] {
	base, small := s, other
	if other.Len() > s.Len() {
		base, small = other, s
	}
	for key := range small.All() {
		base = base.Insert(key)
	}
	return base
}

// Equal reports whether both sets hold the same elements.
func (s Set[K]) Equal(other Set[K]) bool {
	if s.Len() != other.Len() {
		return false
	}
	next, stop := iter.Pull(other.All())
	defer stop()
	for key := range s.All() {
		otherKey, ok := next()
		if !ok || s.m.cmp(key, otherKey) != 0 {
			return false
		}
	}
	return true
}

// First returns the smallest element.
func (s Set[K]) First() (K, bool) {
	k, _, ok := s.m.Min()
	return k, ok
}

// Last returns the largest element.
func (s Set[K]) Last() (K, bool) {
	k, _, ok := s.m.Max()
	return k, ok
}

// All iterates elements in ascending order.
func (s Set[K]) All() iter.Seq[K] { return s.m.Keys() }

// Backward iterates elements in descending order.
func (s Set[K]) Backward() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.m.Backward() {
			if !yield(k) {
				return
			}
		}
	}
}

// From iterates elements greater than or equal to from.
func (s Set[K]) From(from K) iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.m.From(from) {
			if !yield(k) {
				return
			}
		}
	}
}

// Slice returns the elements in ascending order.
func (s Set[K]) Slice() []K {
	out := make([]K, 0, s.Len())
	for k := range s.All() {
		out = append(out, k)
	}
	return out
}

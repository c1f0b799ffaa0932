// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sortedmap

import "iter"

// Map is a persistent ordered map. The zero value is not usable; create
// maps with New. Map values are small (a root pointer and a comparator)
// and are passed by value.
type Map[K, V any] struct {
	root *node[K, V]
	cmp  func(a, b K) int
}

// New returns an empty map ordered by cmp. cmp must define a strict
// total order and return a negative, zero, or positive result.
func New[K, V any](cmp func(a, b K) int) Map[K, V] {
	return Map[K, V]{cmp: cmp}
}

// Comparator returns the ordering function the map was created with.
func (m Map[K, V]) Comparator() func(a, b K) int { return m.cmp }

// Len returns the number of entries.
func (m Map[K, V]) Len() int { return sizeOf(m.root) }

// IsEmpty reports whether the map has no entries.
func (m Map[K, V]) IsEmpty() bool { return m.root == nil }

// Get returns the value stored for key.
func (m Map[K, V]) Get(key K) (V, bool) {
	if n := get(m.root, key, m.cmp); n != nil {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present.
func (m Map[K, V]) Contains(key K) bool {
	return get(m.root, key, m.cmp) != nil
}

// Insert returns a map with key set to value. An existing entry for key
// is replaced.
func (m Map[K, V]) Insert(key K, value V) Map[K, V] {
	root := insert(m.root, key, value, m.cmp)
	root.red = false
	return Map[K, V]{root: root, cmp: m.cmp}
}

// Remove returns a map without key. Removing an absent key returns m.
func (m Map[K, V]) Remove(key K) Map[K, V] {
	if !m.Contains(key) {
		return m
	}
	root := m.root
	if !isRed(root.left) && !isRed(root.right) {
		root = root.clone()
		root.red = true
	}
	root = remove(root, key, m.cmp)
	if root != nil {
		root.red = false
	}
	return Map[K, V]{root: root, cmp: m.cmp}
}

// Min returns the smallest key and its value.
func (m Map[K, V]) Min() (K, V, bool) {
	if m.root == nil {
		var k K
		var v V
		return k, v, false
	}
	n := minNode(m.root)
	return n.key, n.value, true
}

// Max returns the largest key and its value.
func (m Map[K, V]) Max() (K, V, bool) {
	n := m.root
	if n == nil {
		var k K
		var v V
		return k, v, false
	}
	for n.right != nil {
		n = n.right
	}
	return n.key, n.value, true
}

// IndexOf returns the zero-based rank of key, or -1 when absent.
func (m Map[K, V]) IndexOf(key K) int {
	prunedSize := 0
	n := m.root
	for n != nil {
		switch c := m.cmp(key, n.key); {
		case c == 0:
			return prunedSize + sizeOf(n.left)
		case c < 0:
			n = n.left
		default:
			prunedSize += sizeOf(n.left) + 1
			n = n.right
		}
	}
	return -1
}

// All iterates entries in ascending key order.
func (m Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		ascend(m.root, yield)
	}
}

// Backward iterates entries in descending key order.
func (m Map[K, V]) Backward() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		descend(m.root, yield)
	}
}

// From iterates, in ascending order, the entries whose key is greater
// than or equal to from.
func (m Map[K, V]) From(from K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		ascendFrom(m.root, from, m.cmp, yield)
	}
}

// Keys iterates keys in ascending order.
func (m Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		ascend(m.root, func(k K, _ V) bool { return yield(k) })
	}
}

// Values iterates values in ascending key order.
func (m Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		ascend(m.root, func(_ K, v V) bool { return yield(v) })
	}
}

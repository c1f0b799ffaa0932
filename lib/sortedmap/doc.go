// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sortedmap provides persistent ordered containers backed by a
// left-leaning red-black tree.
//
// Every mutating operation returns a new container and leaves the
// receiver untouched. Unchanged subtrees are shared between the old and
// new versions, so taking a snapshot is free and a reader holding an old
// version never observes later edits. The sync engine relies on this to
// hand document sets, target maps, and key sets across work units
// without copying them.
//
// A Map is parameterized by a comparator rather than a constraint so
// that keys with domain orderings (document keys, query orderings) can
// be stored directly:
//
//	keys := sortedmap.New[model.DocumentKey, *model.MutableDocument](model.CompareKeys)
//	keys = keys.Insert(key, doc)
package sortedmap

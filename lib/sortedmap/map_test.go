// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sortedmap

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"testing"
)

// checkInvariants verifies left-leaning red-black structure: no red right
// links, no two reds in a row, equal black height, and correct sizes.
func checkInvariants[K, V any](t *testing.T, m Map[K, V]) {
	t.Helper()
	if isRed(m.root) {
		t.Fatalf("root is red")
	}
	var walk func(n *node[K, V]) int
	walk = func(n *node[K, V]) int {
		if n == nil {
			return 1
		}
		if isRed(n.right) {
			t.Fatalf("red right link at %v", n.key)
		}
		if isRed(n) && isRed(n.left) {
			t.Fatalf("two consecutive red links at %v", n.key)
		}
		if n.size != 1+sizeOf(n.left)+sizeOf(n.right) {
			t.Fatalf("size mismatch at %v: %d", n.key, n.size)
		}
		left := walk(n.left)
		right := walk(n.right)
		if left != right {
			t.Fatalf("black height mismatch at %v: %d vs %d", n.key, left, right)
		}
		if !isRed(n) {
			left++
		}
		return left
	}
	walk(m.root)
}

func TestInsertOrdersKeys(t *testing.T) {
	m := New[int, string](cmp.Compare[int])
	for _, k := range []int{5, 1, 9, 3, 7, 2, 8} {
		m = m.Insert(k, "v")
	}
	checkInvariants(t, m)

	var got []int
	for k := range m.Keys() {
		got = append(got, k)
	}
	want := []int{1, 2, 3, 5, 7, 8, 9}
	if !slices.Equal(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if m.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", m.Len(), len(want))
	}
}

func TestInsertReplacesValue(t *testing.T) {
	m := New[string, int](cmp.Compare[string]).Insert("a", 1)
	m2 := m.Insert("a", 2)
	if v, _ := m.Get("a"); v != 1 {
		t.Errorf("original map changed: got %d", v)
	}
	if v, _ := m2.Get("a"); v != 2 {
		t.Errorf("new map value = %d, want 2", v)
	}
	if m2.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m2.Len())
	}
}

func TestSnapshotsArePersistent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	m := New[int, int](cmp.Compare[int])
	var snapshots []Map[int, int]
	var contents []map[int]int
	current := map[int]int{}

	for i := 0; i < 2000; i++ {
		key := rng.IntN(300)
		if rng.IntN(3) == 0 {
			m = m.Remove(key)
			delete(current, key)
		} else {
			m = m.Insert(key, i)
			current[key] = i
		}
		if i%100 == 0 {
			copied := make(map[int]int, len(current))
			for k, v := range current {
				copied[k] = v
			}
			snapshots = append(snapshots, m)
			contents = append(contents, copied)
		}
	}
	checkInvariants(t, m)

	for i, snapshot := range snapshots {
		checkInvariants(t, snapshot)
		if snapshot.Len() != len(contents[i]) {
			t.Fatalf("snapshot %d: Len() = %d, want %d", i, snapshot.Len(), len(contents[i]))
		}
		for k, v := range contents[i] {
			got, ok := snapshot.Get(k)
			if !ok || got != v {
				t.Fatalf("snapshot %d: Get(%d) = %d, %v; want %d", i, k, got, ok, v)
			}
		}
	}
}

func TestRemoveAll(t *testing.T) {
	m := New[int, int](cmp.Compare[int])
	for i := 0; i < 100; i++ {
		m = m.Insert(i, i)
	}
	for i := 99; i >= 0; i -= 2 {
		m = m.Remove(i)
		checkInvariants(t, m)
	}
	for i := 0; i < 100; i += 2 {
		m = m.Remove(i)
		checkInvariants(t, m)
	}
	if !m.IsEmpty() {
		t.Fatalf("map not empty after removing every key: Len() = %d", m.Len())
	}
	if got := m.Remove(42); !got.IsEmpty() {
		t.Errorf("removing from empty map produced entries")
	}
}

func TestIndexOfAndFrom(t *testing.T) {
	m := New[int, struct{}](cmp.Compare[int])
	for _, k := range []int{10, 20, 30, 40} {
		m = m.Insert(k, struct{}{})
	}
	if got := m.IndexOf(30); got != 2 {
		t.Errorf("IndexOf(30) = %d, want 2", got)
	}
	if got := m.IndexOf(35); got != -1 {
		t.Errorf("IndexOf(35) = %d, want -1", got)
	}

	var got []int
	for k := range m.From(25) {
		got = append(got, k)
	}
	if !slices.Equal(got, []int{30, 40}) {
		t.Errorf("From(25) = %v", got)
	}

	got = got[:0]
	for k := range m.Backward() {
		got = append(got, k)
	}
	if !slices.Equal(got, []int{40, 30, 20, 10}) {
		t.Errorf("Backward() = %v", got)
	}

	minKey, _, _ := m.Min()
	maxKey, _, _ := m.Max()
	if minKey != 10 || maxKey != 40 {
		t.Errorf("Min/Max = %d/%d", minKey, maxKey)
	}
}

func TestSetOperations(t *testing.T) {
	a := NewSet[string](cmp.Compare[string]).Insert("x").Insert("y")
	b := NewSet[string](cmp.Compare[string]).Insert("y").Insert("z")

	union := a.Union(b)
	if !slices.Equal(union.Slice(), []string{"x", "y", "z"}) {
		t.Errorf("Union = %v", union.Slice())
	}
	if a.Equal(b) {
		t.Errorf("distinct sets reported equal")
	}
	if !a.Equal(NewSet[string](cmp.Compare[string]).Insert("y").Insert("x")) {
		t.Errorf("equal sets reported distinct")
	}
	if a.Remove("x").Has("x") {
		t.Errorf("Remove left element behind")
	}
	if !a.Has("x") {
		t.Errorf("Remove mutated the receiver")
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sortedmap

// node is an immutable tree node once published. Helpers that restructure
// the tree clone every node they touch, so a node reachable from any
// published Map is never written again.
type node[K, V any] struct {
	key   K
	value V
	red   bool
	left  *node[K, V]
	right *node[K, V]
	size  int
}

func (n *node[K, V]) clone() *node[K, V] {
	c := *n
	return &c
}

func isRed[K, V any](n *node[K, V]) bool { return n != nil && n.red }

func sizeOf[K, V any](n *node[K, V]) int {
	if n == nil {
		return 0
	}
	return n.size
}

func (n *node[K, V]) resize() {
	n.size = 1 + sizeOf(n.left) + sizeOf(n.right)
}

func rotateLeft[K, V any](n *node[K, V]) *node[K, V] {
	n = n.clone()
	x := n.right.clone()
	n.right = x.left
	x.left = n
	x.red = n.red
	n.red = true
	n.resize()
	x.resize()
	return x
}

func rotateRight[K, V any](n *node[K, V]) *node[K, V] {
	n = n.clone()
	x := n.left.clone()
	n.left = x.right
	x.right = n
	x.red = n.red
	n.red = true
	n.resize()
	x.resize()
	return x
}

func colorFlip[K, V any](n *node[K, V]) *node[K, V] {
	n = n.clone()
	n.red = !n.red
	if n.left != nil {
		n.left = n.left.clone()
		n.left.red = !n.left.red
	}
	if n.right != nil {
		n.right = n.right.clone()
		n.right.red = !n.right.red
	}
	return n
}

func fixUp[K, V any](n *node[K, V]) *node[K, V] {
	if isRed(n.right) && !isRed(n.left) {
		n = rotateLeft(n)
	}
	if isRed(n.left) && isRed(n.left.left) {
		n = rotateRight(n)
	}
	if isRed(n.left) && isRed(n.right) {
		n = colorFlip(n)
	}
	n = n.clone()
	n.resize()
	return n
}

func insert[K, V any](n *node[K, V], key K, value V, cmp func(a, b K) int) *node[K, V] {
	if n == nil {
		return &node[K, V]{key: key, value: value, red: true, size: 1}
	}
	n = n.clone()
	switch c := cmp(key, n.key); {
	case c < 0:
		n.left = insert(n.left, key, value, cmp)
	case c > 0:
		n.right = insert(n.right, key, value, cmp)
	default:
		n.value = value
	}
	return fixUp(n)
}

func moveRedLeft[K, V any](n *node[K, V]) *node[K, V] {
	n = colorFlip(n)
	if n.right != nil && isRed(n.right.left) {
		n.right = rotateRight(n.right)
		n = rotateLeft(n)
		n = colorFlip(n)
	}
	return n
}

func moveRedRight[K, V any](n *node[K, V]) *node[K, V] {
	n = colorFlip(n)
	if n.left != nil && isRed(n.left.left) {
		n = rotateRight(n)
		n = colorFlip(n)
	}
	return n
}

func minNode[K, V any](n *node[K, V]) *node[K, V] {
	for n.left != nil {
		n = n.left
	}
	return n
}

func removeMin[K, V any](n *node[K, V]) *node[K, V] {
	if n.left == nil {
		return nil
	}
	if !isRed(n.left) && !isRed(n.left.left) {
		n = moveRedLeft(n)
	}
	n = n.clone()
	n.left = removeMin(n.left)
	return fixUp(n)
}

// remove deletes key from the subtree rooted at n. The key must be
// present; callers check with get first.
func remove[K, V any](n *node[K, V], key K, cmp func(a, b K) int) *node[K, V] {
	if cmp(key, n.key) < 0 {
		if n.left != nil && !isRed(n.left) && !isRed(n.left.left) {
			n = moveRedLeft(n)
		}
		n = n.clone()
		n.left = remove(n.left, key, cmp)
		return fixUp(n)
	}
	if isRed(n.left) {
		n = rotateRight(n)
	}
	if cmp(key, n.key) == 0 && n.right == nil {
		return nil
	}
	if n.right != nil && !isRed(n.right) && !isRed(n.right.left) {
		n = moveRedRight(n)
	}
	n = n.clone()
	if cmp(key, n.key) == 0 {
		smallest := minNode(n.right)
		n.key = smallest.key
		n.value = smallest.value
		n.right = removeMin(n.right)
	} else {
		n.right = remove(n.right, key, cmp)
	}
	return fixUp(n)
}

func get[K, V any](n *node[K, V], key K, cmp func(a, b K) int) *node[K, V] {
	for n != nil {
		switch c := cmp(key, n.key); {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

func ascend[K, V any](n *node[K, V], yield func(K, V) bool) bool {
	if n == nil {
		return true
	}
	return ascend(n.left, yield) && yield(n.key, n.value) && ascend(n.right, yield)
}

func descend[K, V any](n *node[K, V], yield func(K, V) bool) bool {
	if n == nil {
		return true
	}
	return descend(n.right, yield) && yield(n.key, n.value) && descend(n.left, yield)
}

func ascendFrom[K, V any](n *node[K, V], from K, cmp func(a, b K) int, yield func(K, V) bool) bool {
	if n == nil {
		return true
	}
	if cmp(n.key, from) < 0 {
		return ascendFrom(n.right, from, cmp, yield)
	}
	return ascendFrom(n.left, from, cmp, yield) && yield(n.key, n.value) && ascend(n.right, yield)
}

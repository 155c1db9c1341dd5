package allocator

import "sync"

// poolIndex is the size-ordered red-black tree over small pools
// described in spec.md §4.3: Insert/Remove/FindBestFit give the
// façade O(log n) best-fit routing instead of a linear scan. Node
// shape and rotations are adapted from
// internal/stdlib/collections/algorithms.go's RedBlackTree, generalized
// from that file's comparable-key/overwrite-on-duplicate generic to a
// (size, base-address)-keyed tree: several pools can legitimately
// share a total size (Init registers MaxPools identically-sized small
// pools), so the key is the pair (Pool.totalSize, Pool.base) compared
// lexicographically — size first, then address. Two pools can never
// share a base address, so this key is always unique, which is what
// makes Remove and FindBestFit (operations the generic tree never
// needed) well defined.
type rbColor int

const (
	rbRed rbColor = iota
	rbBlack
)

type poolIndexNode struct {
	size   uintptr
	base   uintptr // Pool.base at insert time, the tie-break key
	pool   *Pool
	color  rbColor
	left   *poolIndexNode
	right  *poolIndexNode
	parent *poolIndexNode
}

// poolKeyLess orders nodes by total size, then by base address, so
// pools that share a size are ordered by address.
func poolKeyLess(sizeA, baseA, sizeB, baseB uintptr) bool {
	if sizeA != sizeB {
		return sizeA < sizeB
	}
	return baseA < baseB
}

// poolIndex keys nodes by (Pool.totalSize, Pool.base); the address
// component makes every key unique even when many pools share a size.
type poolIndex struct {
	mu   sync.Mutex
	root *poolIndexNode
	nilN *poolIndexNode // sentinel, always black
	size int
}

func newPoolIndex() *poolIndex {
	sentinel := &poolIndexNode{color: rbBlack}
	return &poolIndex{root: sentinel, nilN: sentinel}
}

// Insert adds pool keyed by (totalSize, base). Ties on size alone
// descend right of any smaller-addressed node sharing that size, per
// poolKeyLess.
func (t *poolIndex) Insert(pool *Pool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := &poolIndexNode{
		size:   pool.totalSize,
		base:   pool.base,
		pool:   pool,
		color:  rbRed,
		left:   t.nilN,
		right:  t.nilN,
		parent: t.nilN,
	}

	parent := t.nilN
	cur := t.root
	for cur != t.nilN {
		parent = cur
		if poolKeyLess(node.size, node.base, cur.size, cur.base) {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}

	node.parent = parent
	switch {
	case parent == t.nilN:
		t.root = node
	case poolKeyLess(node.size, node.base, parent.size, parent.base):
		parent.left = node
	default:
		parent.right = node
	}

	t.size++
	t.insertFixup(node)
}

func (t *poolIndex) insertFixup(z *poolIndexNode) {
	for z.parent.color == rbRed {
		if z.parent == z.parent.parent.left {
			uncle := z.parent.parent.right
			if uncle.color == rbRed {
				z.parent.color = rbBlack
				uncle.color = rbBlack
				z.parent.parent.color = rbRed
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					t.leftRotate(z)
				}
				z.parent.color = rbBlack
				z.parent.parent.color = rbRed
				t.rightRotate(z.parent.parent)
			}
		} else {
			uncle := z.parent.parent.left
			if uncle.color == rbRed {
				z.parent.color = rbBlack
				uncle.color = rbBlack
				z.parent.parent.color = rbRed
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rightRotate(z)
				}
				z.parent.color = rbBlack
				z.parent.parent.color = rbRed
				t.leftRotate(z.parent.parent)
			}
		}
	}
	t.root.color = rbBlack
}

func (t *poolIndex) leftRotate(x *poolIndexNode) {
	y := x.right
	x.right = y.left
	if y.left != t.nilN {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.nilN:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *poolIndex) rightRotate(y *poolIndexNode) {
	x := y.left
	y.left = x.right
	if x.right != t.nilN {
		x.right.parent = y
	}
	x.parent = y.parent
	switch {
	case y.parent == t.nilN:
		t.root = x
	case y == y.parent.right:
		y.parent.right = x
	default:
		y.parent.left = x
	}
	x.right = y
	y.parent = x
}

// findNode locates the exact node for pool by its (size, base) key.
// Since no two pools share a base address, the key is unique and a
// plain BST descent lands on the right node directly — no scan of a
// same-sized band is needed.
func (t *poolIndex) findNode(pool *Pool) *poolIndexNode {
	cur := t.root
	size, base := pool.totalSize, pool.base
	for cur != t.nilN {
		switch {
		case poolKeyLess(size, base, cur.size, cur.base):
			cur = cur.left
		case poolKeyLess(cur.size, cur.base, size, base):
			cur = cur.right
		default:
			return cur
		}
	}
	return nil
}

// Remove deregisters pool from the index. A no-op if pool was never
// inserted (or was already removed).
func (t *poolIndex) Remove(pool *Pool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	z := t.findNode(pool)
	if z == nil {
		return
	}
	t.deleteNode(z)
	t.size--
}

func (t *poolIndex) transplant(u, v *poolIndexNode) {
	switch {
	case u.parent == t.nilN:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	v.parent = u.parent
}

func (t *poolIndex) minimum(x *poolIndexNode) *poolIndexNode {
	for x.left != t.nilN {
		x = x.left
	}
	return x
}

func (t *poolIndex) deleteNode(z *poolIndexNode) {
	y := z
	yOriginalColor := y.color
	var x *poolIndexNode

	switch {
	case z.left == t.nilN:
		x = z.right
		t.transplant(z, z.right)
	case z.right == t.nilN:
		x = z.left
		t.transplant(z, z.left)
	default:
		y = t.minimum(z.right)
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			x.parent = y
		} else {
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOriginalColor == rbBlack {
		t.deleteFixup(x)
	}
}

func (t *poolIndex) deleteFixup(x *poolIndexNode) {
	for x != t.root && x.color == rbBlack {
		if x == x.parent.left {
			w := x.parent.right
			if w.color == rbRed {
				w.color = rbBlack
				x.parent.color = rbRed
				t.leftRotate(x.parent)
				w = x.parent.right
			}
			if w.left.color == rbBlack && w.right.color == rbBlack {
				w.color = rbRed
				x = x.parent
			} else {
				if w.right.color == rbBlack {
					w.left.color = rbBlack
					w.color = rbRed
					t.rightRotate(w)
					w = x.parent.right
				}
				w.color = x.parent.color
				x.parent.color = rbBlack
				w.right.color = rbBlack
				t.leftRotate(x.parent)
				x = t.root
			}
		} else {
			w := x.parent.left
			if w.color == rbRed {
				w.color = rbBlack
				x.parent.color = rbRed
				t.rightRotate(x.parent)
				w = x.parent.left
			}
			if w.right.color == rbBlack && w.left.color == rbBlack {
				w.color = rbRed
				x = x.parent
			} else {
				if w.left.color == rbBlack {
					w.right.color = rbBlack
					w.color = rbRed
					t.leftRotate(w)
					w = x.parent.left
				}
				w.color = x.parent.color
				x.parent.color = rbBlack
				w.left.color = rbBlack
				t.rightRotate(x.parent)
				x = t.root
			}
		}
	}
	x.color = rbBlack
}

// FindBestFit returns the pool with the smallest total size >= size,
// or nil if none exists. Standard left-descent with
// last-not-less-than bookkeeping.
func (t *poolIndex) FindBestFit(size uintptr) *Pool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	var best *poolIndexNode
	for cur != t.nilN {
		if cur.size >= size {
			best = cur
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	if best == nil {
		return nil
	}
	return best.pool
}

// Len reports the number of pools currently indexed.
func (t *poolIndex) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Validate walks the tree asserting the four red-black invariants; it
// is a debug-build aid (spec.md §4.3) and is not on any allocation
// hot path.
func (t *poolIndex) Validate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root.color != rbBlack {
		return false
	}
	_, ok := t.validateNode(t.root)
	return ok
}

func (t *poolIndex) validateNode(n *poolIndexNode) (blackHeight int, ok bool) {
	if n == t.nilN {
		return 1, true
	}
	if n.color == rbRed {
		if n.left.color == rbRed || n.right.color == rbRed {
			return 0, false
		}
	}
	lh, lok := t.validateNode(n.left)
	rh, rok := t.validateNode(n.right)
	if !lok || !rok || lh != rh {
		return 0, false
	}
	bh := lh
	if n.color == rbBlack {
		bh++
	}
	return bh, true
}

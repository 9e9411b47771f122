// Package interval provides an ordered map keyed by non-overlapping
// half-open [low, high) address ranges. It backs the I/O trap registry:
// range lookups route an exit to the device claiming every byte of the
// access, and the overlap check at insert keeps two devices from
// claiming the same byte.
package interval

import "errors"

// ErrOverlap is returned by Insert when the new range shares at least
// one address with a range already in the tree.
var ErrOverlap = errors.New("interval overlaps an existing range")

type node[V any] struct {
	low, high uint64
	value     V

	left, right *node[V]
	height      int
}

// Tree is an AVL tree over disjoint [low, high) ranges. Because overlaps
// are rejected at insert, ordering among nodes is total: a range is
// entirely left or entirely right of any other.
type Tree[V any] struct {
	root *node[V]
	size int
}

// New returns an empty tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{}
}

// Len returns the number of ranges in the tree.
func (t *Tree[V]) Len() int {
	return t.size
}

// Insert adds [low, high) with its value. It fails with ErrOverlap if
// any byte of the range is already claimed.
func (t *Tree[V]) Insert(low, high uint64, v V) error {
	root, err := insert(t.root, &node[V]{low: low, high: high, value: v, height: 1})
	if err != nil {
		return err
	}

	t.root = root
	t.size++

	return nil
}

// SearchPoint returns the value of the unique range with low <= p < high.
func (t *Tree[V]) SearchPoint(p uint64) (V, bool) {
	n := t.root
	for n != nil {
		switch {
		case p < n.low:
			n = n.left
		case p >= n.high:
			n = n.right
		default:
			return n.value, true
		}
	}

	var zero V

	return zero, false
}

// SearchRange returns the value of the range that fully contains
// [lo, hi). A request spanning two adjacent ranges finds nothing, so the
// caller treats it as unmapped.
func (t *Tree[V]) SearchRange(lo, hi uint64) (V, bool) {
	n := t.root
	for n != nil {
		switch {
		case lo < n.low:
			n = n.left
		case lo >= n.high:
			n = n.right
		default:
			if hi <= n.high {
				return n.value, true
			}

			var zero V

			return zero, false
		}
	}

	var zero V

	return zero, false
}

// Erase removes the range containing p. It reports whether a range was
// removed.
func (t *Tree[V]) Erase(p uint64) bool {
	root, removed := erase(t.root, p)
	if removed {
		t.root = root
		t.size--
	}

	return removed
}

func insert[V any](n, newn *node[V]) (*node[V], error) {
	if n == nil {
		return newn, nil
	}

	switch {
	case newn.high <= n.low:
		left, err := insert(n.left, newn)
		if err != nil {
			return n, err
		}

		n.left = left
	case n.high <= newn.low:
		right, err := insert(n.right, newn)
		if err != nil {
			return n, err
		}

		n.right = right
	default:
		return n, ErrOverlap
	}

	return rebalance(n), nil
}

func erase[V any](n *node[V], p uint64) (*node[V], bool) {
	if n == nil {
		return nil, false
	}

	var removed bool

	switch {
	case p < n.low:
		n.left, removed = erase(n.left, p)
	case p >= n.high:
		n.right, removed = erase(n.right, p)
	default:
		switch {
		case n.left == nil:
			return n.right, true
		case n.right == nil:
			return n.left, true
		default:
			// Two children: splice in the in-order successor.
			succ := n.right
			for succ.left != nil {
				succ = succ.left
			}

			n.low, n.high, n.value = succ.low, succ.high, succ.value
			n.right, _ = erase(n.right, succ.low)

			return rebalance(n), true
		}
	}

	if !removed {
		return n, false
	}

	return rebalance(n), true
}

func height[V any](n *node[V]) int {
	if n == nil {
		return 0
	}

	return n.height
}

func fix[V any](n *node[V]) {
	n.height = 1 + max(height(n.left), height(n.right))
}

func balanceOf[V any](n *node[V]) int {
	return height(n.left) - height(n.right)
}

func rotateRight[V any](n *node[V]) *node[V] {
	l := n.left
	n.left = l.right
	l.right = n
	fix(n)
	fix(l)

	return l
}

func rotateLeft[V any](n *node[V]) *node[V] {
	r := n.right
	n.right = r.left
	r.left = n
	fix(n)
	fix(r)

	return r
}

func rebalance[V any](n *node[V]) *node[V] {
	fix(n)

	switch b := balanceOf(n); {
	case b > 1:
		if balanceOf(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}

		return rotateRight(n)
	case b < -1:
		if balanceOf(n.right) > 0 {
			n.right = rotateRight(n.right)
		}

		return rotateLeft(n)
	}

	return n
}

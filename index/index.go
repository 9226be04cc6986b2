// Package index implements an on-disk binary search tree mapping field values
// to entity ids. Duplicated values are allowed.
//
// The tree is not balanced on every mutation: Rebalance reshapes it on
// request, so callers batch it every few dozen mutations.
package index

import (
	"cmp"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/fulldump/framedb/slotfile"
)

const None = slotfile.None

// Any matches every target in Remove.
const Any = slotfile.None

// sentinel is the node whose High points to the real root
const sentinel = uint64(0)

// rotationMargin is how much heavier the outer grandchild must be than the
// opposite child before Rebalance rotates.
const rotationMargin = 2

type Node[F any] struct {
	Value  F
	Target uint64
	High   uint64
	Low    uint64
}

type Index[F any] struct {
	file    *slotfile.File[Node[F]]
	compare func(a, b F) int
	mutex   sync.RWMutex
}

func Filename(typeID string, ordinal int) string {
	return fmt.Sprintf("%s_idx_%d.wdb", typeID, ordinal)
}

// Ordered is the set of ordered field types with a fixed binary size. Strings
// and platform sized integers cannot be stored in a node.
type Ordered interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func NewIndex[F Ordered](fs afero.Fs, filename string) (*Index[F], error) {
	return NewIndexFunc[F](fs, filename, cmp.Compare[F])
}

func NewIndexFunc[F any](fs afero.Fs, filename string, compare func(a, b F) int) (*Index[F], error) {

	file, err := slotfile.Open[Node[F]](fs, filename)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	if file.Len() == 0 {
		id := file.Allocate(&Node[F]{Target: None, High: None, Low: None})
		if id != sentinel {
			file.Close()
			return nil, fmt.Errorf("%w: index '%s' has free slots but no root", slotfile.ErrCorrupted, filename)
		}
	} else if !file.Alive(sentinel) {
		file.Close()
		return nil, fmt.Errorf("%w: index '%s' has no root", slotfile.ErrCorrupted, filename)
	}

	return &Index[F]{
		file:    file,
		compare: compare,
	}, nil
}

func (x *Index[F]) node(id uint64) Node[F] {
	return x.file.MustGet(id)
}

// link points the High (or Low) pointer of parent to child.
func (x *Index[F]) link(parent uint64, high bool, child uint64) {
	x.file.Update(parent, func(n *Node[F]) {
		if high {
			n.High = child
		} else {
			n.Low = child
		}
	})
}

func (x *Index[F]) root() uint64 {
	return x.node(sentinel).High
}

func (x *Index[F]) Insert(target uint64, value F) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	parent, high := sentinel, true
	for current := x.root(); current != None; {
		n := x.node(current)
		parent = current
		if x.compare(n.Value, value) < 0 {
			high, current = true, n.High
		} else {
			high, current = false, n.Low
		}
	}

	id := x.file.Allocate(&Node[F]{
		Value:  value,
		Target: target,
		High:   None,
		Low:    None,
	})
	x.link(parent, high, id)
}

// find looks for a node holding value (and target, unless it is Any) below
// id. Equal values may live on both sides after rotations.
func (x *Index[F]) find(parent uint64, high bool, id uint64, value F, target uint64) (uint64, bool, uint64) {
	if id == None {
		return None, false, None
	}

	n := x.node(id)
	c := x.compare(n.Value, value)
	if c == 0 && (target == Any || target == n.Target) {
		return parent, high, id
	}
	if c <= 0 {
		if p, h, found := x.find(id, true, n.High, value, target); found != None {
			return p, h, found
		}
	}
	if c >= 0 {
		return x.find(id, false, n.Low, value, target)
	}
	return None, false, None
}

// Remove deletes one node holding (value, target) and reports whether it
// existed. The node is replaced by the child whose inner edge is shorter; the
// other child hangs from the end of that edge.
func (x *Index[F]) Remove(value F, target uint64) bool {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	parent, high, id := x.find(sentinel, true, x.root(), value, target)
	if id == None {
		return false
	}

	n := x.node(id)
	replacement := None
	switch {
	case n.Low == None:
		replacement = n.High
	case n.High == None:
		replacement = n.Low
	default:
		lowEdge, lowDepth := x.edge(n.Low, true)
		highEdge, highDepth := x.edge(n.High, false)
		if lowDepth <= highDepth {
			replacement = n.Low
			x.link(lowEdge, true, n.High)
		} else {
			replacement = n.High
			x.link(highEdge, false, n.Low)
		}
	}

	x.link(parent, high, replacement)
	x.file.Free(id)

	return true
}

func (x *Index[F]) RemoveAny(value F) bool {
	return x.Remove(value, Any)
}

// edge follows High (or Low) pointers from id to the last node and returns it
// with the number of steps taken.
func (x *Index[F]) edge(id uint64, high bool) (uint64, int) {
	depth := 0
	for {
		n := x.node(id)
		next := n.Low
		if high {
			next = n.High
		}
		if next == None {
			return id, depth
		}
		id = next
		depth++
	}
}

func (x *Index[F]) FindAny(value F) (uint64, bool) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	for current := x.root(); current != None; {
		n := x.node(current)
		c := x.compare(n.Value, value)
		switch {
		case c == 0:
			return n.Target, true
		case c < 0:
			current = n.High
		default:
			current = n.Low
		}
	}

	return None, false
}

// ForEach visits in order every (value, id) pair with lo <= value <= hi until
// f returns false. f must not mutate the index.
func (x *Index[F]) ForEach(lo, hi F, f func(value F, id uint64) bool) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	x.forEach(x.root(), lo, hi, f)
}

func (x *Index[F]) forEach(id uint64, lo, hi F, f func(value F, id uint64) bool) bool {
	if id == None {
		return true
	}

	n := x.node(id)
	aboveLo := x.compare(n.Value, lo) >= 0
	belowHi := x.compare(n.Value, hi) <= 0

	if aboveLo && !x.forEach(n.Low, lo, hi, f) {
		return false
	}
	if aboveLo && belowHi && !f(n.Value, n.Target) {
		return false
	}
	if belowHi {
		return x.forEach(n.High, lo, hi, f)
	}
	return true
}

// Min returns the first value in comparator order, false when the index is
// empty.
func (x *Index[F]) Min() (F, bool) {
	return x.extreme(false)
}

// Max returns the last value in comparator order, false when the index is
// empty.
func (x *Index[F]) Max() (F, bool) {
	return x.extreme(true)
}

func (x *Index[F]) extreme(high bool) (value F, ok bool) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	for current := x.root(); current != None; {
		n := x.node(current)
		value, ok = n.Value, true
		if high {
			current = n.High
		} else {
			current = n.Low
		}
	}
	return
}

// Count returns the number of entries.
func (x *Index[F]) Count() int {
	return x.file.Len() - 1
}

func (x *Index[F]) CountValue(value F) int {
	n := 0
	x.ForEach(value, value, func(F, uint64) bool {
		n++
		return true
	})
	return n
}

// Rebalance rotates nodes whose outer grandchild on one side outweighs the
// child on the other side. Passes repeat until one makes no rotation, so
// calling it again without mutations returns 0. Every rotation shortens the
// total path length of the tree, which bounds the number of passes.
func (x *Index[F]) Rebalance() int {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	sizes := make([]int, x.file.Cap())
	x.measure(x.root(), sizes)

	total := 0
	for {
		rotations := x.rebalance(sentinel, true, sizes)
		total += rotations
		if rotations == 0 {
			return total
		}
	}
}

func size(sizes []int, id uint64) int {
	if id == None {
		return 0
	}
	return sizes[id]
}

func (x *Index[F]) measure(id uint64, sizes []int) int {
	if id == None {
		return 0
	}
	n := x.node(id)
	sizes[id] = 1 + x.measure(n.Low, sizes) + x.measure(n.High, sizes)
	return sizes[id]
}

// rebalance works on the subtree hanging from the High (or Low) pointer of
// parent.
func (x *Index[F]) rebalance(parent uint64, high bool, sizes []int) int {

	rotations := 0

	for {
		p := x.node(parent)
		id := p.Low
		if high {
			id = p.High
		}
		if id == None {
			return rotations
		}

		n := x.node(id)

		if n.Low != None && size(sizes, x.node(n.Low).Low)-size(sizes, n.High) > rotationMargin {
			x.rotateRight(parent, high, id, sizes)
			rotations++
			continue
		}
		if n.High != None && size(sizes, x.node(n.High).High)-size(sizes, n.Low) > rotationMargin {
			x.rotateLeft(parent, high, id, sizes)
			rotations++
			continue
		}

		rotations += x.rebalance(id, false, sizes)
		rotations += x.rebalance(id, true, sizes)
		return rotations
	}
}

func (x *Index[F]) rotateRight(parent uint64, high bool, id uint64, sizes []int) {
	n := x.node(id)
	pivot := n.Low
	p := x.node(pivot)

	x.link(id, false, p.High)
	x.link(pivot, true, id)
	x.link(parent, high, pivot)

	sizes[pivot] = sizes[id]
	sizes[id] = 1 + size(sizes, p.High) + size(sizes, n.High)
}

func (x *Index[F]) rotateLeft(parent uint64, high bool, id uint64, sizes []int) {
	n := x.node(id)
	pivot := n.High
	p := x.node(pivot)

	x.link(id, true, p.Low)
	x.link(pivot, false, id)
	x.link(parent, high, pivot)

	sizes[pivot] = sizes[id]
	sizes[id] = 1 + size(sizes, p.Low) + size(sizes, n.Low)
}

// Depth returns the length of the longest path from the root.
func (x *Index[F]) Depth() int {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	return x.depth(x.root())
}

func (x *Index[F]) depth(id uint64) int {
	if id == None {
		return 0
	}
	n := x.node(id)
	return 1 + max(x.depth(n.Low), x.depth(n.High))
}

// Clear removes every entry.
func (x *Index[F]) Clear() {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.file.ForEach(func(id uint64, _ Node[F]) bool {
		if id != sentinel {
			x.file.Free(id)
		}
		return true
	})
	x.link(sentinel, true, None)
}

func (x *Index[F]) Name() string {
	return x.file.Name()
}

func (x *Index[F]) Close() error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	return x.file.Close()
}

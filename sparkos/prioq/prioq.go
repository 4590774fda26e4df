// Package prioq implements the two-level ready queue: an outer bitmap over
// process-priority classes, each holding one FIFO list per thread priority
// and a bitmap of the non-empty ones.
//
// Index 0 is the highest priority at both levels. Bit (31-i) of a bitmap
// marks index i non-empty, so the best index is a count of leading zeros.
package prioq

import (
	"math/bits"

	"sparkrt/sparkos/dlist"
)

const (
	NumClasses = 32
	NumPrio    = 32
)

type class[T any] struct {
	bitmap uint32
	lists  [NumPrio]dlist.List[T]
}

// Queue is a two-level priority queue of intrusive nodes. The zero value
// is empty. It is not safe for concurrent use.
type Queue[T any] struct {
	classMap uint32
	n        int
	classes  [NumClasses]class[T]
}

func bit(i int) uint32 { return 1 << uint(31-i) }

func check(cls, prio int) {
	if cls < 0 || cls >= NumClasses || prio < 0 || prio >= NumPrio {
		panic("prioq: index out of range")
	}
}

func (q *Queue[T]) link(cls, prio int) {
	q.classes[cls].bitmap |= bit(prio)
	q.classMap |= bit(cls)
	q.n++
}

// PushBack queues n at the tail of (cls, prio).
func (q *Queue[T]) PushBack(cls, prio int, n *dlist.Node[T]) {
	check(cls, prio)
	q.classes[cls].lists[prio].PushBack(n)
	q.link(cls, prio)
}

// PushFront queues n at the head of (cls, prio).
func (q *Queue[T]) PushFront(cls, prio int, n *dlist.Node[T]) {
	check(cls, prio)
	q.classes[cls].lists[prio].PushFront(n)
	q.link(cls, prio)
}

// Remove unlinks n from (cls, prio) and reports whether it was queued
// there. A node queued elsewhere is left alone.
func (q *Queue[T]) Remove(cls, prio int, n *dlist.Node[T]) bool {
	check(cls, prio)
	c := &q.classes[cls]
	l := &c.lists[prio]
	if n.Owner() != l {
		return false
	}
	l.Remove(n)
	q.n--
	if l.Empty() {
		c.bitmap &^= bit(prio)
		if c.bitmap == 0 {
			q.classMap &^= bit(cls)
		}
	}
	return true
}

// Len returns the number of queued nodes.
func (q *Queue[T]) Len() int { return q.n }

// Count returns the number of nodes queued at (cls, prio).
func (q *Queue[T]) Count(cls, prio int) int {
	check(cls, prio)
	return q.classes[cls].lists[prio].Len()
}

// Peek returns the head of the best non-empty list, or nil.
func (q *Queue[T]) Peek() *dlist.Node[T] {
	if q.classMap == 0 {
		return nil
	}
	cls := bits.LeadingZeros32(q.classMap)
	c := &q.classes[cls]
	prio := bits.LeadingZeros32(c.bitmap)
	return c.lists[prio].Front()
}

// Best returns the best non-empty (cls, prio), or ok=false.
func (q *Queue[T]) Best() (cls, prio int, ok bool) {
	if q.classMap == 0 {
		return 0, 0, false
	}
	cls = bits.LeadingZeros32(q.classMap)
	return cls, bits.LeadingZeros32(q.classes[cls].bitmap), true
}

// Find walks the queue in pick order and returns the first node accepted
// by ok, or nil.
func (q *Queue[T]) Find(ok func(v T) bool) *dlist.Node[T] {
	for cm := q.classMap; cm != 0; {
		cls := bits.LeadingZeros32(cm)
		cm &^= bit(cls)
		c := &q.classes[cls]
		for pm := c.bitmap; pm != 0; {
			prio := bits.LeadingZeros32(pm)
			pm &^= bit(prio)
			for n := c.lists[prio].Front(); n != nil; n = n.Next() {
				if ok(n.Value) {
					return n
				}
			}
		}
	}
	return nil
}

// Each calls fn for every queued node in pick order until fn returns false.
func (q *Queue[T]) Each(fn func(cls, prio int, n *dlist.Node[T]) bool) {
	for cm := q.classMap; cm != 0; {
		cls := bits.LeadingZeros32(cm)
		cm &^= bit(cls)
		c := &q.classes[cls]
		for pm := c.bitmap; pm != 0; {
			prio := bits.LeadingZeros32(pm)
			pm &^= bit(prio)
			for n := c.lists[prio].Front(); n != nil; {
				next := n.Next()
				if !fn(cls, prio, n) {
					return
				}
				n = next
			}
		}
	}
}

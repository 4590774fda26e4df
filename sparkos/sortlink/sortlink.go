// Package sortlink is the sorted expiry list shared by task delays and
// software timers: one ascending list of absolute-time keyed nodes per core,
// each with its own lock.
package sortlink

import (
	"sync"
	"sync/atomic"

	"sparkrt/sparkos/dlist"
)

// NotScheduled is the expiry time carried by a node that is on no list.
const NotScheduled = ^uint64(0)

// Node is an expiry entry embedded in its owner.
type Node[T any] struct {
	Owner T

	when atomic.Uint64
	list atomic.Pointer[List[T]]
	link dlist.Node[*Node[T]]
}

// Init binds n to its owner and marks it not scheduled.
func (n *Node[T]) Init(owner T) {
	n.Owner = owner
	n.when.Store(NotScheduled)
	n.link.Value = n
}

// When returns the absolute expiry time, or NotScheduled.
func (n *Node[T]) When() uint64 { return n.when.Load() }

// Scheduled reports whether n is on a list.
func (n *Node[T]) Scheduled() bool { return n.list.Load() != nil }

// List returns the list n is on, or nil.
func (n *Node[T]) List() *List[T] { return n.list.Load() }

// List is one core's ascending expiry list.
type List[T any] struct {
	CPU int

	mu sync.Mutex
	l  dlist.List[*Node[T]]
	n  atomic.Int32
}

// Len returns the number of scheduled nodes without taking the lock.
func (l *List[T]) Len() int { return int(l.n.Load()) }

// Insert schedules n to expire at when. Nodes with equal times expire in
// insertion order. It panics if n is already scheduled.
func (l *List[T]) Insert(n *Node[T], when uint64) {
	if when == NotScheduled {
		when--
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !n.list.CompareAndSwap(nil, l) {
		panic("sortlink: node already scheduled")
	}
	n.link.Value = n
	n.when.Store(when)
	l.n.Add(1)

	back := l.l.Back()
	if back == nil || back.Value.When() <= when {
		l.l.PushBack(&n.link)
		return
	}
	for it := l.l.Front(); it != nil; it = it.Next() {
		if it.Value.When() > when {
			l.l.InsertBefore(&n.link, it)
			return
		}
	}
	l.l.PushBack(&n.link)
}

func (l *List[T]) unlinkLocked(n *Node[T]) {
	l.l.Remove(&n.link)
	n.when.Store(NotScheduled)
	n.list.Store(nil)
	l.n.Add(-1)
}

// Remove unschedules n from whichever list holds it. It is a no-op for a
// node that is not scheduled and reports whether n was removed.
func Remove[T any](n *Node[T]) bool {
	for {
		l := n.list.Load()
		if l == nil {
			return false
		}
		l.mu.Lock()
		if n.list.Load() == l {
			l.unlinkLocked(n)
			l.mu.Unlock()
			return true
		}
		l.mu.Unlock()
	}
}

// Head returns the earliest expiry time, or NotScheduled if l is empty.
func (l *List[T]) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f := l.l.Front(); f != nil {
		return f.Value.When()
	}
	return NotScheduled
}

// PeekNext returns the time from now until the head expires, or 0 if the
// head is already due or the list is empty.
func (l *List[T]) PeekNext(now uint64) uint64 {
	h := l.Head()
	if h == NotScheduled || h <= now {
		return 0
	}
	return h - now
}

// PopExpired unschedules every node due at now, in expiry order, calling fn
// for each with the list lock held. fn must not touch this list.
func (l *List[T]) PopExpired(now uint64, fn func(n *Node[T])) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for {
		f := l.l.Front()
		if f == nil || f.Value.When() > now {
			return count
		}
		n := f.Value
		l.unlinkLocked(n)
		count++
		fn(n)
	}
}

// Each calls fn for every scheduled node in expiry order with the lock held.
func (l *List[T]) Each(fn func(n *Node[T]) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for it := l.l.Front(); it != nil; it = it.Next() {
		if !fn(it.Value) {
			return
		}
	}
}

// Remaining returns the time from now until n expires, 0 if due, or
// NotScheduled if n is not scheduled.
func Remaining[T any](n *Node[T], now uint64) uint64 {
	w := n.When()
	if w == NotScheduled {
		return NotScheduled
	}
	if w <= now {
		return 0
	}
	return w - now
}

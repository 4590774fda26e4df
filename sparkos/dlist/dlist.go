// Package dlist is an intrusive doubly linked list.
//
// A Node is embedded in the object it links, so insertion and removal never
// allocate. A node belongs to at most one list at a time; linking a node that
// is already linked, or unlinking it from a list it is not on, panics.
package dlist

// Node links one value into at most one List.
type Node[T any] struct {
	Value T

	prev *Node[T]
	next *Node[T]
	list *List[T]
}

// Linked reports whether n is currently on a list.
func (n *Node[T]) Linked() bool { return n.list != nil }

// Owner returns the list n is on, or nil.
func (n *Node[T]) Owner() *List[T] { return n.list }

// Next returns the node after n, or nil at the tail.
func (n *Node[T]) Next() *Node[T] {
	if n.list == nil {
		return nil
	}
	if p := n.next; p != &n.list.root {
		return p
	}
	return nil
}

// Prev returns the node before n, or nil at the head.
func (n *Node[T]) Prev() *Node[T] {
	if n.list == nil {
		return nil
	}
	if p := n.prev; p != &n.list.root {
		return p
	}
	return nil
}

// List is a doubly linked list of Nodes. The zero value is an empty list.
// A List must not be copied after first use.
type List[T any] struct {
	root Node[T]
	n    int
}

func (l *List[T]) lazyInit() {
	if l.root.next == nil {
		l.root.next = &l.root
		l.root.prev = &l.root
	}
}

func (l *List[T]) Len() int    { return l.n }
func (l *List[T]) Empty() bool { return l.n == 0 }

// Front returns the first node, or nil.
func (l *List[T]) Front() *Node[T] {
	if l.n == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last node, or nil.
func (l *List[T]) Back() *Node[T] {
	if l.n == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List[T]) insert(n, at *Node[T]) {
	if n.list != nil {
		panic("dlist: node already linked")
	}
	n.prev = at
	n.next = at.next
	at.next.prev = n
	at.next = n
	n.list = l
	l.n++
}

// PushFront links n at the head.
func (l *List[T]) PushFront(n *Node[T]) {
	l.lazyInit()
	l.insert(n, &l.root)
}

// PushBack links n at the tail.
func (l *List[T]) PushBack(n *Node[T]) {
	l.lazyInit()
	l.insert(n, l.root.prev)
}

// InsertBefore links n immediately before mark, which must be on l.
func (l *List[T]) InsertBefore(n, mark *Node[T]) {
	if mark.list != l {
		panic("dlist: mark not on list")
	}
	l.insert(n, mark.prev)
}

// InsertAfter links n immediately after mark, which must be on l.
func (l *List[T]) InsertAfter(n, mark *Node[T]) {
	if mark.list != l {
		panic("dlist: mark not on list")
	}
	l.insert(n, mark)
}

// Remove unlinks n, which must be on l.
func (l *List[T]) Remove(n *Node[T]) {
	if n.list != l {
		panic("dlist: node not on list")
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
	n.list = nil
	l.n--
}

// PopFront unlinks and returns the head, or nil if l is empty.
func (l *List[T]) PopFront() *Node[T] {
	n := l.Front()
	if n != nil {
		l.Remove(n)
	}
	return n
}

// Each calls fn for every node from head to tail until fn returns false.
// fn may remove the node it is given.
func (l *List[T]) Each(fn func(n *Node[T]) bool) {
	for n := l.Front(); n != nil; {
		next := n.Next()
		if !fn(n) {
			return
		}
		n = next
	}
}

// Unlink removes n from whichever list it is on. It is a no-op for an
// unlinked node.
func Unlink[T any](n *Node[T]) {
	if n.list != nil {
		n.list.Remove(n)
	}
}

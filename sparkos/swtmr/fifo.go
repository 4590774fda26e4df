package swtmr

import "sync/atomic"

// callback is one expired timer's handler, copied out of the expiry list.
type callback struct {
	id      ID
	handler Handler
	arg     uintptr
	due     uint64
}

// handlerFIFO is a fixed-size ring between the expiry scan, which fills it
// while holding the expiry-list lock, and dispatch, which drains it with
// no lock held. It never allocates after construction.
type handlerFIFO struct {
	_     [0]func() // prevent accidental copying.
	head  atomic.Uint32
	tail  atomic.Uint32
	slots []callback
}

func newHandlerFIFO(n int) *handlerFIFO {
	return &handlerFIFO{slots: make([]callback, n)}
}

// tryPush enqueues cb, returning false if the ring is full.
func (f *handlerFIFO) tryPush(cb callback) bool {
	head := f.head.Load()
	tail := f.tail.Load()
	if head-tail >= uint32(len(f.slots)) {
		return false
	}
	if !f.head.CompareAndSwap(head, head+1) {
		return false
	}
	f.slots[head%uint32(len(f.slots))] = cb
	return true
}

// tryPop dequeues one callback, returning false if the ring is empty.
func (f *handlerFIFO) tryPop() (callback, bool) {
	tail := f.tail.Load()
	head := f.head.Load()
	if tail == head {
		return callback{}, false
	}
	i := tail % uint32(len(f.slots))
	cb := f.slots[i]
	f.slots[i] = callback{}
	f.tail.Store(tail + 1)
	return cb, true
}

func (f *handlerFIFO) len() int { return int(f.head.Load() - f.tail.Load()) }

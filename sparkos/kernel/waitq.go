package kernel

import (
	"sparkrt/sparkos/dlist"
	"sparkrt/sparkos/sortlink"
)

// WaitQueue is a FIFO of tasks blocked on one event. The zero value is
// an empty queue. It is guarded by the kernel lock.
type WaitQueue struct {
	l dlist.List[*tcb]
}

func (q *WaitQueue) push(t *tcb) {
	q.l.PushBack(&t.pend)
	t.waitQ = q
}

// blockLocked parks t, the task running on pc, until it is woken or the
// absolute deadline passes. q may be nil when the caller already queued t.
func (k *Kernel) blockLocked(pc *percpu, t *tcb, q *WaitQueue, deadline uint64, interruptible bool) {
	t.state |= StatePending
	t.wakeErr = nil
	t.interruptible = interruptible
	if q != nil {
		q.push(t)
	}
	if deadline != Forever {
		t.state |= StatePendTime
		k.insertExpiryLocked(t, deadline)
	}
	pc.needResched = true
}

// wakeLocked ends t's wait with err and readies it unless it is also
// suspended or delayed.
func (k *Kernel) wakeLocked(t *tcb, err error) {
	if t.waitQ != nil {
		t.waitQ.l.Remove(&t.pend)
		t.waitQ = nil
	}
	sortlink.Remove(&t.sort)
	t.state &^= StatePending | StatePendTime
	t.wakeErr = err
	t.interruptible = false
	if t.state&(StateSuspended|StateDelayed|StateExited) != 0 || t.running() {
		return
	}
	k.enqueueLocked(t, false)
}

func (k *Kernel) postLocked(q *WaitQueue, err error) bool {
	n := q.l.Front()
	if n == nil {
		return false
	}
	k.wakeLocked(n.Value, err)
	return true
}

func (k *Kernel) postAllLocked(q *WaitQueue, err error) int {
	count := 0
	for k.postLocked(q, err) {
		count++
	}
	return count
}

// Post wakes the first task waiting on q and reports whether there was one.
func (k *Kernel) Post(q *WaitQueue) bool {
	k.lock(-1)
	defer k.unlock()
	return k.postLocked(q, nil)
}

// PostAll wakes every task waiting on q.
func (k *Kernel) PostAll(q *WaitQueue) int {
	k.lock(-1)
	defer k.unlock()
	return k.postAllLocked(q, nil)
}

// Waiters returns the number of tasks waiting on q.
func (k *Kernel) Waiters(q *WaitQueue) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return q.l.Len()
}

// Pend blocks the calling task on q for at most timeout ticks. A zero
// timeout polls. Unblocked signals interrupt the wait.
func (c *Context) Pend(q *WaitQueue, timeout uint64) error {
	deadline := Forever
	if timeout != Forever {
		deadline = c.k.Now() + c.k.Ticks(timeout)
	}
	return c.pend(q, deadline, timeout == 0, nil)
}

// PendUntil blocks the calling task on q until the absolute cycle time
// deadline unless ready, evaluated under the scheduling lock, already
// holds. ready must not take the scheduling lock.
func (c *Context) PendUntil(q *WaitQueue, deadline uint64, ready func() bool) error {
	return c.pend(q, deadline, false, ready)
}

func (c *Context) pend(q *WaitQueue, deadline uint64, poll bool, ready func() bool) error {
	k := c.enter()
	t := c.t
	switch {
	case ready != nil && ready():
		c.leave()
		return nil
	case poll || (deadline != Forever && deadline <= k.clock.Now()):
		c.leave()
		return ErrTimedOut
	case c.pc.preemptLock > 0:
		c.leave()
		return ErrLocked
	case t.sig.flag != 0:
		c.leave()
		return ErrInterrupted
	}
	k.blockLocked(c.pc, t, q, deadline, true)
	c.leave()
	return t.wakeErr
}

// Post wakes the first task waiting on q.
func (c *Context) Post(q *WaitQueue) bool {
	k := c.enter()
	ok := k.postLocked(q, nil)
	c.leave()
	return ok
}

// PostAll wakes every task waiting on q.
func (c *Context) PostAll(q *WaitQueue) int {
	k := c.enter()
	n := k.postAllLocked(q, nil)
	c.leave()
	return n
}

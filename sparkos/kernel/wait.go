package kernel

// waitSelector maps a wait pid argument to a selector kind and id:
// pid > 0 one child, 0 the caller's group, -1 any child, < -1 group -pid.
func waitSelector(pid PID, self *pcb) (waitKind, PID) {
	switch {
	case pid > 0:
		return waitPID, pid
	case pid == 0:
		return waitGID, self.group.id
	case pid == -1:
		return waitAny, 0
	default:
		return waitGID, -pid
	}
}

func (p *pcb) matches(kind waitKind, id PID) bool {
	switch kind {
	case waitPID:
		return p.pid == id
	case waitGID:
		return p.group != nil && p.group.id == id
	case waitAny:
		return true
	}
	return false
}

// findChildLocked returns a zombie child matching the selector, or
// ErrNoChild if no child, live or exited, could ever match.
func (k *Kernel) findChildLocked(p *pcb, kind waitKind, id PID) (*pcb, error) {
	for n := p.exitChildren.Front(); n != nil; n = n.Next() {
		if n.Value.matches(kind, id) {
			return n.Value, nil
		}
	}
	for n := p.children.Front(); n != nil; n = n.Next() {
		if n.Value.matches(kind, id) {
			return nil, nil
		}
	}
	return nil, ErrNoChild
}

// waitListInsertLocked queues t on p's wait list after every waiter of the
// same or a more specific kind.
func (k *Kernel) waitListInsertLocked(p *pcb, t *tcb) {
	q := &p.waitList
	for n := q.l.Front(); n != nil; n = n.Next() {
		if n.Value.waitFlag > t.waitFlag {
			q.l.InsertBefore(&t.pend, n)
			t.waitQ = q
			return
		}
	}
	q.push(t)
}

// wakeWaiterLocked wakes the first waiter of parent whose selector
// matches the exited child.
func (k *Kernel) wakeWaiterLocked(parent *pcb, child *pcb) bool {
	for n := parent.waitList.l.Front(); n != nil; n = n.Next() {
		w := n.Value
		if child.matches(w.waitFlag, w.waitID) {
			k.wakeLocked(w, nil)
			return true
		}
	}
	return false
}

// Wait reaps an exited child matching pid (see waitSelector) and returns
// its pid and status. With WNOHANG it returns pid 0 when matching children
// exist but none has exited.
func (c *Context) Wait(pid PID, opts WaitOption) (PID, WaitStatus, error) {
	k := c.enter()
	t := c.t
	p := t.proc
	kind, id := waitSelector(pid, p)
	for {
		z, err := k.findChildLocked(p, kind, id)
		switch {
		case err != nil:
			c.leave()
			return 0, 0, err
		case z != nil:
			zpid, status := z.pid, z.exitStatus
			k.reapLocked(z)
			c.leave()
			return zpid, status, nil
		case opts&WNOHANG != 0:
			c.leave()
			return 0, 0, nil
		case c.pc.preemptLock > 0:
			c.leave()
			return 0, 0, ErrLocked
		case t.sig.flag != 0:
			c.leave()
			return 0, 0, ErrInterrupted
		}

		t.waitFlag, t.waitID = kind, id
		k.waitListInsertLocked(p, t)
		k.blockLocked(c.pc, t, nil, Forever, true)
		c.leave()

		k = c.enter()
		t.waitFlag = waitNone
		if t.wakeErr != nil {
			err := t.wakeErr
			c.leave()
			return 0, 0, err
		}
	}
}

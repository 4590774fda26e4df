package swtmr

import (
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/sortlink"
)

// workerMain is the body of q's worker task: park until the head of the
// queue is due or changes, move every due timer's callback to the handler
// FIFO, then run the callbacks with no lock held.
func (e *Engine) workerMain(q *queue) kernel.TaskFunc {
	return func(c *kernel.Context) uintptr {
		for {
			now := c.Now()
			if head := q.list.Head(); head > now {
				c.PendUntil(&q.wq, head, func() bool {
					return q.list.Head() != head
				})
				continue
			}
			e.expire(q, now)
			e.dispatch(q, c.Now())
		}
	}
}

// expire pops every due timer on q. Callbacks are copied into the FIFO
// under the expiry-list lock; periodic timers are re-armed afterwards.
func (e *Engine) expire(q *queue, now uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	due := q.due[:0]
	q.list.PopExpired(now, func(n *sortlink.Node[*timer]) {
		t := n.Owner
		cb := callback{id: t.id, handler: t.handler, arg: t.arg, due: t.start + t.seq*t.interval}
		if !q.fifo.tryPush(cb) {
			q.dropped++
			e.logf("swtmr: handler queue full on cpu%d, timer %#x dropped", q.cpu, t.id)
		}
		due = append(due, t)
	})
	for i, t := range due {
		due[i] = nil
		t.fires++
		switch t.mode {
		case ModePeriodic:
			e.rearmLocked(q, t, now)
		case ModeOnce:
			e.freeLocked(t)
		default:
			t.state = StateCreated
		}
	}
	q.due = due[:0]
}

// rearmLocked schedules a periodic timer's next expiry relative to its
// start time. Missed periods are skipped, not replayed.
func (e *Engine) rearmLocked(q *queue, t *timer, now uint64) {
	n := (now - t.start) / t.interval
	missed := uint64(0)
	if n > t.seq {
		missed = n - t.seq
	}
	t.seq = n + 1
	if missed > 0 {
		t.overruns += missed
		if missed > 1 {
			e.logf("swtmr: timer %#x on cpu%d missed %d periods", t.id, q.cpu, missed)
		}
	}
	q.list.Insert(&t.node, t.start+t.seq*t.interval)
}

// dispatch drains q's handler FIFO.
func (e *Engine) dispatch(q *queue, now uint64) {
	for {
		cb, ok := q.fifo.tryPop()
		if !ok {
			return
		}
		if late := now - cb.due; now > cb.due {
			e.mu.Lock()
			if t, err := e.lookupLocked(cb.id); err == nil && late > t.maxLatency {
				t.maxLatency = late
			}
			e.mu.Unlock()
		}
		cb.handler(cb.arg)
	}
}

package kernel

import (
	"sparkrt/hal"
	"sparkrt/sparkos/dlist"
	"sparkrt/sparkos/sortlink"
)

// Cross-core requests posted to a task running on another core. They are
// taken at the core's next re-entry point.
const (
	sigKill uint8 = 1 << iota
	sigSuspend
	sigAffinity
)

// deadline policy bookkeeping, in cycles.
type dlParam struct {
	runtime  uint64
	deadline uint64
	period   uint64

	periodStart uint64
	absDeadline uint64
	budget      uint64
	throttled   bool
	misses      uint64
}

type tcb struct {
	id    TaskID
	name  string
	state State

	policy   Policy
	basePrio uint8
	prio     uint8
	dl       dlParam

	timeSlice uint64
	startTime uint64
	irqUsed   uint64
	yielded   bool
	boosted   bool

	// cpu is the core the task runs on, or last ran on.
	cpu      int
	affinity hal.CPUMask
	// rq is the core whose ready structure holds the task.
	rq    *percpu
	qcls  uint8
	qprio uint8

	proc   *pcb
	thread dlist.Node[*tcb]
	// pend is the one queue link: ready queue, wait queue, EDF list,
	// free list or recycle list.
	pend dlist.Node[*tcb]
	sort sortlink.Node[*tcb]

	waitQ         *WaitQueue
	interruptible bool
	wakeErr       error

	signal uint8
	sig    sigCB

	// wait-for-child selector while pended on the parent's wait list.
	waitFlag waitKind
	waitID   PID

	joinable bool
	joined   bool
	detached bool
	joinQ    WaitQueue
	syncQ    WaitQueue
	retval   uintptr
	resFreed bool

	stackSize int
	entry     TaskFunc
	ctx       *Context

	runTime  uint64
	switches uint64
}

func (t *tcb) reset() {
	id := t.id
	*t = tcb{id: id}
	t.thread.Value = t
	t.pend.Value = t
	t.sort.Init(t)
}

func (t *tcb) used() bool { return t.state != 0 }

func (t *tcb) exited() bool { return t.state&StateExited != 0 }

func (t *tcb) running() bool { return t.state&StateRunning != 0 }

// blocked reports whether the task waits on something other than a
// core: a queue, a delay or a suspend.
func (t *tcb) blocked() bool {
	return t.state&(StatePending|StateDelayed|StateSuspended|StateExited) != 0
}

func (t *tcb) class() int { return int(t.proc.class) }

// outranks reports whether a should run in preference to b.
func outranks(a, b *tcb) bool {
	if b == nil {
		return true
	}
	if a.policy == PolicyDeadline || b.policy == PolicyDeadline {
		if a.policy != PolicyDeadline {
			return false
		}
		if b.policy != PolicyDeadline {
			return true
		}
		return a.dl.absDeadline < b.dl.absDeadline
	}
	if a.class() != b.class() {
		return a.class() < b.class()
	}
	return a.prio < b.prio
}

package kernel

import (
	"sparkrt/sparkos/dlist"
	"sparkrt/sparkos/prioq"
	"sparkrt/sparkos/sortlink"
)

// percpu is one core's scheduler state. Everything except taskList is
// guarded by the kernel lock.
type percpu struct {
	cpu int

	rq       prioq.Queue[*tcb]
	edf      dlist.List[*tcb]
	taskList sortlink.List[*tcb]

	running *tcb
	idle    *tcb

	needResched bool
	preemptLock int

	// responseTime and responseID are what the tick timer was last
	// programmed with.
	responseTime uint64
	responseID   TaskID

	// back returns the baton from a task goroutine to the stepping core.
	back chan struct{}

	due []*tcb

	ticks    uint64
	switches uint64
	ipis     uint64
	programs uint64
	steals   uint64
}

func newPercpu(cpu int) *percpu {
	pc := &percpu{
		cpu:  cpu,
		back: make(chan struct{}),
	}
	pc.taskList.CPU = cpu
	return pc
}

func (pc *percpu) readyLen() int { return pc.rq.Len() + pc.edf.Len() }

// idleNow reports whether the core has nothing to run but its idle task.
func (pc *percpu) idleNow() bool {
	return pc.running == pc.idle && pc.readyLen() == 0
}

package kernel

import (
	"fmt"

	"sparkrt/hal"
	"sparkrt/sparkos/sortlink"
)

const stackAlign = 16

func (k *Kernel) stackSize(n int) (int, error) {
	if n == 0 {
		n = k.cfg.StackDefault
	}
	if n < k.cfg.StackMin {
		return 0, ErrInvalid
	}
	return (n + stackAlign - 1) &^ (stackAlign - 1), nil
}

func (k *Kernel) allocTaskLocked() (*tcb, error) {
	n := k.freeTasks.PopFront()
	if n == nil {
		return nil, ErrExhausted
	}
	return n.Value, nil
}

func (k *Kernel) freeTaskLocked(t *tcb) {
	t.reset()
	k.freeTasks.PushBack(&t.pend)
}

func (k *Kernel) setupTaskLocked(t *tcb, p *pcb, params TaskParams) {
	t.name = params.Name
	if t.name == "" {
		t.name = fmt.Sprintf("task%d", t.id)
	}
	t.entry = params.Entry
	t.policy = params.Policy
	t.basePrio = uint8(params.Priority)
	t.prio = t.basePrio
	t.joinable = params.Joinable
	t.affinity = params.Affinity & k.online
	if t.affinity == 0 {
		t.affinity = k.online
	}
	t.cpu = 0
	if k.cur >= 0 && t.affinity.Has(k.cur) {
		t.cpu = k.cur
	} else {
		for cpu := 0; cpu < k.ncpu; cpu++ {
			if t.affinity.Has(cpu) {
				t.cpu = cpu
				break
			}
		}
	}
	if t.policy == PolicyDeadline {
		k.setDeadlineLocked(t, params.Runtime, params.Deadline, params.Period)
	}
	t.state = StateInit
	t.proc = p
	k.linkThreadLocked(p, t)
}

func (k *Kernel) setDeadlineLocked(t *tcb, runtime, deadline, period uint64) {
	now := k.clock.Now()
	t.dl = dlParam{
		runtime:     k.Ticks(runtime),
		deadline:    k.Ticks(deadline),
		period:      k.Ticks(period),
		periodStart: now,
	}
	t.dl.absDeadline = now + t.dl.deadline
	t.dl.budget = t.dl.runtime
}

func (k *Kernel) startTaskLocked(t *tcb, suspended bool) {
	if t.entry != nil {
		k.startContextLocked(t)
	}
	if suspended {
		t.state |= StateSuspended
		return
	}
	k.enqueueLocked(t, false)
}

func (k *Kernel) createTaskLocked(caller *tcb, p *pcb, params TaskParams, size int) (TaskID, error) {
	if p == nil || !p.used() || p.exiting() {
		return 0, ErrNotCreated
	}
	if caller != nil && caller.proc.mode == ModeUser && caller.proc != p {
		return 0, ErrPermission
	}
	sp := SchedParam{
		Policy:   params.Policy,
		Priority: params.Priority,
		Runtime:  params.Runtime,
		Deadline: params.Deadline,
		Period:   params.Period,
	}
	if !sp.valid() {
		return 0, ErrInvalid
	}
	if params.Affinity != 0 && params.Affinity&k.online == 0 {
		return 0, ErrInvalid
	}
	if params.Policy == PolicyDeadline && p.threadCount > 0 {
		return 0, ErrInvalid
	}
	t, err := k.allocTaskLocked()
	if err != nil {
		return 0, err
	}
	k.setupTaskLocked(t, p, params)
	t.stackSize = size
	k.startTaskLocked(t, params.Suspended)
	return t.id, nil
}

// liveLocked returns ErrNotCreated unless t is a created, not yet exited task.
func liveLocked(t *tcb) error {
	if t == nil || !t.used() || t.exited() {
		return ErrNotCreated
	}
	return nil
}

// permitLocked checks that caller may operate on t. A nil caller is the
// kernel itself.
func (k *Kernel) permitLocked(caller, t *tcb) error {
	if t.proc.pid == IdlePID || t == k.procs[KernelPID].leader {
		return ErrPermission
	}
	if caller != nil && caller.proc.mode == ModeUser && caller.proc != t.proc {
		return ErrPermission
	}
	return nil
}

// deleteLocked deletes t, or asks its core to when it runs elsewhere; wait
// reports whether the caller should wait for that core's acknowledgement.
func (k *Kernel) deleteLocked(caller *tcb, pc *percpu, t *tcb) (wait bool, err error) {
	if err := liveLocked(t); err != nil {
		return false, err
	}
	if err := k.permitLocked(caller, t); err != nil {
		return false, err
	}
	if t.running() {
		if pc != nil && pc.preemptLock > 0 {
			return false, ErrLocked
		}
		t.signal |= sigKill
		k.reschedLocked(k.cpus[t.cpu])
		return pc != nil, nil
	}
	k.taskExitLocked(t, 0, true)
	return false, nil
}

// taskExitLocked tears t down to the exited state. Its stack and control
// block are released later by the reclaim task.
func (k *Kernel) taskExitLocked(t *tcb, ret uintptr, killed bool) {
	if t.exited() {
		return
	}
	p := t.proc
	if t.state&StateReady != 0 {
		k.dequeueLocked(t)
	}
	if t.waitQ != nil {
		t.waitQ.l.Remove(&t.pend)
		t.waitQ = nil
	}
	sortlink.Remove(&t.sort)

	running := t.running()
	if running {
		pc := k.cpus[t.cpu]
		if pc.running == t {
			pc.preemptLock = 0
		}
		k.reschedLocked(pc)
	}
	t.state = StateExited | t.state&StateRunning
	t.signal = 0
	t.sig = sigCB{}
	t.waitFlag = waitNone
	t.dl.throttled = false
	t.retval = ret
	if killed {
		t.wakeErr = ErrInterrupted
	}

	k.postAllLocked(&t.syncQ, nil)
	if t.joinable {
		k.postAllLocked(&t.joinQ, nil)
	}
	unlinkThread(p, t)
	if t.ctx != nil {
		t.ctx.stop()
	}
	k.recycleTasks.PushBack(&t.pend)
	k.postAllLocked(&k.reclaimQ, nil)

	if p.threadCount == 0 {
		k.processExitLocked(p)
	}
}

func (k *Kernel) suspendLocked(caller *tcb, pc *percpu, t *tcb) error {
	if err := liveLocked(t); err != nil {
		return err
	}
	if err := k.permitLocked(caller, t); err != nil {
		return err
	}
	if t.state&StateSuspended != 0 || t.signal&sigSuspend != 0 {
		return ErrAlreadyInState
	}
	if t.running() {
		if t == caller {
			if pc.preemptLock > 0 {
				return ErrLocked
			}
			t.state |= StateSuspended
			pc.needResched = true
			return nil
		}
		t.signal |= sigSuspend
		k.reschedLocked(k.cpus[t.cpu])
		return nil
	}
	if t.state&StateReady != 0 {
		k.dequeueLocked(t)
	}
	t.state |= StateSuspended
	return nil
}

func (k *Kernel) resumeLocked(caller, t *tcb) error {
	if err := liveLocked(t); err != nil {
		return err
	}
	if err := k.permitLocked(caller, t); err != nil {
		return err
	}
	if t.signal&sigSuspend != 0 {
		t.signal &^= sigSuspend
		return nil
	}
	if t.state&StateSuspended == 0 {
		return ErrAlreadyInState
	}
	t.state &^= StateSuspended
	if t.running() || t.state&(StatePending|StateDelayed) != 0 {
		return nil
	}
	k.enqueueLocked(t, false)
	return nil
}

func (k *Kernel) joinCheckLocked(caller, t *tcb) error {
	if t == nil || !t.used() {
		return ErrNotCreated
	}
	if t == caller {
		return ErrInvalid
	}
	if t.proc != caller.proc {
		return ErrPermission
	}
	if !t.joinable || t.joined || t.detached || t.joinQ.l.Len() > 0 {
		return ErrInvalid
	}
	return nil
}

func (k *Kernel) joinedLocked(t *tcb) {
	t.joined = true
	if t.resFreed {
		k.freeTaskLocked(t)
	}
}

func (k *Kernel) detachLocked(caller, t *tcb) error {
	if t == nil || !t.used() {
		return ErrNotCreated
	}
	if caller != nil && caller.proc != t.proc && caller.proc.mode == ModeUser {
		return ErrPermission
	}
	if !t.joinable || t.detached || t.joined {
		return ErrAlreadyInState
	}
	if t.exited() {
		k.joinedLocked(t)
		return nil
	}
	t.joinable = false
	t.detached = true
	k.postAllLocked(&t.joinQ, ErrInvalid)
	return nil
}

func (k *Kernel) setSchedParamLocked(caller, t *tcb, p SchedParam) error {
	if err := liveLocked(t); err != nil {
		return err
	}
	if err := k.permitLocked(caller, t); err != nil {
		return err
	}
	if !p.valid() {
		return ErrInvalid
	}
	if (p.Policy == PolicyDeadline) != (t.policy == PolicyDeadline) && t.proc.threadCount > 1 {
		return ErrInvalid
	}

	var rq *percpu
	if t.state&StateReady != 0 {
		rq = t.rq
		k.dequeueLocked(t)
	}
	if t.policy == PolicyDeadline && t.dl.throttled {
		sortlink.Remove(&t.sort)
		t.state &^= StateDelayed
		t.dl.throttled = false
		if t.state&(StateSuspended|StatePending) == 0 && !t.running() {
			rq = k.selectCoreLocked(t)
		}
	}
	if t.policy != p.Policy {
		t.timeSlice = 0
		t.startTime = k.clock.Now()
	}
	t.policy = p.Policy
	t.basePrio = uint8(p.Priority)
	if !t.boosted || t.basePrio < t.prio {
		t.prio = t.basePrio
	}
	if p.Policy == PolicyDeadline {
		k.setDeadlineLocked(t, p.Runtime, p.Deadline, p.Period)
	} else {
		t.dl = dlParam{}
	}
	if t.policy == PolicyFIFO {
		t.timeSlice = Forever
	}

	if rq != nil {
		k.enqueueOnLocked(rq, t, false)
		if outranks(t, rq.running) {
			k.reschedLocked(rq)
		}
	}
	if t.running() {
		k.reschedLocked(k.cpus[t.cpu])
	}
	return nil
}

// setPrioLocked changes t's effective priority, moving it within its
// ready structure.
func (k *Kernel) setPrioLocked(t *tcb, prio uint8) {
	if t.prio == prio {
		return
	}
	if t.state&StateReady != 0 {
		rq := t.rq
		k.dequeueLocked(t)
		t.prio = prio
		k.enqueueOnLocked(rq, t, false)
		if outranks(t, rq.running) {
			k.reschedLocked(rq)
		}
		return
	}
	t.prio = prio
	if t.running() {
		k.reschedLocked(k.cpus[t.cpu])
	}
}

func (k *Kernel) setAffinityLocked(caller, t *tcb, mask hal.CPUMask) error {
	if err := liveLocked(t); err != nil {
		return err
	}
	if err := k.permitLocked(caller, t); err != nil {
		return err
	}
	mask &= k.online
	if mask == 0 {
		return ErrInvalid
	}
	t.affinity = mask
	switch {
	case t.state&StateReady != 0 && !mask.Has(t.rq.cpu):
		k.dequeueLocked(t)
		k.enqueueLocked(t, false)
	case t.running() && !mask.Has(t.cpu):
		t.signal |= sigAffinity
		k.reschedLocked(k.cpus[t.cpu])
	}
	return nil
}

// CreateTask creates a task in process pid.
func (k *Kernel) CreateTask(pid PID, params TaskParams) (TaskID, error) {
	size, err := k.stackSize(params.StackSize)
	if err != nil {
		return 0, err
	}
	if !k.stacks.alloc(size) {
		return 0, ErrExhausted
	}
	k.lock(-1)
	id, err := k.createTaskLocked(nil, k.procLocked(pid), params, size)
	k.unlock()
	if err != nil {
		k.stacks.free(size)
	}
	return id, err
}

// DeleteTask deletes a task. A task running on some core is deleted at
// that core's next re-entry point.
func (k *Kernel) DeleteTask(id TaskID) error {
	k.lock(-1)
	defer k.unlock()
	_, err := k.deleteLocked(nil, nil, k.taskLocked(id))
	return err
}

// Suspend suspends a task.
func (k *Kernel) Suspend(id TaskID) error {
	k.lock(-1)
	defer k.unlock()
	return k.suspendLocked(nil, nil, k.taskLocked(id))
}

// Resume resumes a suspended task.
func (k *Kernel) Resume(id TaskID) error {
	k.lock(-1)
	defer k.unlock()
	return k.resumeLocked(nil, k.taskLocked(id))
}

// Detach detaches a joinable task.
func (k *Kernel) Detach(id TaskID) error {
	k.lock(-1)
	defer k.unlock()
	return k.detachLocked(nil, k.taskLocked(id))
}

// SetSchedParam changes a task's scheduling parameters.
func (k *Kernel) SetSchedParam(id TaskID, p SchedParam) error {
	k.lock(-1)
	defer k.unlock()
	return k.setSchedParamLocked(nil, k.taskLocked(id), p)
}

// GetSchedParam returns a task's scheduling parameters.
func (k *Kernel) GetSchedParam(id TaskID) (SchedParam, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.taskLocked(id)
	if err := liveLocked(t); err != nil {
		return SchedParam{}, err
	}
	p := SchedParam{Policy: t.policy, Priority: int(t.basePrio)}
	if t.policy == PolicyDeadline {
		p.Runtime = t.dl.runtime / k.cfg.TickCycles
		p.Deadline = t.dl.deadline / k.cfg.TickCycles
		p.Period = t.dl.period / k.cfg.TickCycles
	}
	return p, nil
}

// SetAffinity restricts a task to the cores in mask.
func (k *Kernel) SetAffinity(id TaskID, mask hal.CPUMask) error {
	k.lock(-1)
	defer k.unlock()
	return k.setAffinityLocked(nil, k.taskLocked(id), mask)
}

// Boost raises a task's effective priority to at least prio, for
// priority-inheritance protocols.
func (k *Kernel) Boost(id TaskID, prio int) error {
	if prio < PriorityHighest || prio > PriorityLowest {
		return ErrInvalid
	}
	k.lock(-1)
	defer k.unlock()
	t := k.taskLocked(id)
	if err := liveLocked(t); err != nil {
		return err
	}
	t.boosted = true
	if uint8(prio) < t.prio {
		k.setPrioLocked(t, uint8(prio))
	}
	return nil
}

// Restore drops a boost, returning the task to its base priority.
func (k *Kernel) Restore(id TaskID) error {
	k.lock(-1)
	defer k.unlock()
	t := k.taskLocked(id)
	if err := liveLocked(t); err != nil {
		return err
	}
	if !t.boosted {
		return ErrAlreadyInState
	}
	t.boosted = false
	k.setPrioLocked(t, t.basePrio)
	return nil
}

package kernel

import (
	"sparkrt/hal"
	"sparkrt/sparkos/dlist"
	"sparkrt/sparkos/sortlink"
)

// reschedLocked asks pc to reschedule, notifying it when it is not the
// core doing the asking.
func (k *Kernel) reschedLocked(pc *percpu) {
	pc.needResched = true
	if pc.cpu != k.cur {
		k.ipi.Send(hal.MaskOf(pc.cpu))
	}
}

// selectCoreLocked picks the core whose ready structure takes t: an idle
// core if one is eligible, else the core t last ran on, else the eligible
// core with the fewest ready tasks.
func (k *Kernel) selectCoreLocked(t *tcb) *percpu {
	mask := t.affinity & k.online
	if mask == 0 {
		mask = k.online
	}
	if mask.Has(t.cpu) && k.cpus[t.cpu].idleNow() {
		return k.cpus[t.cpu]
	}
	var best *percpu
	for cpu := 0; cpu < k.ncpu; cpu++ {
		if !mask.Has(cpu) {
			continue
		}
		pc := k.cpus[cpu]
		if pc.idleNow() {
			return pc
		}
		if best == nil || pc.readyLen() < best.readyLen() {
			best = pc
		}
	}
	if mask.Has(t.cpu) {
		return k.cpus[t.cpu]
	}
	return best
}

// enqueueLocked makes t ready and preempts its core if t outranks what
// runs there.
func (k *Kernel) enqueueLocked(t *tcb, head bool) {
	pc := k.selectCoreLocked(t)
	k.enqueueOnLocked(pc, t, head)
	if outranks(t, pc.running) {
		k.reschedLocked(pc)
	}
}

func (k *Kernel) enqueueOnLocked(pc *percpu, t *tcb, head bool) {
	if t.pend.Linked() {
		k.fatal(k.cur, "task %d enqueued while linked", t.id)
	}
	t.state = t.state&^(StateInit|StateRunning) | StateReady
	t.rq = pc
	if t.policy == PolicyDeadline {
		for n := pc.edf.Front(); n != nil; n = n.Next() {
			if n.Value.dl.absDeadline > t.dl.absDeadline {
				pc.edf.InsertBefore(&t.pend, n)
				return
			}
		}
		pc.edf.PushBack(&t.pend)
		return
	}
	t.qcls, t.qprio = uint8(t.class()), t.prio
	if head {
		pc.rq.PushFront(int(t.qcls), int(t.qprio), &t.pend)
	} else {
		pc.rq.PushBack(int(t.qcls), int(t.qprio), &t.pend)
	}
}

func (k *Kernel) dequeueLocked(t *tcb) {
	pc := t.rq
	if pc == nil || t.state&StateReady == 0 {
		k.fatal(k.cur, "task %d dequeued while not ready (%s)", t.id, t.state)
	}
	if t.pend.Owner() == &pc.edf {
		pc.edf.Remove(&t.pend)
	} else if !pc.rq.Remove(int(t.qcls), int(t.qprio), &t.pend) {
		k.fatal(k.cur, "task %d not queued at class %d priority %d", t.id, t.qcls, t.qprio)
	}
	t.rq = nil
	t.state &^= StateReady
}

// requeueLocked puts the task that was running on pc back on pc's ready
// structure. A preempted round-robin task keeps its place and remaining
// slice unless the slice is nearly spent or it yielded.
func (k *Kernel) requeueLocked(pc *percpu, t *tcb) {
	t.state &^= StateRunning
	yielded := t.yielded
	t.yielded = false
	if !t.affinity.Has(pc.cpu) {
		k.enqueueLocked(t, false)
		return
	}
	switch t.policy {
	case PolicyRR:
		if !yielded && t.timeSlice >= k.cfg.sliceThreshold() {
			k.enqueueOnLocked(pc, t, true)
			return
		}
		t.timeSlice = 0
		k.enqueueOnLocked(pc, t, false)
	case PolicyFIFO:
		k.enqueueOnLocked(pc, t, !yielded)
	default:
		k.enqueueOnLocked(pc, t, false)
	}
}

func (k *Kernel) eligible(pc *percpu) func(t *tcb) bool {
	return func(t *tcb) bool { return t.affinity.Has(pc.cpu) }
}

// pickLocked returns the best task for pc: earliest deadline first, then
// the highest priority ready task, then work taken from another core,
// then idle. The returned task is still queued.
func (k *Kernel) pickLocked(pc *percpu) *tcb {
	for n := pc.edf.Front(); n != nil; n = n.Next() {
		if n.Value.affinity.Has(pc.cpu) {
			return n.Value
		}
	}
	if n := pc.rq.Peek(); n != nil && n.Value.affinity.Has(pc.cpu) {
		return n.Value
	}
	if n := pc.rq.Find(k.eligible(pc)); n != nil {
		return n.Value
	}
	if !k.cfg.NoSteal {
		if t := k.stealLocked(pc); t != nil {
			pc.steals++
			return t
		}
	}
	return pc.idle
}

// stealLocked finds the best task queued on another core that may run
// on pc.
func (k *Kernel) stealLocked(pc *percpu) *tcb {
	ok := k.eligible(pc)
	var best *tcb
	for _, other := range k.cpus {
		if other == pc {
			continue
		}
		for n := other.edf.Front(); n != nil; n = n.Next() {
			if ok(n.Value) {
				if outranks(n.Value, best) {
					best = n.Value
				}
				break
			}
		}
		if n := other.rq.Find(ok); n != nil && outranks(n.Value, best) {
			best = n.Value
		}
	}
	return best
}

// chargeLocked bills t for the time since it was last charged, minus
// interrupt time.
func (k *Kernel) chargeLocked(t *tcb, now uint64) {
	if now < t.startTime {
		return
	}
	used := now - t.startTime
	if used > t.irqUsed {
		used -= t.irqUsed
	} else {
		used = 0
	}
	t.runTime += used
	t.startTime = now
	t.irqUsed = 0

	switch t.policy {
	case PolicyRR:
		if used >= t.timeSlice {
			t.timeSlice = 0
		} else {
			t.timeSlice -= used
		}
	case PolicyDeadline:
		if used >= t.dl.budget {
			t.dl.budget = 0
		} else {
			t.dl.budget -= used
		}
	}
}

// scheduleLocked switches pc to its best task. The caller must have
// ensured pc is not preemption-locked.
func (k *Kernel) scheduleLocked(pc *percpu) {
	pc.needResched = false
	now := k.clock.Now()
	run := pc.running
	k.chargeLocked(run, now)
	if run != pc.idle && !run.blocked() {
		k.requeueLocked(pc, run)
	}

	next := k.pickLocked(pc)
	if next != pc.idle {
		if next.policy == PolicyRR && next.timeSlice == 0 {
			next.timeSlice = k.cfg.sliceFor(next.rq.rq.Count(int(next.qcls), int(next.qprio)))
		}
		k.dequeueLocked(next)
	}
	if next.policy == PolicyFIFO {
		next.timeSlice = Forever
	}
	next.state = next.state&^(StateReady|StateInit) | StateRunning
	next.cpu = pc.cpu
	next.startTime = now
	next.irqUsed = 0

	if next != run {
		run.state &^= StateRunning
		pc.running = next
		if from, to := run.proc.addressSpace(), next.proc.addressSpace(); from != to {
			k.mmu.Switch(pc.cpu, to)
		}
		k.sw.Switch(pc.cpu, uint32(run.id), uint32(next.id))
		pc.switches++
		next.switches++
		k.stats.switches++
	}
	k.updateExpireLocked(pc)
	if run.exited() {
		k.postAllLocked(&k.reclaimQ, nil)
	}
}

// interruptLocked services a pending IPI and a due tick on pc.
func (k *Kernel) interruptLocked(pc *percpu) {
	if k.ipi.Take(pc.cpu) {
		pc.ipis++
		pc.needResched = true
	}
	now := k.clock.Now()
	if !k.timer.Fired(pc.cpu, now) {
		return
	}
	k.timer.Ack(pc.cpu)
	pc.ticks++
	pc.responseTime = hal.Never

	run := pc.running
	stale := pc.responseID != run.id
	k.expireTasksLocked(pc, now)
	if !stale {
		k.sliceCheckLocked(pc, run, now)
	}
	if end := k.clock.Now(); end > now {
		run.irqUsed += end - now
	}
	k.updateExpireLocked(pc)
}

// sliceCheckLocked charges the running task and asks for a reschedule once
// its slice or deadline budget is spent.
func (k *Kernel) sliceCheckLocked(pc *percpu, run *tcb, now uint64) {
	if run == pc.idle {
		if pc.readyLen() > 0 {
			pc.needResched = true
		}
		return
	}
	k.chargeLocked(run, now)
	switch run.policy {
	case PolicyRR:
		if run.timeSlice < k.cfg.sliceThreshold() {
			pc.needResched = true
		}
	case PolicyDeadline:
		if now >= run.dl.absDeadline && run.dl.budget > 0 {
			run.dl.misses++
			k.logf("sched: task %d missed deadline (%d cycles budget left)", run.id, run.dl.budget)
		}
		if run.dl.budget == 0 || now >= run.dl.absDeadline {
			k.throttleLocked(run, now)
			pc.needResched = true
		}
	}
}

// throttleLocked parks a deadline task until its next period.
func (k *Kernel) throttleLocked(t *tcb, now uint64) {
	next := t.dl.periodStart + t.dl.period
	for next <= now {
		next += t.dl.period
	}
	t.dl.throttled = true
	t.state |= StateDelayed
	k.insertExpiryLocked(t, next)
}

func (k *Kernel) replenishLocked(t *tcb, now uint64) {
	start := t.dl.periodStart + t.dl.period
	for start+t.dl.period <= now {
		start += t.dl.period
	}
	if start > now {
		start = now
	}
	t.dl.periodStart = start
	t.dl.absDeadline = start + t.dl.deadline
	t.dl.budget = t.dl.runtime
	t.dl.throttled = false
}

// expireTasksLocked wakes every task whose delay, bounded wait or
// throttle on pc's expiry list has run out.
func (k *Kernel) expireTasksLocked(pc *percpu, now uint64) {
	due := pc.due[:0]
	pc.taskList.PopExpired(now, func(n *sortlink.Node[*tcb]) {
		due = append(due, n.Owner)
	})
	for i, t := range due {
		due[i] = nil
		switch {
		case t.dl.throttled:
			k.replenishLocked(t, now)
			t.state &^= StateDelayed
			if t.state&StateSuspended == 0 {
				k.enqueueLocked(t, false)
			}
		case t.state&StatePending != 0:
			k.wakeLocked(t, ErrTimedOut)
		case t.state&StateDelayed != 0:
			t.state &^= StateDelayed
			if t.state&StateSuspended == 0 {
				k.enqueueLocked(t, false)
			}
		}
	}
	pc.due = due[:0]
}

// expiryCoreLocked picks the core with the fewest task and timer expiry
// nodes, preferring the calling core on a tie.
func (k *Kernel) expiryCoreLocked() *percpu {
	best := -1
	bestLoad := 0
	for cpu := 0; cpu < k.ncpu; cpu++ {
		load := k.loadLocked(cpu)
		if best < 0 || load < bestLoad || (load == bestLoad && cpu == k.cur) {
			best, bestLoad = cpu, load
		}
	}
	return k.cpus[best]
}

func (k *Kernel) loadLocked(cpu int) int {
	load := k.cpus[cpu].taskList.Len()
	if k.timerLoad != nil {
		load += k.timerLoad(cpu)
	}
	return load
}

// LeastLoadedCPU returns the core with the fewest expiry nodes.
func (k *Kernel) LeastLoadedCPU() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.expiryCoreLocked().cpu
}

// insertExpiryLocked schedules t's expiry node at the absolute time when
// on the least loaded core.
func (k *Kernel) insertExpiryLocked(t *tcb, when uint64) {
	pc := k.expiryCoreLocked()
	pc.taskList.Insert(&t.sort, when)
	if pc.cpu != k.cur {
		k.ipi.Send(hal.MaskOf(pc.cpu))
	}
}

// updateExpireLocked reprograms pc's tick timer if the next event moved:
// the head of its expiry list or the end of the running task's slice.
func (k *Kernel) updateExpireLocked(pc *percpu) {
	run := pc.running
	next := pc.taskList.Head()
	if run != pc.idle {
		var end uint64 = hal.Never
		switch run.policy {
		case PolicyRR:
			end = run.startTime + run.timeSlice
		case PolicyDeadline:
			end = run.startTime + run.dl.budget
			if run.dl.absDeadline < end {
				end = run.dl.absDeadline
			}
		}
		if end < next {
			next = end
		}
	}
	if next == pc.responseTime && run.id == pc.responseID {
		return
	}
	pc.responseTime = next
	pc.responseID = run.id
	pc.programs++
	k.timer.Program(pc.cpu, next)
}

// signalCheckLocked applies cross-core requests to pc's running task. It
// is skipped while the task holds the signal lock or the core holds the
// preemption lock.
func (k *Kernel) signalCheckLocked(pc *percpu) {
	run := pc.running
	if run.signal == 0 || run.sig.count > 0 || pc.preemptLock > 0 {
		return
	}
	flags := run.signal
	run.signal = 0
	if flags&sigKill != 0 {
		k.taskExitLocked(run, 0, true)
		return
	}
	if flags&sigSuspend != 0 {
		run.state |= StateSuspended
		pc.needResched = true
	}
	if flags&sigAffinity != 0 && !run.affinity.Has(pc.cpu) {
		pc.needResched = true
	}
}

// linkThreadLocked adds t to p's thread group.
func (k *Kernel) linkThreadLocked(p *pcb, t *tcb) {
	p.threads.PushBack(&t.thread)
	p.threadCount++
	if p.leader == nil {
		p.leader = t
	}
}

func unlinkThread(p *pcb, t *tcb) {
	dlist.Unlink(&t.thread)
	p.threadCount--
}

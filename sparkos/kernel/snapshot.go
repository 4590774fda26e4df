package kernel

import "sparkrt/hal"

// TaskInfo is a point-in-time view of one task.
type TaskInfo struct {
	ID       TaskID
	Name     string
	PID      PID
	State    State
	Policy   Policy
	Priority int
	BasePrio int
	CPU      int
	Affinity hal.CPUMask
	// RunTime is the cycles the task has run, including the uncharged
	// part of a slice in progress.
	RunTime  uint64
	Switches uint64
	// Slice is the remaining round-robin slice in cycles.
	Slice    uint64
	Throttle bool
	Misses   uint64
}

// ProcInfo is a point-in-time view of one process.
type ProcInfo struct {
	PID     PID
	Name    string
	Mode    Mode
	Status  ProcStatus
	Class   int
	Parent  PID
	Group   PID
	Threads int
	Exit    WaitStatus
	Space   hal.AddressSpace
}

// CPUInfo is a point-in-time view of one core.
type CPUInfo struct {
	CPU         int
	Running     TaskID
	Ready       int
	Expiring    int
	PreemptLock int
	Ticks       uint64
	Switches    uint64
	IPIs        uint64
	Programs    uint64
	Steals      uint64
	// NextEvent is the tick timer's programmed deadline.
	NextEvent uint64
}

// Stats are kernel-wide counters.
type Stats struct {
	Switches     uint64
	Forks        uint64
	Exits        uint64
	Reaped       uint64
	FreeTasks    int
	FreeProcs    int
	FreeGroups   int
	StackAvail   int
	PendingTasks int
	PendingProcs int
}

// Snapshot is a consistent view of the whole kernel.
type Snapshot struct {
	Now   uint64
	CPUs  []CPUInfo
	Tasks []TaskInfo
	Procs []ProcInfo
	Stats Stats
}

func (k *Kernel) taskInfoLocked(t *tcb, now uint64) TaskInfo {
	ti := TaskInfo{
		ID:       t.id,
		Name:     t.name,
		State:    t.state,
		Policy:   t.policy,
		Priority: int(t.prio),
		BasePrio: int(t.basePrio),
		CPU:      t.cpu,
		Affinity: t.affinity,
		RunTime:  t.runTime,
		Switches: t.switches,
		Slice:    t.timeSlice,
		Throttle: t.dl.throttled,
		Misses:   t.dl.misses,
	}
	if t.proc != nil {
		ti.PID = t.proc.pid
	}
	if t.cpu >= 0 && t.cpu < len(k.cpus) && k.cpus[t.cpu].running == t {
		ti.RunTime, ti.Slice = k.liveChargeLocked(t, now)
	}
	return ti
}

// liveChargeLocked reports a running task's run time and remaining slice
// as if it were charged at now, without charging it.
func (k *Kernel) liveChargeLocked(t *tcb, now uint64) (runTime, slice uint64) {
	runTime, slice = t.runTime, t.timeSlice
	if now <= t.startTime {
		return runTime, slice
	}
	used := now - t.startTime
	if used > t.irqUsed {
		used -= t.irqUsed
	} else {
		used = 0
	}
	runTime += used
	if t.policy == PolicyRR {
		if used >= slice {
			slice = 0
		} else {
			slice -= used
		}
	}
	return runTime, slice
}

func (k *Kernel) procInfoLocked(p *pcb) ProcInfo {
	pi := ProcInfo{
		PID:     p.pid,
		Name:    p.name,
		Mode:    p.mode,
		Status:  p.status,
		Class:   int(p.class),
		Threads: p.threadCount,
		Exit:    p.exitStatus,
		Space:   p.addressSpace(),
	}
	if p.parent != nil {
		pi.Parent = p.parent.pid
	}
	if p.group != nil {
		pi.Group = p.group.id
	}
	return pi
}

func (k *Kernel) statsLocked() Stats {
	return Stats{
		Switches:     k.stats.switches,
		Forks:        k.stats.forks,
		Exits:        k.stats.exits,
		Reaped:       k.stats.reaped,
		FreeTasks:    k.freeTasks.Len(),
		FreeProcs:    k.freeProcs.Len(),
		FreeGroups:   k.freeGroups.Len(),
		StackAvail:   k.stacks.available(),
		PendingTasks: k.recycleTasks.Len(),
		PendingProcs: k.recycleProcs.Len(),
	}
}

// Snapshot returns every used task and process and every core.
func (k *Kernel) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.clock.Now()
	s := Snapshot{Now: now, Stats: k.statsLocked()}
	for _, pc := range k.cpus {
		s.CPUs = append(s.CPUs, CPUInfo{
			CPU:         pc.cpu,
			Running:     pc.running.id,
			Ready:       pc.readyLen(),
			Expiring:    pc.taskList.Len(),
			PreemptLock: pc.preemptLock,
			Ticks:       pc.ticks,
			Switches:    pc.switches,
			IPIs:        pc.ipis,
			Programs:    pc.programs,
			Steals:      pc.steals,
			NextEvent:   pc.responseTime,
		})
	}
	for i := range k.tasks {
		if t := &k.tasks[i]; t.used() {
			s.Tasks = append(s.Tasks, k.taskInfoLocked(t, now))
		}
	}
	for i := range k.procs {
		if p := &k.procs[i]; p.used() {
			s.Procs = append(s.Procs, k.procInfoLocked(p))
		}
	}
	return s
}

// Task returns a view of one task.
func (k *Kernel) Task(id TaskID) (TaskInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.taskLocked(id)
	if t == nil || !t.used() {
		return TaskInfo{}, ErrNotCreated
	}
	return k.taskInfoLocked(t, k.clock.Now()), nil
}

// Process returns a view of one process.
func (k *Kernel) Process(pid PID) (ProcInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.procLocked(pid)
	if p == nil {
		return ProcInfo{}, ErrNotCreated
	}
	return k.procInfoLocked(p), nil
}

// Threads returns the IDs of pid's live threads in creation order.
func (k *Kernel) Threads(pid PID) []TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.procLocked(pid)
	if p == nil {
		return nil
	}
	var ids []TaskID
	for n := p.threads.Front(); n != nil; n = n.Next() {
		ids = append(ids, n.Value.id)
	}
	return ids
}

// MainThread returns pid's main thread.
func (k *Kernel) MainThread(pid PID) (TaskID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.procLocked(pid)
	if p == nil || p.leader == nil {
		return 0, ErrNotCreated
	}
	return p.leader.id, nil
}

// Running returns the task running on cpu.
func (k *Kernel) Running(cpu int) TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cpus[cpu].running.id
}

// Idle returns cpu's idle task.
func (k *Kernel) Idle(cpu int) TaskID { return k.cpus[cpu].idle.id }

// Stats returns the kernel-wide counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.statsLocked()
}

// SigState returns a task's blocked, pending and flagged signal sets.
func (k *Kernel) SigState(id TaskID) (blocked, pending, flagged SigSet, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.taskLocked(id)
	if err := liveLocked(t); err != nil {
		return 0, 0, 0, err
	}
	return t.sig.blocked, t.sig.pending, t.sig.flag, nil
}

package kernel

import (
	"fmt"
	"sync"

	"sparkrt/hal"
	"sparkrt/sparkos/dlist"
)

// Kernel is the SMP scheduling and task/process lifecycle core.
//
// All scheduler, task and process state is guarded by mu. The per-core
// expiry lists have their own locks and are always taken after mu.
type Kernel struct {
	mu sync.Mutex
	// cur is the core whose code holds mu, or -1.
	cur int

	cfg   Config
	log   hal.Logger
	clock hal.Clock
	timer hal.Timer
	ipi   hal.IPI
	mmu   hal.MMU
	sw    hal.Switcher

	ncpu   int
	online hal.CPUMask
	cpus   []*percpu

	tasks  []tcb
	procs  []pcb
	groups []pgroup

	freeTasks    dlist.List[*tcb]
	freeProcs    dlist.List[*pcb]
	freeGroups   dlist.List[*pgroup]
	recycleTasks dlist.List[*tcb]
	recycleProcs dlist.List[*pcb]
	reclaimQ     WaitQueue
	initQ        WaitQueue

	stacks *stackPool

	timerLoad    func(cpu int) int
	reclaimHooks []func(pid PID)
	forkHooks    []func(parent, child PID)

	stats kernelStats
}

type kernelStats struct {
	switches uint64
	forks    uint64
	exits    uint64
	reaped   uint64
}

// New boots a kernel on h: the idle process with one idle task per core,
// init, and the kernel root process whose main task is the reclaimer.
func New(h hal.HAL, cfg Config) *Kernel {
	ncpu := clampCPUs(h.NumCPU())
	cfg = cfg.withDefaults(ncpu)
	k := &Kernel{
		cur:    -1,
		cfg:    cfg,
		log:    h.Logger(),
		clock:  h.Clock(),
		timer:  h.Timer(),
		ipi:    h.IPI(),
		mmu:    h.MMU(),
		sw:     h.Switcher(),
		ncpu:   ncpu,
		online: hal.AllCPUs(ncpu),
		stacks: newStackPool(cfg.StackPool),
	}

	k.tasks = make([]tcb, cfg.MaxTasks)
	for i := range k.tasks {
		t := &k.tasks[i]
		t.id = TaskID(i)
		t.reset()
		if i >= ncpu {
			k.freeTasks.PushBack(&t.pend)
		}
	}
	k.procs = make([]pcb, cfg.MaxProcesses)
	k.groups = make([]pgroup, cfg.MaxProcesses)
	for i := range k.procs {
		p := &k.procs[i]
		p.pid = PID(i)
		p.reset()
		g := &k.groups[i]
		g.link.Value = g
		if i >= firstUserPID {
			k.freeProcs.PushBack(&p.link)
		}
		k.freeGroups.PushBack(&g.link)
	}

	k.cpus = make([]*percpu, ncpu)
	for cpu := range k.cpus {
		k.cpus[cpu] = newPercpu(cpu)
	}

	k.mu.Lock()
	k.bootLocked()
	k.mu.Unlock()
	return k
}

func (k *Kernel) bootLocked() {
	now := k.clock.Now()

	idle := k.rootProcLocked(IdlePID, "idle", ModeKernel, ClassIdle, nil)
	for cpu, pc := range k.cpus {
		t := &k.tasks[cpu]
		t.name = fmt.Sprintf("idle%d", cpu)
		t.proc = idle
		t.policy = PolicyFIFO
		t.basePrio, t.prio = PriorityLowest, PriorityLowest
		t.affinity = hal.MaskOf(cpu)
		t.cpu = cpu
		t.state = StateRunning
		t.startTime = now
		k.linkThreadLocked(idle, t)
		pc.idle = t
		pc.running = t
		pc.responseTime = hal.Never
	}

	root := k.rootProcLocked(KernelPID, "kthreadd", ModeKernel, ClassKernel, nil)
	init := k.rootProcLocked(InitPID, "init", ModeUser, ClassUser, root)

	it, _ := k.allocTaskLocked()
	k.setupTaskLocked(it, init, TaskParams{Name: "init", Priority: PriorityLowest})
	it.state = StatePending
	k.initQ.push(it)

	rt, _ := k.allocTaskLocked()
	k.setupTaskLocked(rt, root, TaskParams{Name: "reclaim", Priority: reclaimPriority, Entry: k.reclaimMain})
	k.startTaskLocked(rt, false)
}

func (k *Kernel) rootProcLocked(pid PID, name string, mode Mode, class int, parent *pcb) *pcb {
	p := &k.procs[pid]
	p.name = name
	p.mode = mode
	p.class = uint8(class)
	p.status = ProcRunning
	p.space = &space{refs: 1}
	p.files = &shared{refs: 1}
	p.creds = &shared{refs: 1}
	p.container = &shared{refs: 1}
	if parent != nil {
		p.parent = parent
		parent.children.PushBack(&p.sibling)
	}
	g := k.allocGroupLocked(pid)
	g.root = true
	g.procs.PushBack(&p.groupLink)
	p.group = g
	p.status |= ProcGroupLeader
	return p
}

func (k *Kernel) lock(cpu int) {
	k.mu.Lock()
	k.cur = cpu
}

func (k *Kernel) unlock() {
	k.cur = -1
	k.mu.Unlock()
}

func (k *Kernel) logf(format string, args ...any) {
	if k.log == nil {
		return
	}
	k.log.WriteLineString(fmt.Sprintf(format, args...))
}

// NumCPU returns the number of cores the kernel schedules.
func (k *Kernel) NumCPU() int { return k.ncpu }

// Now returns the current cycle count.
func (k *Kernel) Now() uint64 { return k.clock.Now() }

// TickCycles returns the length of one tick in cycles.
func (k *Kernel) TickCycles() uint64 { return k.cfg.TickCycles }

// Ticks converts ticks to cycles.
func (k *Kernel) Ticks(n uint64) uint64 {
	if n == Forever {
		return Forever
	}
	return n * k.cfg.TickCycles
}

// SetTimerLoad registers the software timer engine's per-core node count
// so delays and timers are balanced together.
func (k *Kernel) SetTimerLoad(fn func(cpu int) int) {
	k.mu.Lock()
	k.timerLoad = fn
	k.mu.Unlock()
}

// OnProcessReclaim registers fn to run, outside the scheduling lock, when
// an exited process's resources are released.
func (k *Kernel) OnProcessReclaim(fn func(pid PID)) {
	k.mu.Lock()
	k.reclaimHooks = append(k.reclaimHooks, fn)
	k.mu.Unlock()
}

// OnFork registers fn to run after a process is created.
func (k *Kernel) OnFork(fn func(parent, child PID)) {
	k.mu.Lock()
	k.forkHooks = append(k.forkHooks, fn)
	k.mu.Unlock()
}

func (k *Kernel) taskLocked(id TaskID) *tcb {
	if int(id) >= len(k.tasks) {
		return nil
	}
	return &k.tasks[id]
}

func (k *Kernel) procLocked(pid PID) *pcb {
	if pid < 0 || int(pid) >= len(k.procs) {
		return nil
	}
	p := &k.procs[pid]
	if !p.used() {
		return nil
	}
	return p
}

// Step runs one scheduling step on cpu: it services a due tick or IPI,
// applies cross-core requests to the running task, reschedules if needed
// and then lets the running task execute up to its next kernel entry.
func (k *Kernel) Step(cpu int) {
	if InPanicMode() || cpu < 0 || cpu >= k.ncpu {
		return
	}
	pc := k.cpus[cpu]
	defer recoverFatal()

	k.lock(cpu)
	k.interruptLocked(pc)
	k.signalCheckLocked(pc)
	if pc.needResched && pc.preemptLock == 0 {
		k.scheduleLocked(pc)
	}
	k.updateExpireLocked(pc)
	c := pc.running.ctx
	k.unlock()

	if c == nil {
		return
	}
	select {
	case c.resume <- pc:
		<-pc.back
	case <-c.kill:
	}
}

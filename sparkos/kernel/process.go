package kernel

import (
	"sparkrt/hal"
	"sparkrt/sparkos/dlist"
)

func (k *Kernel) allocProcLocked() (*pcb, error) {
	n := k.freeProcs.PopFront()
	if n == nil {
		return nil, ErrExhausted
	}
	return n.Value, nil
}

// freeProcLocked returns p's slot to the pool. A pid that still names a
// process group is not reused until the group is gone.
func (k *Kernel) freeProcLocked(p *pcb) {
	pid := p.pid
	p.reset()
	if pid < firstUserPID || k.groups[pid].used {
		return
	}
	k.freeProcs.PushBack(&p.link)
}

func (s *space) get() *space {
	s.refs++
	return s
}

// Spawn creates a process under parent whose main thread is params.Main.
func (k *Kernel) Spawn(parent PID, params ProcParams) (PID, error) {
	return k.spawn(nil, -1, parent, params)
}

// Fork creates a child process of the caller whose main thread runs entry
// with the caller's scheduling parameters. flags select what the child
// shares with the caller.
func (c *Context) Fork(flags CloneFlags, entry TaskFunc) (PID, error) {
	t := c.t
	c.k.mu.Lock()
	main := TaskParams{
		Name:      t.name,
		Entry:     entry,
		StackSize: t.stackSize,
		Priority:  int(t.basePrio),
		Policy:    t.policy,
		Affinity:  t.affinity,
	}
	if main.Policy == PolicyDeadline {
		main.Policy = PolicyRR
	}
	params := ProcParams{
		Name:  t.proc.name,
		Mode:  t.proc.mode,
		Class: -1,
		Flags: flags,
		Main:  main,
	}
	self := t.proc.pid
	c.k.mu.Unlock()
	pid, err := c.k.spawn(t, c.pc.cpu, self, params)
	c.Checkpoint()
	return pid, err
}

func (k *Kernel) spawn(caller *tcb, cpu int, parent PID, params ProcParams) (PID, error) {
	size, err := k.stackSize(params.Main.StackSize)
	if err != nil {
		return 0, err
	}
	if !k.stacks.alloc(size) {
		return 0, ErrExhausted
	}

	// Address spaces are copied outside the scheduling lock.
	var as hal.AddressSpace
	fresh := params.Mode == ModeUser && params.Flags&CloneVM == 0
	if fresh {
		k.mu.Lock()
		var from hal.AddressSpace
		if pp := k.procLocked(parent); pp != nil {
			from = pp.addressSpace()
		}
		k.mu.Unlock()
		as, err = k.mmu.Copy(from)
		if err != nil {
			k.stacks.free(size)
			k.logf("proc: address space copy for %q failed: %v", params.Name, err)
			return 0, ErrExhausted
		}
	}

	k.lock(cpu)
	pid, err := k.forkLocked(caller, k.procLocked(parent), params, as, fresh, size)
	hooks := k.forkHooks
	k.unlock()

	if err != nil {
		k.stacks.free(size)
		if fresh {
			k.mmu.Free(as)
		}
		return 0, err
	}
	for _, fn := range hooks {
		fn(parent, pid)
	}
	return pid, nil
}

func (k *Kernel) forkLocked(caller *tcb, parent *pcb, params ProcParams, as hal.AddressSpace, fresh bool, size int) (PID, error) {
	if parent == nil || parent.exiting() {
		return 0, ErrNotCreated
	}
	if parent.pid == IdlePID {
		return 0, ErrPermission
	}
	if caller != nil && caller.proc.mode == ModeUser && params.Mode == ModeKernel {
		return 0, ErrPermission
	}
	class := params.Class
	if class < 0 {
		class = int(parent.class)
	}
	if class >= ClassIdle {
		return 0, ErrInvalid
	}
	main := params.Main
	sp := SchedParam{Policy: main.Policy, Priority: main.Priority, Runtime: main.Runtime, Deadline: main.Deadline, Period: main.Period}
	if !sp.valid() || (main.Affinity != 0 && main.Affinity&k.online == 0) {
		return 0, ErrInvalid
	}
	if k.freeTasks.Empty() {
		return 0, ErrExhausted
	}
	p, err := k.allocProcLocked()
	if err != nil {
		return 0, err
	}

	p.name = params.Name
	p.mode = params.Mode
	p.class = uint8(class)
	p.status = ProcInit

	rp := parent
	if params.Flags&CloneParent != 0 && parent.parent != nil {
		rp = parent.parent
	}
	p.parent = rp
	rp.children.PushBack(&p.sibling)

	switch {
	case params.Mode == ModeKernel:
		p.space = k.procs[KernelPID].space.get()
	case !fresh:
		p.space = parent.space.get()
	default:
		p.space = &space{as: as, refs: 1}
	}
	p.files = shareOrDup(parent.files, params.Flags&CloneFiles != 0)
	p.creds = shareOrDup(parent.creds, params.Flags&CloneCreds != 0)
	p.container = shareOrDup(parent.container, params.Flags&CloneContainer != 0)
	p.actions = parent.actions

	g := parent.group
	g.procs.PushBack(&p.groupLink)
	p.group = g

	if main.Name == "" {
		main.Name = p.name
	}
	t, _ := k.allocTaskLocked()
	k.setupTaskLocked(t, p, main)
	t.stackSize = size
	p.status = ProcRunning
	k.startTaskLocked(t, main.Suspended)
	k.stats.forks++
	return p.pid, nil
}

func shareOrDup(s *shared, share bool) *shared {
	if share && s != nil {
		return s.get()
	}
	return dupShared(s)
}

// exitGroupLocked ends t's process with code: sibling threads are killed
// and t exits.
func (k *Kernel) exitGroupLocked(t *tcb, code int) {
	p := t.proc
	if !p.exiting() {
		p.status |= ProcExiting
		p.exitStatus = exitedStatus(code)
	}
	k.killThreadsLocked(p, t)
	k.taskExitLocked(t, uintptr(code), false)
}

// killProcessLocked terminates every thread of p on behalf of signal s.
func (k *Kernel) killProcessLocked(p *pcb, s Signal) {
	if p.exiting() || p.pid < firstUserPID {
		return
	}
	p.status |= ProcExiting
	p.termSig = s
	p.exitStatus = signaledStatus(s)
	k.killThreadsLocked(p, nil)
}

func (k *Kernel) killThreadsLocked(p *pcb, except *tcb) {
	p.threads.Each(func(n *dlist.Node[*tcb]) bool {
		if th := n.Value; th != except {
			k.killThreadLocked(th)
		}
		return true
	})
}

// killThreadLocked deletes th now, or at its core's next re-entry point
// if it is running.
func (k *Kernel) killThreadLocked(th *tcb) {
	if th.exited() {
		return
	}
	if th.running() {
		th.signal |= sigKill
		k.reschedLocked(k.cpus[th.cpu])
		return
	}
	k.taskExitLocked(th, 0, true)
}

// processExitLocked runs when p's last thread has exited: p's children go
// to an adoptive root, p becomes a zombie on its parent's exited list and
// a waiting parent is woken.
func (k *Kernel) processExitLocked(p *pcb) {
	if p.status&ProcExiting == 0 {
		p.status |= ProcExiting
		p.exitStatus = exitedStatus(0)
	}
	p.status &^= ProcRunning

	for i := range k.tasks {
		t := &k.tasks[i]
		if t.proc == p && t.exited() && t.joinable && !t.joined {
			t.detached = true
			if t.resFreed {
				k.freeTaskLocked(t)
			}
		}
	}

	k.reparentLocked(p)

	if g := p.group; g != nil {
		g.procs.Remove(&p.groupLink)
		g.exitProcs.PushBack(&p.groupLink)
	}
	parent := p.parent
	parent.children.Remove(&p.sibling)
	parent.exitChildren.PushBack(&p.sibling)
	p.status = p.status&^ProcExiting | ProcZombie
	k.stats.exits++

	k.recycleProcs.PushBack(&p.link)
	k.postAllLocked(&k.reclaimQ, nil)

	woke := k.wakeWaiterLocked(parent, p)
	k.sendProcessLocked(parent, SigInfo{Signo: SIGCHLD, Code: CodeChildExited, Sender: p.pid})
	if !woke && autoReaps(parent) {
		k.reapLocked(p)
	}
}

func autoReaps(p *pcb) bool { return p.pid == InitPID || p.pid == KernelPID }

func (k *Kernel) adoptiveRootLocked(p *pcb) *pcb {
	if p.mode == ModeKernel {
		return &k.procs[KernelPID]
	}
	return &k.procs[InitPID]
}

// reparentLocked hands p's children to their adoptive roots. Zombies are
// reaped by the root at once.
func (k *Kernel) reparentLocked(p *pcb) {
	for n := p.children.Front(); n != nil; {
		next := n.Next()
		c := n.Value
		p.children.Remove(n)
		root := k.adoptiveRootLocked(c)
		c.parent = root
		root.children.PushBack(n)
		n = next
	}
	for n := p.exitChildren.Front(); n != nil; {
		next := n.Next()
		z := n.Value
		p.exitChildren.Remove(n)
		root := k.adoptiveRootLocked(z)
		z.parent = root
		root.exitChildren.PushBack(n)
		k.reapLocked(z)
		n = next
	}
}

// reapLocked collects a zombie's exit status on behalf of its parent.
func (k *Kernel) reapLocked(z *pcb) {
	dlist.Unlink(&z.sibling)
	if g := z.group; g != nil {
		g.exitProcs.Remove(&z.groupLink)
		z.group = nil
		k.maybeFreeGroupLocked(g)
	}
	z.reaped = true
	k.stats.reaped++
	if z.resFreed {
		k.freeProcLocked(z)
	}
}

// SetProcessClass moves every thread of pid to process priority class cls.
func (k *Kernel) SetProcessClass(pid PID, cls int) error {
	if cls < 0 || cls >= ClassIdle {
		return ErrInvalid
	}
	k.lock(-1)
	defer k.unlock()
	p := k.procLocked(pid)
	if p == nil || p.exiting() {
		return ErrNotCreated
	}
	if p.pid < firstUserPID {
		return ErrPermission
	}
	p.threads.Each(func(n *dlist.Node[*tcb]) bool {
		t := n.Value
		if t.state&StateReady != 0 {
			rq := t.rq
			k.dequeueLocked(t)
			p.class = uint8(cls)
			k.enqueueOnLocked(rq, t, false)
			if outranks(t, rq.running) {
				k.reschedLocked(rq)
			}
		} else if t.running() {
			k.reschedLocked(k.cpus[t.cpu])
		}
		return true
	})
	p.class = uint8(cls)
	return nil
}

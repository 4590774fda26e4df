package kernel

import "sparkrt/hal"

// reclaimPriority keeps the reclaimer ahead of kernel workers at the
// default priority.
const reclaimPriority = 5

type reclaimBatch struct {
	tasks  []*tcb
	procs  []*pcb
	stacks int
	spaces []hal.AddressSpace
}

// reclaimMain is the kernel root's main thread. It releases the stacks,
// address spaces and control blocks of exited tasks and processes.
func (k *Kernel) reclaimMain(c *Context) uintptr {
	var b reclaimBatch
	for {
		k.reclaimOnce(c.pc.cpu, &b)
		c.PendUntil(&k.reclaimQ, Forever, func() bool {
			return k.reclaimableLocked()
		})
	}
}

// reclaimableLocked reports whether a pass would make progress.
func (k *Kernel) reclaimableLocked() bool {
	if !k.recycleProcs.Empty() {
		return true
	}
	for n := k.recycleTasks.Front(); n != nil; n = n.Next() {
		if !n.Value.running() {
			return true
		}
	}
	return false
}

// reclaimOnce runs one pass. Collaborator frees happen outside the
// scheduling lock; control blocks are returned to their pools only when
// nobody can still observe them.
func (k *Kernel) reclaimOnce(cpu int, b *reclaimBatch) {
	k.lock(cpu)
	for n := k.recycleTasks.Front(); n != nil; {
		next := n.Next()
		t := n.Value
		if !t.running() {
			k.recycleTasks.Remove(n)
			b.tasks = append(b.tasks, t)
			b.stacks += t.stackSize
			t.stackSize = 0
		}
		n = next
	}
	for n := k.recycleProcs.PopFront(); n != nil; n = k.recycleProcs.PopFront() {
		p := n.Value
		b.procs = append(b.procs, p)
		if s := p.space; s != nil {
			s.refs--
			if s.refs == 0 && s.as != 0 {
				b.spaces = append(b.spaces, s.as)
			}
			p.space = nil
		}
		for _, r := range []**shared{&p.files, &p.creds, &p.container} {
			if *r != nil {
				(*r).refs--
				*r = nil
			}
		}
	}
	hooks := k.reclaimHooks
	k.unlock()

	if b.stacks > 0 {
		k.stacks.free(b.stacks)
	}
	for _, p := range b.procs {
		for _, fn := range hooks {
			fn(p.pid)
		}
	}
	for _, as := range b.spaces {
		k.mmu.Free(as)
	}

	k.lock(cpu)
	for _, t := range b.tasks {
		t.resFreed = true
		if !t.joinable || t.joined || t.detached {
			k.freeTaskLocked(t)
		}
	}
	for _, p := range b.procs {
		p.resFreed = true
		if p.reaped {
			k.freeProcLocked(p)
		}
	}
	k.unlock()

	clear(b.tasks)
	clear(b.procs)
	b.tasks, b.procs, b.spaces, b.stacks = b.tasks[:0], b.procs[:0], b.spaces[:0], 0
}

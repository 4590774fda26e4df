package kernel

import (
	"sparkrt/hal"
	"sparkrt/sparkos/dlist"
)

// ProcStatus is a process's status bitmask. Zero means unused.
type ProcStatus uint8

const (
	ProcInit ProcStatus = 1 << iota
	ProcRunning
	ProcExiting
	ProcZombie
	ProcGroupLeader
)

func (s ProcStatus) String() string {
	switch {
	case s == 0:
		return "unused"
	case s&ProcZombie != 0:
		return "zombie"
	case s&ProcExiting != 0:
		return "exiting"
	case s&ProcRunning != 0:
		return "running"
	case s&ProcInit != 0:
		return "init"
	}
	return "invalid"
}

type waitKind uint8

const (
	waitNone waitKind = iota
	waitPID
	waitGID
	waitAny
)

// space is a reference-counted address space; zero is the kernel space.
type space struct {
	as   hal.AddressSpace
	refs int
}

// shared is a reference-counted collaborator resource (file table,
// credentials, namespace container) that fork may share or duplicate.
type shared struct {
	refs int
	gen  uint32
}

func (s *shared) get() *shared {
	s.refs++
	return s
}

func dupShared(s *shared) *shared {
	if s == nil {
		return &shared{refs: 1}
	}
	return &shared{refs: 1, gen: s.gen + 1}
}

type pcb struct {
	pid    PID
	name   string
	mode   Mode
	status ProcStatus
	class  uint8

	parent       *pcb
	sibling      dlist.Node[*pcb]
	children     dlist.List[*pcb]
	exitChildren dlist.List[*pcb]

	group     *pgroup
	groupLink dlist.Node[*pcb]

	threads     dlist.List[*tcb]
	threadCount int
	leader      *tcb

	space     *space
	files     *shared
	creds     *shared
	container *shared

	// waitList holds threads blocked in Wait, ordered PID then GID then
	// any-child waiters, FIFO within each kind.
	waitList WaitQueue

	actions [NumSignals + 1]SigAction

	exitStatus WaitStatus
	termSig    Signal

	resFreed bool
	reaped   bool

	// free/recycle list link
	link dlist.Node[*pcb]
}

func (p *pcb) reset() {
	pid := p.pid
	*p = pcb{pid: pid}
	p.sibling.Value = p
	p.groupLink.Value = p
	p.link.Value = p
}

func (p *pcb) used() bool { return p.status != 0 }

func (p *pcb) zombie() bool { return p.status&ProcZombie != 0 }

func (p *pcb) exiting() bool { return p.status&(ProcExiting|ProcZombie) != 0 }

func (p *pcb) addressSpace() hal.AddressSpace {
	if p.space == nil {
		return 0
	}
	return p.space.as
}

// defaultThread is the thread that receives process-wide signals nobody
// else is better placed to take.
func (p *pcb) defaultThread() *tcb {
	if l := p.leader; l != nil && l.proc == p && !l.exited() {
		return l
	}
	if n := p.threads.Front(); n != nil {
		return n.Value
	}
	return nil
}

package kernel

import "sparkrt/sparkos/dlist"

// pgroup is a process group. Its id is the pid of the process that
// created it; that pid is not reused while the group exists.
type pgroup struct {
	id        PID
	used      bool
	root      bool
	procs     dlist.List[*pcb]
	exitProcs dlist.List[*pcb]
	link      dlist.Node[*pgroup]
}

func (k *Kernel) allocGroupLocked(id PID) *pgroup {
	g := &k.groups[id]
	if g.used {
		return nil
	}
	dlist.Unlink(&g.link)
	g.id = id
	g.used = true
	return g
}

func (k *Kernel) groupLocked(id PID) *pgroup {
	if id <= 0 || int(id) >= len(k.groups) || !k.groups[id].used {
		return nil
	}
	return &k.groups[id]
}

// maybeFreeGroupLocked frees a non-root group with no live and no exited
// members, releasing its leader's pid if that process is gone.
func (k *Kernel) maybeFreeGroupLocked(g *pgroup) {
	if g.root || !g.procs.Empty() || !g.exitProcs.Empty() {
		return
	}
	g.used = false
	k.freeGroups.PushBack(&g.link)
	p := &k.procs[g.id]
	if g.id >= firstUserPID && !p.used() && !p.link.Linked() {
		k.freeProcs.PushBack(&p.link)
	}
}

// setGroupLocked moves p into group pgid (0 means p's own pid). Joining a
// group that does not exist is only allowed when it would be p's own; on
// failure p stays in its old group.
func (k *Kernel) setGroupLocked(caller *pcb, p *pcb, pgid PID) error {
	if pgid < 0 {
		return ErrInvalid
	}
	if p == nil || p.exiting() {
		return ErrNotCreated
	}
	if pgid == 0 {
		pgid = p.pid
	}
	if p.pid < firstUserPID {
		return ErrPermission
	}
	if caller != nil && caller.mode == ModeUser && caller != p && p.parent != caller {
		return ErrPermission
	}
	old := p.group
	if old.id == pgid {
		return nil
	}

	old.procs.Remove(&p.groupLink)
	g := k.groupLocked(pgid)
	if g == nil {
		if pgid == p.pid {
			g = k.allocGroupLocked(pgid)
		}
		if g == nil {
			old.procs.PushBack(&p.groupLink)
			return ErrPermission
		}
	}
	g.procs.PushBack(&p.groupLink)
	p.group = g
	if pgid == p.pid {
		p.status |= ProcGroupLeader
	} else {
		p.status &^= ProcGroupLeader
	}
	k.maybeFreeGroupLocked(old)
	return nil
}

// SetProcessGroup moves pid into group pgid.
func (k *Kernel) SetProcessGroup(pid, pgid PID) error {
	k.lock(-1)
	defer k.unlock()
	return k.setGroupLocked(nil, k.procLocked(pid), pgid)
}

// ProcessGroup returns pid's group id.
func (k *Kernel) ProcessGroup(pid PID) (PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.procLocked(pid)
	if p == nil || p.group == nil {
		return 0, ErrNotCreated
	}
	return p.group.id, nil
}

// SetProcessGroup moves pid (0 for the caller) into group pgid.
func (c *Context) SetProcessGroup(pid, pgid PID) error {
	k := c.enter()
	if pid == 0 {
		pid = c.t.proc.pid
	}
	err := k.setGroupLocked(c.t.proc, k.procLocked(pid), pgid)
	c.leave()
	return err
}

// ProcessGroup returns the caller's group id.
func (c *Context) ProcessGroup() PID {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	return c.t.proc.group.id
}

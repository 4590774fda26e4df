package kernel

import (
	"math/bits"
	"strconv"
	"strings"
)

// Signal is a signal number in [1, NumSignals].
type Signal uint8

const NumSignals = 64

const (
	SIGHUP   Signal = 1
	SIGINT   Signal = 2
	SIGQUIT  Signal = 3
	SIGILL   Signal = 4
	SIGTRAP  Signal = 5
	SIGABRT  Signal = 6
	SIGBUS   Signal = 7
	SIGFPE   Signal = 8
	SIGKILL  Signal = 9
	SIGUSR1  Signal = 10
	SIGSEGV  Signal = 11
	SIGUSR2  Signal = 12
	SIGPIPE  Signal = 13
	SIGALRM  Signal = 14
	SIGTERM  Signal = 15
	SIGCHLD  Signal = 17
	SIGCONT  Signal = 18
	SIGSTOP  Signal = 19
	SIGTSTP  Signal = 20
	SIGTTIN  Signal = 21
	SIGTTOU  Signal = 22
	SIGURG   Signal = 23
	SIGWINCH Signal = 28
	SIGRTMIN Signal = 34
	SIGRTMAX Signal = 64
)

// Signal codes carried in SigInfo.Code.
const (
	CodeUser int32 = iota
	CodeKernel
	CodeTimer
	CodeChildExited
)

func (s Signal) valid() bool { return s >= 1 && s <= NumSignals }

var signalNames = map[Signal]string{
	SIGHUP: "HUP", SIGINT: "INT", SIGQUIT: "QUIT", SIGILL: "ILL",
	SIGTRAP: "TRAP", SIGABRT: "ABRT", SIGBUS: "BUS", SIGFPE: "FPE",
	SIGKILL: "KILL", SIGUSR1: "USR1", SIGSEGV: "SEGV", SIGUSR2: "USR2",
	SIGPIPE: "PIPE", SIGALRM: "ALRM", SIGTERM: "TERM", SIGCHLD: "CHLD",
	SIGCONT: "CONT", SIGSTOP: "STOP", SIGTSTP: "TSTP", SIGTTIN: "TTIN",
	SIGTTOU: "TTOU", SIGURG: "URG", SIGWINCH: "WINCH",
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return "SIG" + n
	}
	if s >= SIGRTMIN && s <= SIGRTMAX {
		return "SIGRTMIN+" + strconv.Itoa(int(s-SIGRTMIN))
	}
	return "signal " + strconv.Itoa(int(s))
}

// ParseSignal accepts "TERM", "SIGTERM" or a number.
func ParseSignal(name string) (Signal, error) {
	name = strings.TrimPrefix(strings.ToUpper(name), "SIG")
	if n, err := strconv.Atoi(name); err == nil {
		if n != 0 && !Signal(n).valid() {
			return 0, ErrInvalid
		}
		return Signal(n), nil
	}
	for s, n := range signalNames {
		if n == name {
			return s, nil
		}
	}
	return 0, ErrInvalid
}

// SigSet is a set of signals; bit s-1 holds signal s.
type SigSet uint64

// SigMask returns the set holding only s.
func SigMask(s Signal) SigSet { return 1 << (uint(s) - 1) }

func (m SigSet) Has(s Signal) bool { return s.valid() && m&SigMask(s) != 0 }

func (m SigSet) lowest() Signal { return Signal(bits.TrailingZeros64(uint64(m)) + 1) }

// unblockable signals cannot be blocked or caught.
const unblockable = SigSet(1<<(SIGKILL-1) | 1<<(SIGSTOP-1))

// ignoredByDefault are discarded when their action is the default. Job
// control stops are not implemented, so the stop signals are ignored too.
const ignoredByDefault = SigSet(1<<(SIGCHLD-1) | 1<<(SIGURG-1) | 1<<(SIGWINCH-1) | 1<<(SIGCONT-1) |
	1<<(SIGSTOP-1) | 1<<(SIGTSTP-1) | 1<<(SIGTTIN-1) | 1<<(SIGTTOU-1))

// SigInfo is a signal's payload.
type SigInfo struct {
	Signo  Signal
	Code   int32
	Sender PID
	Value  uintptr
}

// SigAction is a process's disposition for one signal. The zero value is
// the default action.
type SigAction struct {
	// Handler runs on the receiving task at its next re-entry point.
	Handler func(ctx *Context, info SigInfo)
	Ignore  bool
}

// Mask operations for SigProcMask.
const (
	SigBlock = iota
	SigUnblock
	SigSetMask
)

// sigCB is a task's signal state.
type sigCB struct {
	blocked  SigSet
	pending  SigSet
	flag     SigSet // unblocked, awaiting the handler
	waitSet  SigSet
	infos    []SigInfo // latest payload per signal number
	waitInfo SigInfo
	count    int // defers handlers and cross-core requests while non-zero
}

func (s *sigCB) putInfo(info SigInfo) {
	for i := range s.infos {
		if s.infos[i].Signo == info.Signo {
			s.infos[i] = info
			return
		}
	}
	s.infos = append(s.infos, info)
}

func (s *sigCB) takeInfo(signo Signal) SigInfo {
	for i := range s.infos {
		if s.infos[i].Signo == signo {
			info := s.infos[i]
			s.infos = append(s.infos[:i], s.infos[i+1:]...)
			return info
		}
	}
	return SigInfo{Signo: signo}
}

// dispatchLocked delivers a signal to one task.
func (k *Kernel) dispatchLocked(t *tcb, info SigInfo) {
	if t.exited() {
		return
	}
	if info.Signo == SIGKILL {
		k.killProcessLocked(t.proc, SIGKILL)
		return
	}
	bit := SigMask(info.Signo)
	sig := &t.sig
	if sig.waitSet&bit != 0 && t.state&StatePending != 0 {
		sig.waitInfo = info
		sig.waitSet = 0
		k.wakeLocked(t, nil)
		return
	}
	if sig.blocked&bit != 0 {
		sig.pending |= bit
		sig.putInfo(info)
		return
	}
	k.raiseLocked(t, info)
}

// raiseLocked acts on an unblocked signal: discard it, kill the process,
// or flag it for the handler and interrupt an interruptible wait.
func (k *Kernel) raiseLocked(t *tcb, info SigInfo) {
	act := t.proc.actions[info.Signo]
	bit := SigMask(info.Signo)
	switch {
	case act.Ignore:
		return
	case act.Handler == nil && ignoredByDefault&bit != 0:
		return
	case act.Handler == nil:
		k.killProcessLocked(t.proc, info.Signo)
		return
	}
	t.sig.flag |= bit
	t.sig.putInfo(info)
	if t.state&StatePending != 0 && t.interruptible {
		k.wakeLocked(t, ErrInterrupted)
	}
}

// sendProcessLocked delivers a process-directed signal to the best
// placed thread: one waiting for it, else one not blocking it, else the
// default thread.
func (k *Kernel) sendProcessLocked(p *pcb, info SigInfo) {
	if p.exiting() {
		return
	}
	if info.Signo == SIGKILL {
		k.killProcessLocked(p, SIGKILL)
		return
	}
	bit := SigMask(info.Signo)
	var waiter, open *tcb
	for n := p.threads.Front(); n != nil; n = n.Next() {
		t := n.Value
		if t.sig.waitSet&bit != 0 && t.state&StatePending != 0 {
			waiter = t
			break
		}
		if open == nil && t.sig.blocked&bit == 0 {
			open = t
		}
	}
	target := waiter
	if target == nil {
		target = open
	}
	if target == nil {
		target = p.defaultThread()
	}
	if target != nil {
		k.dispatchLocked(target, info)
	}
}

// killLocked sends s to the processes selected by pid: pid > 0 one
// process, 0 the caller's group, -1 every user process but init, < -1
// group -pid. Signal 0 only checks that a target exists.
func (k *Kernel) killLocked(caller *pcb, pid PID, s Signal) error {
	if s != 0 && !s.valid() {
		return ErrInvalid
	}
	info := SigInfo{Signo: s, Code: CodeKernel}
	if caller != nil {
		info.Code = CodeUser
		info.Sender = caller.pid
	}
	allowed := func(p *pcb) bool {
		return caller == nil || caller.mode == ModeKernel || p.mode == ModeUser
	}

	var targets []*pcb
	switch {
	case pid > 0:
		p := k.procLocked(pid)
		if p == nil || p.zombie() {
			return ErrNotCreated
		}
		if p.pid < firstUserPID || !allowed(p) {
			return ErrPermission
		}
		targets = append(targets, p)
	case pid == -1:
		for i := firstUserPID; i < len(k.procs); i++ {
			p := &k.procs[i]
			if p.used() && !p.exiting() && p.mode == ModeUser {
				targets = append(targets, p)
			}
		}
	default:
		gid := -pid
		if pid == 0 {
			if caller == nil {
				return ErrInvalid
			}
			gid = caller.group.id
		}
		g := k.groupLocked(gid)
		if g == nil {
			return ErrNotCreated
		}
		denied := false
		for n := g.procs.Front(); n != nil; n = n.Next() {
			p := n.Value
			if p.pid < firstUserPID || !allowed(p) {
				denied = true
				continue
			}
			targets = append(targets, p)
		}
		if len(targets) == 0 && denied {
			return ErrPermission
		}
	}
	if len(targets) == 0 {
		return ErrNotCreated
	}
	if s == 0 {
		return nil
	}
	for _, p := range targets {
		k.sendProcessLocked(p, info)
	}
	return nil
}

// tkillLocked sends s to one task.
func (k *Kernel) tkillLocked(caller *tcb, t *tcb, s Signal) error {
	if s != 0 && !s.valid() {
		return ErrInvalid
	}
	if err := liveLocked(t); err != nil {
		return err
	}
	if err := k.permitLocked(caller, t); err != nil {
		return err
	}
	if t.proc.pid < firstUserPID && s != 0 {
		return ErrPermission
	}
	if s == 0 {
		return nil
	}
	info := SigInfo{Signo: s, Code: CodeKernel}
	if caller != nil {
		info.Code = CodeUser
		info.Sender = caller.proc.pid
	}
	k.dispatchLocked(t, info)
	return nil
}

// sigMaskLocked changes t's blocked set. Pending signals that become
// unblocked are raised at once.
func (k *Kernel) sigMaskLocked(t *tcb, how int, set SigSet) (SigSet, error) {
	set &^= unblockable
	sig := &t.sig
	old := sig.blocked
	switch how {
	case SigBlock:
		sig.blocked |= set
	case SigUnblock:
		sig.blocked &^= set
	case SigSetMask:
		sig.blocked = set
	default:
		return old, ErrInvalid
	}
	ready := sig.pending &^ sig.blocked
	sig.pending &^= ready
	for ready != 0 && !t.exited() {
		s := ready.lowest()
		ready &^= SigMask(s)
		k.raiseLocked(t, sig.takeInfo(s))
	}
	return old, nil
}

// Kill sends s to the processes selected by pid.
func (k *Kernel) Kill(pid PID, s Signal) error {
	k.lock(-1)
	defer k.unlock()
	return k.killLocked(nil, pid, s)
}

// Tkill sends s to one task.
func (k *Kernel) Tkill(id TaskID, s Signal) error {
	k.lock(-1)
	defer k.unlock()
	return k.tkillLocked(nil, k.taskLocked(id), s)
}

// SigProcMask changes a task's blocked set and returns the old one.
func (k *Kernel) SigProcMask(id TaskID, how int, set SigSet) (SigSet, error) {
	k.lock(-1)
	defer k.unlock()
	t := k.taskLocked(id)
	if err := liveLocked(t); err != nil {
		return 0, err
	}
	return k.sigMaskLocked(t, how, set)
}

// SigAction sets pid's action for s and returns the old one.
func (k *Kernel) SigAction(pid PID, s Signal, act SigAction) (SigAction, error) {
	k.lock(-1)
	defer k.unlock()
	return k.sigActionLocked(k.procLocked(pid), s, act)
}

func (k *Kernel) sigActionLocked(p *pcb, s Signal, act SigAction) (SigAction, error) {
	if !s.valid() || unblockable.Has(s) {
		return SigAction{}, ErrInvalid
	}
	if p == nil || p.exiting() {
		return SigAction{}, ErrNotCreated
	}
	old := p.actions[s]
	p.actions[s] = act
	return old, nil
}

// Kill sends s to the processes selected by pid.
func (c *Context) Kill(pid PID, s Signal) error {
	k := c.enter()
	err := k.killLocked(c.t.proc, pid, s)
	c.leave()
	return err
}

// Tkill sends s to one task.
func (c *Context) Tkill(id TaskID, s Signal) error {
	k := c.enter()
	err := k.tkillLocked(c.t, k.taskLocked(id), s)
	c.leave()
	return err
}

// SigProcMask changes the caller's blocked set and returns the old one.
func (c *Context) SigProcMask(how int, set SigSet) (SigSet, error) {
	k := c.enter()
	old, err := k.sigMaskLocked(c.t, how, set)
	c.leave()
	return old, err
}

// SigAction sets the caller's process action for s.
func (c *Context) SigAction(s Signal, act SigAction) (SigAction, error) {
	k := c.enter()
	old, err := k.sigActionLocked(c.t.proc, s, act)
	c.leave()
	return old, err
}

// SigPending returns the caller's blocked, pending signals.
func (c *Context) SigPending() SigSet {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	return c.t.sig.pending
}

// SigTimedWait takes a signal in set, waiting at most timeout ticks for
// one to arrive. A zero timeout polls.
func (c *Context) SigTimedWait(set SigSet, timeout uint64) (SigInfo, error) {
	k := c.enter()
	t := c.t
	sig := &t.sig
	if ready := sig.pending & set; ready != 0 {
		s := ready.lowest()
		sig.pending &^= SigMask(s)
		info := sig.takeInfo(s)
		c.leave()
		return info, nil
	}
	switch {
	case timeout == 0:
		c.leave()
		return SigInfo{}, ErrTimedOut
	case c.pc.preemptLock > 0:
		c.leave()
		return SigInfo{}, ErrLocked
	}
	deadline := Forever
	if timeout != Forever {
		deadline = k.clock.Now() + k.Ticks(timeout)
	}
	sig.waitSet = set
	k.blockLocked(c.pc, t, nil, deadline, true)
	c.leave()

	k = c.enter()
	sig.waitSet = 0
	err := t.wakeErr
	info := sig.waitInfo
	sig.waitInfo = SigInfo{}
	c.leave()
	if err != nil {
		return SigInfo{}, err
	}
	return info, nil
}

// deliverSignals runs handlers for the calling task's flagged signals.
// Handlers do not nest.
func (c *Context) deliverSignals() {
	if c.inHandler {
		return
	}
	for {
		k := c.k
		k.lock(c.pc.cpu)
		t := c.t
		if t.sig.count > 0 || t.sig.flag == 0 || t.exited() {
			k.unlock()
			return
		}
		s := t.sig.flag.lowest()
		t.sig.flag &^= SigMask(s)
		info := t.sig.takeInfo(s)
		act := t.proc.actions[s]
		if act.Handler == nil && !act.Ignore && ignoredByDefault&SigMask(s) == 0 {
			k.killProcessLocked(t.proc, s)
		}
		k.unlock()
		if act.Handler != nil {
			c.inHandler = true
			act.Handler(c, info)
			c.inHandler = false
		}
	}
}

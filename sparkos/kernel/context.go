package kernel

import (
	"fmt"
	"runtime"
	"sync"

	"sparkrt/hal"
)

// Context is a task's handle on the kernel. A task's entry runs on its own
// goroutine, and only while a core has handed it the baton; every Context
// method that enters the kernel returns the baton to the core and is
// therefore a preemption point and a re-entry point for cross-core
// requests and signal handlers.
type Context struct {
	k  *Kernel
	t  *tcb
	pc *percpu

	resume   chan *percpu
	kill     chan struct{}
	killOnce sync.Once

	inHandler bool
}

func (k *Kernel) startContextLocked(t *tcb) {
	c := &Context{
		k:      k,
		t:      t,
		resume: make(chan *percpu),
		kill:   make(chan struct{}),
	}
	t.ctx = c
	go c.run(t.entry)
}

// stop releases a parked task goroutine for good.
func (c *Context) stop() {
	c.killOnce.Do(func() { close(c.kill) })
}

func (c *Context) run(entry TaskFunc) {
	select {
	case c.pc = <-c.resume:
	case <-c.kill:
		return
	}
	c.deliverSignals()

	var ret uintptr
	faulted := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				faulted = true
				c.fault(r)
			}
		}()
		ret = entry(c)
	}()
	if faulted {
		return
	}
	c.exit(ret)
}

// checkpoint hands the baton back to the core and parks until a core
// resumes the task or the task is torn down.
func (c *Context) checkpoint() {
	c.pc.back <- struct{}{}
	select {
	case c.pc = <-c.resume:
	case <-c.kill:
		runtime.Goexit()
	}
	c.deliverSignals()
}

func (c *Context) enter() *Kernel {
	c.k.lock(c.pc.cpu)
	return c.k
}

func (c *Context) leave() {
	c.k.unlock()
	c.checkpoint()
}

// exit ends the task after its entry returned. A main thread's return
// value is the process exit code.
func (c *Context) exit(ret uintptr) {
	k := c.enter()
	t := c.t
	if t == t.proc.leader {
		k.exitGroupLocked(t, int(ret))
	} else {
		k.taskExitLocked(t, ret, false)
	}
	k.unlock()
	c.pc.back <- struct{}{}
}

func (c *Context) fault(r any) {
	if InPanicMode() {
		c.pc.back <- struct{}{}
		return
	}
	k := c.enter()
	t := c.t
	k.logf("proc: task %d (%s) of pid %d faulted: %v", t.id, t.name, t.proc.pid, r)
	k.killProcessLocked(t.proc, SIGSEGV)
	k.taskExitLocked(t, 0, true)
	k.unlock()
	c.pc.back <- struct{}{}
}

// Self returns the calling task's ID.
func (c *Context) Self() TaskID { return c.t.id }

// PID returns the calling task's process ID.
func (c *Context) PID() PID { return c.t.proc.pid }

// CPU returns the core the task is running on.
func (c *Context) CPU() int { return c.pc.cpu }

// Now returns the current cycle count.
func (c *Context) Now() uint64 { return c.k.Now() }

// Kernel returns the kernel the task runs on.
func (c *Context) Kernel() *Kernel { return c.k }

// Checkpoint returns the baton to the core without doing anything else.
// Long computations call it to stay preemptible.
func (c *Context) Checkpoint() {
	c.enter()
	c.leave()
}

// Yield moves the task to the tail of its priority list.
func (c *Context) Yield() error {
	c.enter()
	if c.pc.preemptLock > 0 {
		c.leave()
		return ErrLocked
	}
	c.t.yielded = true
	c.pc.needResched = true
	c.leave()
	return nil
}

// Delay blocks the task for ticks ticks. Zero yields.
func (c *Context) Delay(ticks uint64) error {
	if ticks == 0 {
		return c.Yield()
	}
	k := c.enter()
	if c.pc.preemptLock > 0 {
		c.leave()
		return ErrLocked
	}
	t := c.t
	t.state |= StateDelayed
	k.insertExpiryLocked(t, k.clock.Now()+k.Ticks(ticks))
	c.pc.needResched = true
	c.leave()
	return nil
}

// LockPreempt disables rescheduling on the task's core. Locks nest.
func (c *Context) LockPreempt() {
	c.enter()
	c.pc.preemptLock++
	c.leave()
}

// UnlockPreempt drops one preemption lock; deferred reschedules run once
// the last is gone.
func (c *Context) UnlockPreempt() {
	c.enter()
	if c.pc.preemptLock > 0 {
		c.pc.preemptLock--
	}
	c.leave()
}

// SignalLock defers signal handlers and cross-core requests for the
// calling task. Locks nest.
func (c *Context) SignalLock() {
	c.enter()
	c.t.sig.count++
	c.leave()
}

// SignalUnlock drops one signal lock.
func (c *Context) SignalUnlock() {
	c.enter()
	if c.t.sig.count > 0 {
		c.t.sig.count--
	}
	c.leave()
}

// CreateTask creates a thread in the caller's process.
func (c *Context) CreateTask(params TaskParams) (TaskID, error) {
	size, err := c.k.stackSize(params.StackSize)
	if err != nil {
		c.Checkpoint()
		return 0, err
	}
	if !c.k.stacks.alloc(size) {
		c.Checkpoint()
		return 0, ErrExhausted
	}
	k := c.enter()
	id, err := k.createTaskLocked(c.t, c.t.proc, params, size)
	c.leave()
	if err != nil {
		k.stacks.free(size)
	}
	return id, err
}

// DeleteTask deletes a task. Deleting a task that runs on another core
// waits for that core to acknowledge.
func (c *Context) DeleteTask(id TaskID) error {
	k := c.enter()
	t := k.taskLocked(id)
	if t == c.t {
		k.taskExitLocked(t, 0, true)
		k.unlock()
		c.pc.back <- struct{}{}
		runtime.Goexit()
	}
	wait, err := k.deleteLocked(c.t, c.pc, t)
	if err != nil || !wait {
		c.leave()
		return err
	}
	k.blockLocked(c.pc, c.t, &t.syncQ, k.clock.Now()+k.Ticks(k.cfg.SyncTimeout), false)
	c.leave()
	return c.t.wakeErr
}

// Suspend suspends a task. A task running on another core is suspended
// at that core's next re-entry point.
func (c *Context) Suspend(id TaskID) error {
	k := c.enter()
	err := k.suspendLocked(c.t, c.pc, k.taskLocked(id))
	c.leave()
	return err
}

// Resume resumes a suspended task.
func (c *Context) Resume(id TaskID) error {
	k := c.enter()
	err := k.resumeLocked(c.t, k.taskLocked(id))
	c.leave()
	return err
}

// Join waits for a joinable task of the same process to exit and returns
// its return value.
func (c *Context) Join(id TaskID) (uintptr, error) {
	k := c.enter()
	t := k.taskLocked(id)
	if err := k.joinCheckLocked(c.t, t); err != nil {
		c.leave()
		return 0, err
	}
	if !t.exited() {
		if c.pc.preemptLock > 0 {
			c.leave()
			return 0, ErrLocked
		}
		k.blockLocked(c.pc, c.t, &t.joinQ, Forever, true)
		c.leave()
		if err := c.t.wakeErr; err != nil {
			return 0, err
		}
		k = c.enter()
	}
	ret := t.retval
	k.joinedLocked(t)
	c.leave()
	return ret, nil
}

// Detach makes a task's resources free on exit. Detaching an exited task
// joins it.
func (c *Context) Detach(id TaskID) error {
	k := c.enter()
	err := k.detachLocked(c.t, k.taskLocked(id))
	c.leave()
	return err
}

// SetSchedParam changes a task's scheduling parameters.
func (c *Context) SetSchedParam(id TaskID, p SchedParam) error {
	k := c.enter()
	err := k.setSchedParamLocked(c.t, k.taskLocked(id), p)
	c.leave()
	return err
}

// SetAffinity restricts a task to the cores in mask.
func (c *Context) SetAffinity(id TaskID, mask hal.CPUMask) error {
	k := c.enter()
	err := k.setAffinityLocked(c.t, k.taskLocked(id), mask)
	c.leave()
	return err
}

// ExitThread ends the calling thread with ret. The last thread to exit
// ends the process.
func (c *Context) ExitThread(ret uintptr) {
	k := c.enter()
	k.taskExitLocked(c.t, ret, false)
	k.unlock()
	c.pc.back <- struct{}{}
	runtime.Goexit()
}

// Exit ends the calling process with code, killing its other threads.
func (c *Context) Exit(code int) {
	k := c.enter()
	k.exitGroupLocked(c.t, code)
	k.unlock()
	c.pc.back <- struct{}{}
	runtime.Goexit()
}

func (c *Context) String() string {
	return fmt.Sprintf("task %d (pid %d) on cpu%d", c.t.id, c.t.proc.pid, c.pc.cpu)
}

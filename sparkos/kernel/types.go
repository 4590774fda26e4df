package kernel

import (
	"strings"

	"sparkrt/hal"
)

// TaskID is a task's stable identity: its slot in the task pool.
type TaskID uint32

// PID is a process's stable identity: its slot in the process pool.
// Negative values appear only as wait and kill selectors.
type PID int32

const (
	// IdlePID owns the per-core idle tasks.
	IdlePID PID = 0
	// InitPID is the adoptive root of user processes.
	InitPID PID = 1
	// KernelPID is the adoptive root of kernel processes. It owns the
	// reclaim task and the timer workers.
	KernelPID PID = 2

	firstUserPID = 3
)

// NumPriorities is the number of thread priorities; 0 is the highest.
const NumPriorities = 32

const (
	PriorityHighest = 0
	PriorityLowest  = NumPriorities - 1
)

// Process priority classes.
const (
	ClassKernel = 0
	ClassUser   = 28
	ClassIdle   = 31
)

// Forever is the timeout that never expires.
const Forever = hal.Never

// Policy is a task's scheduling policy.
type Policy uint8

const (
	PolicyRR Policy = iota
	PolicyFIFO
	PolicyDeadline
)

func (p Policy) String() string {
	switch p {
	case PolicyRR:
		return "rr"
	case PolicyFIFO:
		return "fifo"
	case PolicyDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// State is a task's state bitmask. Zero means unused.
//
// Exactly one primary state holds at a time. Suspended may stack on
// Pending or Delayed; PendTime marks a pending wait with a deadline.
type State uint16

const (
	StateInit State = 1 << iota
	StateReady
	StateRunning
	StatePending
	StateDelayed
	StatePendTime
	StateSuspended
	StateExited
)

// Primary names the single state that holds; a suspended task that is
// also blocked reports suspended.
func (s State) Primary() string {
	switch {
	case s == 0:
		return "unused"
	case s&StateExited != 0:
		return "exited"
	case s&StateSuspended != 0:
		return "suspended"
	case s&StateRunning != 0:
		return "running"
	case s&StatePending != 0:
		return "pending"
	case s&StateDelayed != 0:
		return "delayed"
	case s&StateReady != 0:
		return "ready"
	case s&StateInit != 0:
		return "init"
	}
	return "invalid"
}

func (s State) String() string {
	if s == 0 {
		return "unused"
	}
	var parts []string
	names := [...]string{"init", "ready", "running", "pending", "delayed", "pendtime", "suspended", "exited"}
	for i, n := range names {
		if s&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// Mode is a process's privilege.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeKernel
)

func (m Mode) String() string {
	if m == ModeKernel {
		return "kernel"
	}
	return "user"
}

// TaskFunc is a task body. For a process's main thread the return value
// becomes the process exit code.
type TaskFunc func(ctx *Context) uintptr

// TaskParams describes a task to create.
type TaskParams struct {
	Name string
	// Entry is nil for a task that only takes part in scheduling.
	Entry     TaskFunc
	StackSize int
	Priority  int
	Policy    Policy
	// Runtime, Deadline and Period are in ticks; deadline policy only.
	Runtime  uint64
	Deadline uint64
	Period   uint64
	// Affinity zero means every core.
	Affinity hal.CPUMask
	Joinable bool
	// Suspended creates the task suspended instead of ready.
	Suspended bool
}

// SchedParam is a task's scheduling parameter set.
type SchedParam struct {
	Policy   Policy
	Priority int
	Runtime  uint64
	Deadline uint64
	Period   uint64
}

func (p SchedParam) valid() bool {
	if p.Priority < PriorityHighest || p.Priority > PriorityLowest {
		return false
	}
	switch p.Policy {
	case PolicyRR, PolicyFIFO:
		return true
	case PolicyDeadline:
		return p.Runtime > 0 && p.Runtime <= p.Deadline && p.Deadline <= p.Period
	}
	return false
}

// CloneFlags select which resources a forked child shares with its parent.
type CloneFlags uint32

const (
	CloneVM CloneFlags = 1 << iota
	CloneFiles
	CloneCreds
	CloneContainer
	// CloneParent makes the child a sibling of the caller.
	CloneParent
)

// ProcParams describes a process spawned outside any task.
type ProcParams struct {
	Name string
	Mode Mode
	// Class is the process priority class; -1 inherits the parent's.
	Class int
	Flags CloneFlags
	Main  TaskParams
}

// WaitOption modifies Wait.
type WaitOption uint8

// WNOHANG makes Wait return at once when no child has exited.
const WNOHANG WaitOption = 1

// WaitStatus encodes how a process ended.
type WaitStatus uint32

func exitedStatus(code int) WaitStatus   { return WaitStatus(code&0xff) << 8 }
func signaledStatus(s Signal) WaitStatus { return WaitStatus(s) & 0x7f }

func (w WaitStatus) Exited() bool   { return w&0x7f == 0 }
func (w WaitStatus) ExitCode() int  { return int(w>>8) & 0xff }
func (w WaitStatus) Signaled() bool { return w&0x7f != 0 }
func (w WaitStatus) Signal() Signal {
	if !w.Signaled() {
		return 0
	}
	return Signal(w & 0x7f)
}

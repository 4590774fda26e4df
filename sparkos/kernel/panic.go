package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PanicInfo describes the first kernel-fatal condition.
type PanicInfo struct {
	CPU    int
	TaskID TaskID
	Value  any
	Stack  []byte
}

// Panic mode is process wide: once any kernel stops, every Step and every
// task re-entry becomes a no-op.
var (
	panicActive  atomic.Bool
	panicOnce    sync.Once
	panicFirst   atomic.Pointer[PanicInfo]
	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether a kernel has stopped on a fatal condition.
func InPanicMode() bool { return panicActive.Load() }

// LastPanic returns the condition that entered panic mode.
func LastPanic() (PanicInfo, bool) {
	if p := panicFirst.Load(); p != nil {
		return *p, true
	}
	return PanicInfo{}, false
}

// SetPanicHandler installs the hook run once, on the first fatal condition.
// It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func enterPanicMode(info PanicInfo) {
	panicOnce.Do(func() {
		info.Stack = captureStack()
		panicFirst.Store(&info)
		panicActive.Store(true)
		if fn, ok := panicHandler.Load().(func(PanicInfo)); ok && fn != nil {
			fn(info)
		}
	})
}

// fatalError is the panic value fatal unwinds with.
type fatalError string

func (e fatalError) Error() string { return "kernel: " + string(e) }

// recoverFatal stops the unwinding started by fatal. Other panics keep
// going.
func recoverFatal() {
	if r := recover(); r != nil {
		if _, ok := r.(fatalError); !ok {
			panic(r)
		}
	}
}

// fatal stops every core and does not return. The caller holds the kernel
// lock; fatal releases it so other cores and observers do not block.
func (k *Kernel) fatal(cpu int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	info := PanicInfo{CPU: cpu, Value: msg}
	if cpu >= 0 && cpu < len(k.cpus) && k.cpus[cpu].running != nil {
		info.TaskID = k.cpus[cpu].running.id
	}
	k.logf("sched: fatal on cpu%d: %s", cpu, msg)
	enterPanicMode(info)
	k.unlock()
	panic(fatalError(msg))
}

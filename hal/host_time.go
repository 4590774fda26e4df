//go:build !tinygo

package hal

import (
	"sync"
	"sync/atomic"
	"time"
)

// CyclesPerSecond is the host board's counter frequency (1 cycle = 1ns).
const CyclesPerSecond = 1_000_000_000

type hostClock struct {
	now atomic.Uint64

	mu   sync.Mutex
	last time.Time
	acc  time.Duration
}

func (c *hostClock) Now() uint64 { return c.now.Load() }

func (c *hostClock) Advance(n uint64) uint64 { return c.now.Add(n) }

// syncWall advances the counter by the wall-clock time elapsed since the
// previous call, in whole multiples of quantum cycles. It returns the
// number of quanta added.
func (c *hostClock) syncWall(quantum uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.last.IsZero() {
		c.last = now
		c.acc = 0
		return 0
	}

	c.acc += now.Sub(c.last)
	c.last = now

	q := time.Duration(quantum)
	if q <= 0 {
		return 0
	}
	n := uint64(c.acc / q)
	if n == 0 {
		return 0
	}
	c.acc = c.acc % q
	c.now.Add(n * quantum)
	return n
}

type hostTimer struct {
	mu        sync.Mutex
	clock     *hostClock
	irqCycles uint64
	deadline  []uint64
	programs  []uint64
}

func newHostTimer(cpus int, clock *hostClock, irqCycles uint64) *hostTimer {
	t := &hostTimer{
		clock:     clock,
		irqCycles: irqCycles,
		deadline:  make([]uint64, cpus),
		programs:  make([]uint64, cpus),
	}
	for i := range t.deadline {
		t.deadline[i] = Never
	}
	return t
}

func (t *hostTimer) Program(cpu int, at uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= len(t.deadline) {
		return
	}
	t.deadline[cpu] = at
	t.programs[cpu]++
}

func (t *hostTimer) Fired(cpu int, now uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= len(t.deadline) {
		return false
	}
	d := t.deadline[cpu]
	if d == Never || now < d {
		return false
	}
	t.deadline[cpu] = Never
	return true
}

func (t *hostTimer) Ack(_ int) {
	if t.irqCycles > 0 {
		t.clock.Advance(t.irqCycles)
	}
}

func (t *hostTimer) programCount(cpu int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= len(t.programs) {
		return 0
	}
	return t.programs[cpu]
}

func (t *hostTimer) deadlineOf(cpu int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= len(t.deadline) {
		return Never
	}
	return t.deadline[cpu]
}

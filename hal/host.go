//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// HostConfig describes the simulated SMP board.
type HostConfig struct {
	CPUs int
	// Width and Height size the monitor framebuffer; zero disables it.
	Width  int
	Height int
	// IRQCycles is charged to the clock on every tick interrupt entry.
	IRQCycles uint64
	// MaxSpaces bounds live address spaces (0 = unlimited).
	MaxSpaces int
	// TraceDepth bounds the context-switch trace ring.
	TraceDepth int
	Log        io.Writer
}

// Host is the hosted board: a shared cycle counter, per-core tick timers,
// IPI lines, an address-space allocator and a context-switch recorder.
type Host struct {
	cpus   int
	logger *hostLogger
	fb     *hostFramebuffer
	clock  *hostClock
	timer  *hostTimer
	ipi    *hostIPI
	mmu    *hostMMU
	sw     *hostSwitcher
}

// NewHost returns a host board.
func NewHost(cfg HostConfig) *Host {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.CPUs > MaxCPUs {
		cfg.CPUs = MaxCPUs
	}
	if cfg.TraceDepth <= 0 {
		cfg.TraceDepth = 4096
	}
	w := cfg.Log
	if w == nil {
		w = os.Stdout
	}
	clock := &hostClock{}
	h := &Host{
		cpus:   cfg.CPUs,
		logger: &hostLogger{w: w},
		clock:  clock,
		timer:  newHostTimer(cfg.CPUs, clock, cfg.IRQCycles),
		ipi:    newHostIPI(cfg.CPUs),
		mmu:    newHostMMU(cfg.CPUs, cfg.MaxSpaces),
		sw:     newHostSwitcher(clock, cfg.TraceDepth),
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		h.fb = newHostFramebuffer(cfg.Width, cfg.Height)
	}
	return h
}

func (h *Host) NumCPU() int        { return h.cpus }
func (h *Host) Logger() Logger     { return h.logger }
func (h *Host) Display() Display   { return hostDisplay{fb: h.fb} }
func (h *Host) Clock() Clock       { return h.clock }
func (h *Host) Timer() Timer       { return h.timer }
func (h *Host) IPI() IPI           { return h.ipi }
func (h *Host) MMU() MMU           { return h.mmu }
func (h *Host) Switcher() Switcher { return h.sw }

// Advance moves the shared cycle counter forward.
func (h *Host) Advance(cycles uint64) uint64 { return h.clock.Advance(cycles) }

// Run drives the board deterministically from the calling goroutine: for
// each of ticks ticks it steps every core stepsPerTick times, then advances
// the clock by tickCycles.
func (h *Host) Run(ticks, stepsPerTick int, tickCycles uint64, step func(cpu int)) {
	if stepsPerTick <= 0 {
		stepsPerTick = 1
	}
	for i := 0; i < ticks; i++ {
		for s := 0; s < stepsPerTick; s++ {
			for cpu := 0; cpu < h.cpus; cpu++ {
				step(cpu)
			}
		}
		h.clock.Advance(tickCycles)
	}
}

// Frames returns how many frames were presented.
func (h *Host) Frames() uint64 {
	if h.fb == nil {
		return 0
	}
	h.fb.mu.Lock()
	defer h.fb.mu.Unlock()
	return h.fb.frames
}

// Trace returns the recorded context switches, oldest first.
func (h *Host) Trace() []SwitchRecord { return h.sw.trace() }

// Programs returns how many times core cpu's tick timer was programmed.
func (h *Host) Programs(cpu int) uint64 { return h.timer.programCount(cpu) }

// Deadline returns core cpu's armed tick deadline (Never if disarmed).
func (h *Host) Deadline(cpu int) uint64 { return h.timer.deadlineOf(cpu) }

// IPIs returns how many reschedule requests were sent to core cpu.
func (h *Host) IPIs(cpu int) uint64 { return h.ipi.sentTo(cpu) }

// LiveSpaces returns the number of address spaces not yet freed.
func (h *Host) LiveSpaces() int { return h.mmu.live() }

// ActiveSpace returns the address space installed on cpu.
func (h *Host) ActiveSpace(cpu int) AddressSpace { return h.mmu.activeOn(cpu) }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer {
	if d.fb == nil {
		return nil
	}
	return d.fb
}

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type hostIPI struct {
	mu      sync.Mutex
	cpus    int
	pending CPUMask
	sent    []uint64
}

func newHostIPI(cpus int) *hostIPI {
	return &hostIPI{cpus: cpus, sent: make([]uint64, cpus)}
}

func (p *hostIPI) Send(mask CPUMask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mask &= AllCPUs(p.cpus)
	p.pending |= mask
	for cpu := 0; cpu < p.cpus; cpu++ {
		if mask.Has(cpu) {
			p.sent[cpu]++
		}
	}
}

func (p *hostIPI) Take(cpu int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending.Has(cpu) {
		return false
	}
	p.pending &^= MaskOf(cpu)
	return true
}

func (p *hostIPI) sentTo(cpu int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cpu < 0 || cpu >= p.cpus {
		return 0
	}
	return p.sent[cpu]
}

package kernel

import "sparkrt/hal"

// Config sizes the kernel. Zero fields take defaults.
type Config struct {
	// MaxTasks bounds the task control-block pool, idle tasks included.
	MaxTasks int
	// MaxProcesses bounds the process control-block pool.
	MaxProcesses int
	// TickCycles is the length of one tick in clock cycles.
	TickCycles uint64
	// SliceMin and SliceMax bound the adaptive round-robin slice, in ticks.
	SliceMin uint64
	SliceMax uint64
	// ReadyMax is the ready count at which the slice reaches SliceMin.
	ReadyMax int
	// StackPool is the byte budget shared by all task stacks.
	StackPool int
	// StackMin and StackDefault size task stacks.
	StackMin     int
	StackDefault int
	// SyncTimeout bounds the cross-core delete rendezvous, in ticks.
	SyncTimeout uint64
	// NoSteal disables idle cores taking work from other cores.
	NoSteal bool
}

const (
	defaultMaxTasks     = 128
	defaultMaxProcesses = 64
	defaultTickCycles   = 1_000_000
	defaultSliceMin     = 5
	defaultSliceMax     = 20
	defaultReadyMax     = 30
	defaultStackMin     = 2 << 10
	defaultStackDefault = 16 << 10
	defaultSyncTimeout  = 100
)

func (c Config) withDefaults(ncpu int) Config {
	if c.MaxTasks <= 0 {
		c.MaxTasks = defaultMaxTasks
	}
	// Idle tasks, one reclaim task and one spare.
	if min := ncpu + 2; c.MaxTasks < min {
		c.MaxTasks = min
	}
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = defaultMaxProcesses
	}
	if c.MaxProcesses < firstUserPID+1 {
		c.MaxProcesses = firstUserPID + 1
	}
	if c.TickCycles == 0 {
		c.TickCycles = defaultTickCycles
	}
	if c.SliceMin == 0 {
		c.SliceMin = defaultSliceMin
	}
	if c.SliceMax < c.SliceMin {
		c.SliceMax = defaultSliceMax
		if c.SliceMax < c.SliceMin {
			c.SliceMax = c.SliceMin
		}
	}
	if c.ReadyMax <= 0 {
		c.ReadyMax = defaultReadyMax
	}
	if c.StackMin <= 0 {
		c.StackMin = defaultStackMin
	}
	if c.StackDefault < c.StackMin {
		c.StackDefault = defaultStackDefault
		if c.StackDefault < c.StackMin {
			c.StackDefault = c.StackMin
		}
	}
	if c.StackPool <= 0 {
		c.StackPool = c.MaxTasks * c.StackDefault
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	return c
}

// sliceFor returns the round-robin slice in cycles for a priority list
// holding ready tasks: more ready peers means a shorter slice.
func (c *Config) sliceFor(ready int) uint64 {
	if ready > c.ReadyMax {
		ready = c.ReadyMax
	}
	if ready < 0 {
		ready = 0
	}
	span := c.SliceMax - c.SliceMin
	ticks := c.SliceMin + uint64(c.ReadyMax-ready)*span/uint64(c.ReadyMax)
	return ticks * c.TickCycles
}

// sliceThreshold is the remaining slice below which a preempted task
// goes to the tail of its list with a fresh slice.
func (c *Config) sliceThreshold() uint64 { return c.TickCycles / 20 }

func clampCPUs(n int) int {
	if n <= 0 {
		return 1
	}
	if n > hal.MaxCPUs {
		return hal.MaxCPUs
	}
	return n
}

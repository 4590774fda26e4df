package hal

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// MaxCPUs is the largest core count a CPUMask can describe.
const MaxCPUs = 32

// CPUMask is a bitmask of cores; bit n selects core n.
type CPUMask uint32

// MaskOf returns the mask selecting a single core.
func MaskOf(cpu int) CPUMask { return 1 << uint(cpu) }

// Has reports whether the mask selects cpu.
func (m CPUMask) Has(cpu int) bool { return cpu >= 0 && cpu < MaxCPUs && m&(1<<uint(cpu)) != 0 }

// AllCPUs returns the mask selecting cores [0, n).
func AllCPUs(n int) CPUMask {
	if n >= MaxCPUs {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

// Clock is the monotonic cycle counter shared by all cores.
type Clock interface {
	Now() uint64
}

// Never is the timer deadline that disarms a core's tick timer.
const Never = ^uint64(0)

// Timer is the per-core tick timer.
//
// The kernel programs one absolute deadline per core and polls Fired at its
// interrupt re-entry point.
type Timer interface {
	// Program arms core cpu to interrupt once the clock reaches at.
	// Programming Never disarms it.
	Program(cpu int, at uint64)
	// Fired reports whether core cpu's deadline has passed at now and
	// consumes the interrupt.
	Fired(cpu int, now uint64) bool
	// Ack is called at the start of the tick handler.
	Ack(cpu int)
}

// IPI delivers inter-processor reschedule requests.
type IPI interface {
	Send(mask CPUMask)
	// Take consumes a pending request for cpu.
	Take(cpu int) bool
}

// AddressSpace identifies a user address space; zero is the kernel space.
type AddressSpace uint32

// MMU is the address-space collaborator.
type MMU interface {
	// Switch makes as the active address space on cpu.
	Switch(cpu int, as AddressSpace)
	// Copy duplicates parent into a new address space.
	Copy(parent AddressSpace) (AddressSpace, error)
	// Free releases an address space created by Copy.
	Free(as AddressSpace)
}

// Switcher performs the register-context transfer between two tasks.
type Switcher interface {
	Switch(cpu int, from, to uint32)
}

// HAL provides the only contact point between the kernel and the board.
type HAL interface {
	NumCPU() int
	Logger() Logger
	Display() Display
	Clock() Clock
	Timer() Timer
	IPI() IPI
	MMU() MMU
	Switcher() Switcher
}

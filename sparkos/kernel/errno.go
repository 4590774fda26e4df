package kernel

// Errno is the status returned by kernel operations.
type Errno uint8

const (
	errOK Errno = iota
	// ErrNotCreated reports an operation on an unused control block.
	ErrNotCreated
	// ErrAlreadyInState reports a state transition that is already in effect.
	ErrAlreadyInState
	// ErrPermission reports a cross-process or cross-privilege operation.
	ErrPermission
	// ErrExhausted reports an empty control-block or memory pool.
	ErrExhausted
	// ErrInvalid reports a malformed argument.
	ErrInvalid
	// ErrLocked reports an operation refused while preemption is disabled.
	ErrLocked
	// ErrTimedOut reports a bounded wait that expired.
	ErrTimedOut
	// ErrInterrupted reports a wait cut short by a signal or a kill.
	ErrInterrupted
	// ErrNoChild reports a wait with nothing that could ever match.
	ErrNoChild
)

func (e Errno) String() string {
	switch e {
	case errOK:
		return "ok"
	case ErrNotCreated:
		return "not created"
	case ErrAlreadyInState:
		return "already in state"
	case ErrPermission:
		return "permission denied"
	case ErrExhausted:
		return "resource exhausted"
	case ErrInvalid:
		return "invalid parameter"
	case ErrLocked:
		return "preemption locked"
	case ErrTimedOut:
		return "timed out"
	case ErrInterrupted:
		return "interrupted"
	case ErrNoChild:
		return "no child"
	default:
		return "unknown"
	}
}

func (e Errno) Error() string { return "kernel: " + e.String() }

// Timeout reports whether e belongs to the timed-out class.
func (e Errno) Timeout() bool { return e == ErrTimedOut || e == ErrInterrupted }

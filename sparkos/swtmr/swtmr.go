// Package swtmr is the software timer engine: a pool of timers spread over
// per-core expiry queues, each served by a worker task pinned to its core.
package swtmr

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"sparkrt/hal"
	"sparkrt/sparkos/dlist"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/sortlink"
)

// ID names a timer. The low part indexes the pool; the band above it
// changes every time the slot is freed so stale IDs are rejected.
type ID uint32

// Handler is a timer callback. It runs on the expiring core's worker task.
type Handler func(arg uintptr)

// Mode selects what happens when a timer expires.
type Mode uint8

const (
	// ModeOnce fires once and then deletes the timer.
	ModeOnce Mode = iota
	// ModePeriodic fires every interval until stopped.
	ModePeriodic
	// ModeNoSelfDelete fires once and leaves the timer created.
	ModeNoSelfDelete
)

func (m Mode) String() string {
	switch m {
	case ModeOnce:
		return "once"
	case ModePeriodic:
		return "periodic"
	case ModeNoSelfDelete:
		return "no-self-delete"
	}
	return "unknown"
}

// State is a timer's lifecycle state.
type State uint8

const (
	StateUnused State = iota
	StateCreated
	StateTicking
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateCreated:
		return "created"
	case StateTicking:
		return "ticking"
	}
	return "invalid"
}

// ErrNotStarted is returned when stopping a timer that is not ticking.
var ErrNotStarted = errors.New("swtmr: timer not started")

// Config sizes the engine. Zero fields take defaults.
type Config struct {
	MaxTimers int
	// HandlerQueue bounds the callbacks one expiry pass can hand over.
	HandlerQueue int
	// WorkerPriority is the kernel priority of the per-core workers.
	WorkerPriority int
	StackSize      int
}

const (
	defaultMaxTimers      = 256
	defaultHandlerQueue   = 64
	defaultWorkerPriority = 1
)

func (c Config) withDefaults() Config {
	if c.MaxTimers <= 0 {
		c.MaxTimers = defaultMaxTimers
	}
	if c.HandlerQueue <= 0 {
		c.HandlerQueue = defaultHandlerQueue
	}
	if c.WorkerPriority <= 0 {
		c.WorkerPriority = defaultWorkerPriority
	}
	return c
}

type timer struct {
	id    ID
	index int
	state State
	mode  Mode
	owner kernel.PID

	// interval is in cycles.
	interval uint64
	handler  Handler
	arg      uintptr

	// start is when the timer was last started; periodic deadlines are
	// start + n*interval.
	start uint64
	seq   uint64

	q    *queue
	node sortlink.Node[*timer]
	link dlist.Node[*timer]

	fires      uint64
	overruns   uint64
	maxLatency uint64
}

type queue struct {
	cpu    int
	list   sortlink.List[*timer]
	wq     kernel.WaitQueue
	fifo   *handlerFIFO
	worker kernel.TaskID
	due    []*timer

	dropped uint64
}

// Engine owns the timer pool and the per-core queues. Its lock guards the
// pool and is taken before any expiry-list lock and before the kernel's
// scheduling lock.
type Engine struct {
	mu     sync.Mutex
	k      *kernel.Kernel
	log    hal.Logger
	cfg    Config
	timers []timer
	free   dlist.List[*timer]
	queues []*queue
}

// New starts one worker per core on k and registers the engine's expiry
// load with the kernel's balancer.
func New(k *kernel.Kernel, log hal.Logger, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		k:      k,
		log:    log,
		cfg:    cfg,
		timers: make([]timer, cfg.MaxTimers),
	}
	for i := range e.timers {
		t := &e.timers[i]
		t.index = i
		t.id = ID(i)
		t.node.Init(t)
		t.link.Value = t
		e.free.PushBack(&t.link)
	}
	e.queues = make([]*queue, k.NumCPU())
	for cpu := range e.queues {
		q := &queue{cpu: cpu, fifo: newHandlerFIFO(cfg.HandlerQueue)}
		q.list.CPU = cpu
		e.queues[cpu] = q
	}
	k.SetTimerLoad(e.load)
	k.OnProcessReclaim(e.ownerGone)

	for _, q := range e.queues {
		id, err := k.CreateTask(kernel.KernelPID, kernel.TaskParams{
			Name:      fmt.Sprintf("swtmr%d", q.cpu),
			Entry:     e.workerMain(q),
			StackSize: cfg.StackSize,
			Priority:  cfg.WorkerPriority,
			Policy:    kernel.PolicyFIFO,
			Affinity:  hal.MaskOf(q.cpu),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "swtmr: worker for cpu%d", q.cpu)
		}
		q.worker = id
	}
	return e, nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.log == nil {
		return
	}
	e.log.WriteLineString(fmt.Sprintf(format, args...))
}

// load is the number of live timer nodes on cpu. It takes no locks.
func (e *Engine) load(cpu int) int {
	if cpu < 0 || cpu >= len(e.queues) {
		return 0
	}
	return e.queues[cpu].list.Len()
}

func (e *Engine) lookupLocked(id ID) (*timer, error) {
	i := int(id) % len(e.timers)
	t := &e.timers[i]
	if t.id != id || t.state == StateUnused {
		return nil, kernel.ErrNotCreated
	}
	return t, nil
}

// Create allocates a timer firing handler(arg) every interval ticks (or
// once, per mode) on behalf of process owner. The timer is bound to the
// least loaded core.
func (e *Engine) Create(owner kernel.PID, interval uint64, mode Mode, handler Handler, arg uintptr) (ID, error) {
	if interval == 0 || handler == nil || mode > ModeNoSelfDelete {
		return 0, kernel.ErrInvalid
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.free.PopFront()
	if n == nil {
		return 0, kernel.ErrExhausted
	}
	t := n.Value
	t.state = StateCreated
	t.mode = mode
	t.owner = owner
	t.interval = e.k.Ticks(interval)
	t.handler = handler
	t.arg = arg
	t.fires, t.overruns, t.maxLatency = 0, 0, 0
	t.q = e.queues[e.k.LeastLoadedCPU()]
	return t.id, nil
}

// Start arms a timer to fire one interval from now. Starting a ticking
// timer restarts it.
func (e *Engine) Start(id ID) error {
	e.mu.Lock()
	t, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if t.state == StateTicking {
		sortlink.Remove(&t.node)
	}
	t.q = e.queues[e.k.LeastLoadedCPU()]
	t.state = StateTicking
	t.start = e.k.Now()
	t.seq = 1
	q := t.q
	head := q.list.Head()
	when := t.start + t.interval
	q.list.Insert(&t.node, when)
	e.mu.Unlock()

	if when < head {
		e.k.Post(&q.wq)
	}
	return nil
}

// Stop disarms a ticking timer.
func (e *Engine) Stop(id ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.state != StateTicking {
		return ErrNotStarted
	}
	sortlink.Remove(&t.node)
	t.state = StateCreated
	return nil
}

// Delete frees a timer, stopping it first if it is ticking.
func (e *Engine) Delete(id ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	e.freeLocked(t)
	return nil
}

func (e *Engine) freeLocked(t *timer) {
	sortlink.Remove(&t.node)
	t.state = StateUnused
	t.handler = nil
	t.arg = 0
	t.owner = 0
	next := uint64(t.id) + uint64(len(e.timers))
	if next > uint64(^ID(0)) {
		next = uint64(t.index)
	}
	t.id = ID(next)
	e.free.PushBack(&t.link)
}

// Remaining returns the ticks until a ticking timer next fires, rounded up.
func (e *Engine) Remaining(id ID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	if t.state != StateTicking {
		return 0, ErrNotStarted
	}
	cycles := sortlink.Remaining(&t.node, e.k.Now())
	tick := e.k.TickCycles()
	return (cycles + tick - 1) / tick, nil
}

// Overrun returns how many periods a periodic timer has skipped.
func (e *Engine) Overrun(id ID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookupLocked(id)
	if err != nil {
		return 0, err
	}
	return t.overruns, nil
}

// DebugInfo is a timer's instrumentation.
type DebugInfo struct {
	ID       ID
	State    State
	Mode     Mode
	Owner    kernel.PID
	CPU      int
	Interval uint64
	// Next is the absolute cycle time of the next expiry, if ticking.
	Next       uint64
	Fires      uint64
	Overruns   uint64
	MaxLatency uint64
}

// Debug returns a timer's instrumentation.
func (e *Engine) Debug(id ID) (DebugInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookupLocked(id)
	if err != nil {
		return DebugInfo{}, err
	}
	d := DebugInfo{
		ID:         t.id,
		State:      t.state,
		Mode:       t.mode,
		Owner:      t.owner,
		CPU:        t.q.cpu,
		Interval:   t.interval / e.k.TickCycles(),
		Fires:      t.fires,
		Overruns:   t.overruns,
		MaxLatency: t.maxLatency,
	}
	if t.state == StateTicking {
		d.Next = t.node.When()
	}
	return d, nil
}

// Stats are engine-wide counters.
type Stats struct {
	Free    int
	Ticking []int
	Dropped uint64
}

// Stats returns the free pool size and each core's ticking count.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Free: e.free.Len()}
	for _, q := range e.queues {
		s.Ticking = append(s.Ticking, q.list.Len())
		s.Dropped += q.dropped
	}
	return s
}

// ownerGone deletes every timer owned by an exited process.
func (e *Engine) ownerGone(pid kernel.PID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.timers {
		t := &e.timers[i]
		if t.state != StateUnused && t.owner == pid {
			e.freeLocked(t)
			n++
		}
	}
	if n > 0 {
		e.logf("swtmr: freed %d timers of exited pid %d", n, pid)
	}
}

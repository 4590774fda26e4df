package swtmr

import (
	"io"
	"testing"

	"sparkrt/hal"
	"sparkrt/sparkos/kernel"
)

type recorder struct {
	lines []string
}

func (r *recorder) WriteLineString(s string) { r.lines = append(r.lines, s) }
func (r *recorder) WriteLineBytes(b []byte)  { r.lines = append(r.lines, string(b)) }

func newTestEngine(t *testing.T, cpus int, cfg Config) (*Engine, *kernel.Kernel, *hal.Host, *recorder) {
	t.Helper()
	h := hal.NewHost(hal.HostConfig{CPUs: cpus, Log: io.Discard})
	k := kernel.New(h, kernel.Config{})
	log := &recorder{}
	e, err := New(k, log, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, k, h, log
}

func run(k *kernel.Kernel, h *hal.Host, ticks int) {
	h.Run(ticks, 4, k.TickCycles(), k.Step)
}

func spin(c *kernel.Context) uintptr {
	for {
		c.Checkpoint()
	}
}

func TestOneShotFiresOnceAndFrees(t *testing.T) {
	e, k, h, _ := newTestEngine(t, 1, Config{})
	run(k, h, 1)
	fired := 0
	id, err := e.Create(kernel.KernelPID, 5, ModeOnce, func(uintptr) { fired++ }, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	free := e.Stats().Free
	if err := e.Start(id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run(k, h, 3)
	if fired != 0 {
		t.Fatalf("fired = %d before expiry, want 0", fired)
	}
	run(k, h, 10)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if err := e.Start(id); err != kernel.ErrNotCreated {
		t.Fatalf("Start(expired one-shot) error = %v, want %v", err, kernel.ErrNotCreated)
	}
	if got := e.Stats().Free; got != free+1 {
		t.Fatalf("Free = %d, want %d", got, free+1)
	}
}

func TestNoSelfDeleteStaysCreated(t *testing.T) {
	e, k, h, _ := newTestEngine(t, 1, Config{})
	fired := 0
	id, _ := e.Create(kernel.KernelPID, 2, ModeNoSelfDelete, func(uintptr) { fired++ }, 0)
	e.Start(id)
	run(k, h, 5)
	d, err := e.Debug(id)
	if err != nil {
		t.Fatalf("Debug() error = %v", err)
	}
	if fired != 1 || d.State != StateCreated || d.Fires != 1 {
		t.Fatalf("fired = %d, Debug() = %+v, want one fire and created", fired, d)
	}
	if err := e.Start(id); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	run(k, h, 5)
	if fired != 2 {
		t.Fatalf("fired = %d after restart, want 2", fired)
	}
}

func TestPeriodicFires(t *testing.T) {
	e, k, h, _ := newTestEngine(t, 1, Config{})
	var args []uintptr
	id, _ := e.Create(kernel.KernelPID, 10, ModePeriodic, func(a uintptr) { args = append(args, a) }, 7)
	e.Start(id)
	run(k, h, 55)
	if len(args) != 5 {
		t.Fatalf("fired %d times in 55 ticks, want 5", len(args))
	}
	if args[0] != 7 {
		t.Fatalf("handler arg = %d, want 7", args[0])
	}
	if n, _ := e.Overrun(id); n != 0 {
		t.Fatalf("Overrun() = %d, want 0", n)
	}
	rem, err := e.Remaining(id)
	if err != nil || rem == 0 || rem > 10 {
		t.Fatalf("Remaining() = %d, %v, want 1..10", rem, err)
	}
}

func TestPeriodicCatchUp(t *testing.T) {
	e, k, h, log := newTestEngine(t, 1, Config{})
	fired := 0
	id, _ := e.Create(kernel.KernelPID, 10, ModePeriodic, func(uintptr) { fired++ }, 0)

	hog, err := k.CreateTask(kernel.KernelPID, kernel.TaskParams{Name: "hog", Entry: spin, Priority: 0, Policy: kernel.PolicyFIFO})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	start := k.Now()
	if err := e.Start(id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run(k, h, 35)
	if fired != 0 {
		t.Fatalf("fired = %d while starved, want 0", fired)
	}
	if err := k.DeleteTask(hog); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	run(k, h, 2)

	if fired != 1 {
		t.Fatalf("fired = %d after starvation, want 1", fired)
	}
	d, _ := e.Debug(id)
	if want := start + 4*k.Ticks(10); d.Next != want {
		t.Fatalf("Next = %d, want start + 4 periods = %d", d.Next, want)
	}
	if d.Overruns != 2 {
		t.Fatalf("Overruns = %d, want 2", d.Overruns)
	}
	if d.MaxLatency < k.Ticks(20) {
		t.Fatalf("MaxLatency = %d, want at least %d", d.MaxLatency, k.Ticks(20))
	}
	if len(log.lines) == 0 {
		t.Fatal("expected a missed-period diagnostic")
	}
}

func TestStateMachine(t *testing.T) {
	e, _, _, _ := newTestEngine(t, 1, Config{})
	id, err := e.Create(kernel.KernelPID, 3, ModePeriodic, func(uintptr) {}, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := e.Stop(id); err != ErrNotStarted {
		t.Fatalf("Stop(created) error = %v, want %v", err, ErrNotStarted)
	}
	if err := e.Start(id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := e.Stop(id); err != ErrNotStarted {
		t.Fatalf("second Stop() error = %v, want %v", err, ErrNotStarted)
	}
	if err := e.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := e.Delete(id); err != kernel.ErrNotCreated {
		t.Fatalf("second Delete() error = %v, want %v", err, kernel.ErrNotCreated)
	}

	again, _ := e.Create(kernel.KernelPID, 3, ModeOnce, func(uintptr) {}, 0)
	if again == id {
		t.Fatalf("reused slot kept id %#x", id)
	}
	if err := e.Start(id); err != kernel.ErrNotCreated {
		t.Fatalf("Start(stale id) error = %v, want %v", err, kernel.ErrNotCreated)
	}
}

func TestCreateChecks(t *testing.T) {
	e, _, _, _ := newTestEngine(t, 1, Config{MaxTimers: 2})
	if _, err := e.Create(kernel.KernelPID, 0, ModeOnce, func(uintptr) {}, 0); err != kernel.ErrInvalid {
		t.Fatalf("Create(interval 0) error = %v, want %v", err, kernel.ErrInvalid)
	}
	if _, err := e.Create(kernel.KernelPID, 1, ModeOnce, nil, 0); err != kernel.ErrInvalid {
		t.Fatalf("Create(nil handler) error = %v, want %v", err, kernel.ErrInvalid)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Create(kernel.KernelPID, 1, ModeOnce, func(uintptr) {}, 0); err != nil {
			t.Fatalf("Create(%d) error = %v", i, err)
		}
	}
	if _, err := e.Create(kernel.KernelPID, 1, ModeOnce, func(uintptr) {}, 0); err != kernel.ErrExhausted {
		t.Fatalf("Create() error = %v, want %v", err, kernel.ErrExhausted)
	}
}

func TestTimersSpreadAcrossCores(t *testing.T) {
	e, k, h, _ := newTestEngine(t, 2, Config{})
	run(k, h, 1)
	cpus := map[int]bool{}
	for i := 0; i < 4; i++ {
		id, _ := e.Create(kernel.KernelPID, 100, ModePeriodic, func(uintptr) {}, 0)
		if err := e.Start(id); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		d, _ := e.Debug(id)
		cpus[d.CPU] = true
	}
	if len(cpus) != 2 {
		t.Fatalf("timers bound to cores %v, want both", cpus)
	}
}

func TestOwnerExitFreesTimers(t *testing.T) {
	e, k, h, _ := newTestEngine(t, 1, Config{})
	pid, err := k.Spawn(kernel.InitPID, kernel.ProcParams{Name: "owner", Class: -1, Main: kernel.TaskParams{Entry: spin, Priority: 10}})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	id, _ := e.Create(pid, 50, ModePeriodic, func(uintptr) {}, 0)
	e.Start(id)
	run(k, h, 2)

	if err := k.Kill(pid, kernel.SIGKILL); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	run(k, h, 4)
	if _, err := e.Debug(id); err != kernel.ErrNotCreated {
		t.Fatalf("Debug() error = %v, want %v", err, kernel.ErrNotCreated)
	}
}

func TestTimerLoadSteersDelays(t *testing.T) {
	e, k, _, _ := newTestEngine(t, 2, Config{})
	for i := 0; i < 3; i++ {
		id, _ := e.Create(kernel.KernelPID, 100, ModePeriodic, func(uintptr) {}, 0)
		e.Start(id)
	}
	s := e.Stats()
	least := 0
	if s.Ticking[1] < s.Ticking[0] {
		least = 1
	}
	if got := k.LeastLoadedCPU(); got != least {
		t.Fatalf("LeastLoadedCPU() = %d, want %d (ticking %v)", got, least, s.Ticking)
	}
}

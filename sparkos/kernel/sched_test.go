package kernel

import (
	"testing"

	"sparkrt/hal"
)

func spawnUser(t *testing.T, k *Kernel, name string, main TaskParams) PID {
	t.Helper()
	pid, err := k.Spawn(InitPID, ProcParams{Name: name, Class: -1, Main: main})
	if err != nil {
		t.Fatalf("Spawn(%q) error = %v", name, err)
	}
	return pid
}

func mainThread(t *testing.T, k *Kernel, pid PID) TaskID {
	t.Helper()
	id, err := k.MainThread(pid)
	if err != nil {
		t.Fatalf("MainThread(%d) error = %v", pid, err)
	}
	return id
}

func TestHighestPriorityRuns(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	low := mainThread(t, k, spawnUser(t, k, "low", TaskParams{Entry: spin, Priority: 20}))
	high := mainThread(t, k, spawnUser(t, k, "high", TaskParams{Entry: spin, Priority: 5}))

	run(k, h, 10)
	if got := k.Running(0); got != high {
		t.Fatalf("Running(0) = %d, want %d", got, high)
	}
	info, _ := k.Task(low)
	if info.RunTime != 0 {
		t.Fatalf("low priority task ran for %d cycles", info.RunTime)
	}
	checkStates(t, k)
}

func TestRoundRobinAlternates(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	pid := spawnUser(t, k, "rr", TaskParams{Entry: spin, Priority: 10})
	a := mainThread(t, k, pid)
	b, err := k.CreateTask(pid, TaskParams{Entry: spin, Priority: 10})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	run(k, h, 100)

	var seq []uint32
	for _, r := range h.Trace() {
		if r.To == uint32(a) || r.To == uint32(b) {
			seq = append(seq, r.To)
		}
	}
	if len(seq) < 3 {
		t.Fatalf("got %d switches to the round-robin pair, want at least 3", len(seq))
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] == seq[i-1] {
			t.Fatalf("switch %d went to task %d twice in a row: %v", i, seq[i], seq)
		}
	}
	ia, _ := k.Task(a)
	ib, _ := k.Task(b)
	if ia.RunTime == 0 || ib.RunTime == 0 {
		t.Fatalf("RunTime a=%d b=%d, want both non-zero", ia.RunTime, ib.RunTime)
	}
	checkStates(t, k)
}

func TestFIFORunsUntilBlocked(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	pid := spawnUser(t, k, "fifo", TaskParams{Entry: spin, Priority: 10, Policy: PolicyFIFO})
	first := mainThread(t, k, pid)
	if _, err := k.CreateTask(pid, TaskParams{Entry: spin, Priority: 10, Policy: PolicyFIFO}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	run(k, h, 100)
	if got := k.Running(0); got != first {
		t.Fatalf("Running(0) = %d, want %d", got, first)
	}
}

func TestDelay(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	var start, end uint64
	done := false
	spawnUser(t, k, "sleeper", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
		start = c.Now()
		if err := c.Delay(50); err != nil {
			t.Errorf("Delay() error = %v", err)
		}
		end = c.Now()
		done = true
		return spin(c)
	}})

	run(k, h, 40)
	if done {
		t.Fatal("expected task to still be delayed after 40 ticks")
	}
	run(k, h, 20)
	if !done {
		t.Fatal("expected task to wake after 50 ticks")
	}
	if got := end - start; got < k.Ticks(50) {
		t.Fatalf("slept %d cycles, want at least %d", got, k.Ticks(50))
	}
	checkStates(t, k)
}

func TestIdleTimerNotReprogrammed(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	spawnUser(t, k, "fifo", TaskParams{Entry: spin, Priority: 10, Policy: PolicyFIFO})

	run(k, h, 5)
	before := h.Programs(0)
	run(k, h, 50)
	if got := h.Programs(0); got != before {
		t.Fatalf("Programs(0) = %d, want %d", got, before)
	}
	if got := h.Deadline(0); got != hal.Never {
		t.Fatalf("Deadline(0) = %d, want disarmed", got)
	}
}

func TestDeadlineThrottled(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	dl := mainThread(t, k, spawnUser(t, k, "dl", TaskParams{
		Entry:    spin,
		Policy:   PolicyDeadline,
		Runtime:  2,
		Deadline: 5,
		Period:   10,
	}))
	bg := mainThread(t, k, spawnUser(t, k, "bg", TaskParams{Entry: spin, Priority: 0}))

	run(k, h, 100)
	di, _ := k.Task(dl)
	bi, _ := k.Task(bg)
	if di.RunTime > k.Ticks(25) || di.RunTime < k.Ticks(10) {
		t.Fatalf("deadline task ran %d cycles, want between %d and %d", di.RunTime, k.Ticks(10), k.Ticks(25))
	}
	if bi.RunTime < k.Ticks(50) {
		t.Fatalf("background task ran %d cycles, want at least %d", bi.RunTime, k.Ticks(50))
	}
	checkStates(t, k)
}

func TestAffinityPinsTask(t *testing.T) {
	k, h := newTestKernel(t, 2, Config{})
	id := mainThread(t, k, spawnUser(t, k, "pinned", TaskParams{Entry: spin, Priority: 10, Affinity: hal.MaskOf(1)}))
	run(k, h, 5)
	if got := k.Running(1); got != id {
		t.Fatalf("Running(1) = %d, want %d", got, id)
	}
	if err := k.SetAffinity(id, hal.MaskOf(0)); err != nil {
		t.Fatalf("SetAffinity() error = %v", err)
	}
	run(k, h, 5)
	if got := k.Running(0); got != id {
		t.Fatalf("Running(0) = %d after migration, want %d", got, id)
	}
	if got := k.Running(1); got != k.Idle(1) {
		t.Fatalf("Running(1) = %d, want idle", got)
	}
	if err := k.SetAffinity(id, 1<<5); err != ErrInvalid {
		t.Fatalf("SetAffinity(offline) error = %v, want %v", err, ErrInvalid)
	}
}

func TestReadyWorkSpreadsAcrossCores(t *testing.T) {
	k, h := newTestKernel(t, 2, Config{})
	pid := spawnUser(t, k, "pair", TaskParams{Entry: spin, Priority: 10, Policy: PolicyFIFO})
	if _, err := k.CreateTask(pid, TaskParams{Entry: spin, Priority: 10, Policy: PolicyFIFO}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	run(k, h, 5)
	for cpu := 0; cpu < 2; cpu++ {
		if k.Running(cpu) == k.Idle(cpu) {
			t.Fatalf("core %d idle with runnable work", cpu)
		}
	}
	checkStates(t, k)
}

func TestBoostAndRestore(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	low := mainThread(t, k, spawnUser(t, k, "low", TaskParams{Entry: spin, Priority: 20}))
	high := mainThread(t, k, spawnUser(t, k, "high", TaskParams{Entry: spin, Priority: 10}))
	run(k, h, 2)

	if err := k.Boost(low, 5); err != nil {
		t.Fatalf("Boost() error = %v", err)
	}
	run(k, h, 2)
	if got := k.Running(0); got != low {
		t.Fatalf("Running(0) = %d, want boosted %d", got, low)
	}
	if err := k.Restore(low); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	run(k, h, 2)
	if got := k.Running(0); got != high {
		t.Fatalf("Running(0) = %d, want %d", got, high)
	}
	if err := k.Restore(low); err != ErrAlreadyInState {
		t.Fatalf("Restore() error = %v, want %v", err, ErrAlreadyInState)
	}
}

func TestSnapshotCountsSliceInProgress(t *testing.T) {
	k, h := newTestKernel(t, 2, Config{})
	id := mainThread(t, k, spawnUser(t, k, "busy", TaskParams{Entry: spin, Priority: 3}))
	run(k, h, 10)

	info, err := k.Task(id)
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if info.State&StateRunning == 0 {
		t.Fatalf("state = %s, want running", info.State)
	}
	if info.RunTime < k.Ticks(8) {
		t.Fatalf("RunTime = %d, want at least %d", info.RunTime, k.Ticks(8))
	}
	if full := k.cfg.SliceMax * k.cfg.TickCycles; info.Slice+info.RunTime > full {
		t.Fatalf("Slice = %d with RunTime %d, want the slice drawn down from %d", info.Slice, info.RunTime, full)
	}
	for _, ti := range k.Snapshot().Tasks {
		if ti.ID == id && ti.RunTime != info.RunTime {
			t.Fatalf("Snapshot RunTime = %d, Task RunTime = %d", ti.RunTime, info.RunTime)
		}
	}
}

package kernel

import "testing"

func TestForkWaitExitCode(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	run(k, h, 2)
	before := k.Stats()

	var child, got PID
	var status WaitStatus
	var waitErr error
	forks := 0
	k.OnFork(func(parent, pid PID) { forks++ })
	var reclaimed []PID
	k.OnProcessReclaim(func(pid PID) { reclaimed = append(reclaimed, pid) })

	parent := spawnUser(t, k, "parent", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
		var err error
		child, err = c.Fork(0, func(c *Context) uintptr {
			c.Delay(3)
			return 42
		})
		if err != nil {
			t.Errorf("Fork() error = %v", err)
			return 1
		}
		got, status, waitErr = c.Wait(child, 0)
		return 0
	}})

	run(k, h, 20)
	if waitErr != nil {
		t.Fatalf("Wait() error = %v", waitErr)
	}
	if got != child {
		t.Fatalf("Wait() pid = %d, want %d", got, child)
	}
	if !status.Exited() || status.ExitCode() != 42 {
		t.Fatalf("Wait() status = %#x, want exit 42", uint32(status))
	}
	if forks != 2 {
		t.Fatalf("fork hooks ran %d times, want 2", forks)
	}
	if len(reclaimed) != 2 {
		t.Fatalf("reclaimed %v, want parent %d and child %d", reclaimed, parent, child)
	}

	after := k.Stats()
	if after.FreeProcs != before.FreeProcs || after.FreeTasks != before.FreeTasks {
		t.Fatalf("pools = %d procs %d tasks, want %d and %d",
			after.FreeProcs, after.FreeTasks, before.FreeProcs, before.FreeTasks)
	}
	if got := h.LiveSpaces(); got != 0 {
		t.Fatalf("LiveSpaces() = %d, want 0", got)
	}
	checkStates(t, k)
}

func TestWaitNoHangAndNoChild(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	var nohangPID PID
	var nohangErr, noChildErr, waitErr error
	var status WaitStatus
	spawnUser(t, k, "parent", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
		child, err := c.Fork(0, spin)
		if err != nil {
			t.Errorf("Fork() error = %v", err)
			return 1
		}
		nohangPID, _, nohangErr = c.Wait(child, WNOHANG)
		_, _, noChildErr = c.Wait(50, 0)
		if err := c.Kill(child, SIGKILL); err != nil {
			t.Errorf("Kill() error = %v", err)
		}
		_, status, waitErr = c.Wait(-1, 0)
		return spin(c)
	}})

	run(k, h, 10)
	if nohangPID != 0 || nohangErr != nil {
		t.Fatalf("Wait(WNOHANG) = %d, %v, want 0, nil", nohangPID, nohangErr)
	}
	if noChildErr != ErrNoChild {
		t.Fatalf("Wait(no child) error = %v, want %v", noChildErr, ErrNoChild)
	}
	if waitErr != nil || !status.Signaled() || status.Signal() != SIGKILL {
		t.Fatalf("Wait() = %#x, %v, want killed by SIGKILL", uint32(status), waitErr)
	}
}

func TestOrphanAdoptedByInit(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	var child PID
	spawnUser(t, k, "parent", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
		child, _ = c.Fork(0, spin)
		return 0
	}})

	run(k, h, 5)
	info, err := k.Process(child)
	if err != nil {
		t.Fatalf("Process(child) error = %v", err)
	}
	if info.Parent != InitPID {
		t.Fatalf("orphan parent = %d, want %d", info.Parent, InitPID)
	}

	if err := k.Kill(child, SIGKILL); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	run(k, h, 5)
	if _, err := k.Process(child); err != ErrNotCreated {
		t.Fatalf("Process(child) error = %v after kill, want %v", err, ErrNotCreated)
	}
}

func TestExitKillsSiblingThreads(t *testing.T) {
	k, h := newTestKernel(t, 2, Config{})
	pid := spawnUser(t, k, "group", TaskParams{Priority: 5, Entry: func(c *Context) uintptr {
		for i := 0; i < 2; i++ {
			if _, err := c.CreateTask(TaskParams{Priority: 10, Entry: spin}); err != nil {
				t.Errorf("CreateTask() error = %v", err)
			}
		}
		c.Delay(2)
		c.Exit(9)
		return 0
	}})
	run(k, h, 10)
	if _, err := k.Process(pid); err != ErrNotCreated {
		t.Fatalf("Process() error = %v, want %v", err, ErrNotCreated)
	}
	for cpu := 0; cpu < 2; cpu++ {
		if got := k.Running(cpu); got != k.Idle(cpu) {
			t.Fatalf("Running(%d) = %d, want idle", cpu, got)
		}
	}
	checkStates(t, k)
}

func TestProcessGroups(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	a := spawnUser(t, k, "a", TaskParams{Entry: spin, Priority: 10})
	b := spawnUser(t, k, "b", TaskParams{Entry: spin, Priority: 10})
	other := spawnUser(t, k, "other", TaskParams{Entry: spin, Priority: 10})
	run(k, h, 2)

	if err := k.SetProcessGroup(b, a); err != ErrPermission {
		t.Fatalf("SetProcessGroup(missing group) error = %v, want %v", err, ErrPermission)
	}
	if g, _ := k.ProcessGroup(b); g != InitPID {
		t.Fatalf("ProcessGroup(b) = %d after failed move, want %d", g, InitPID)
	}
	if err := k.SetProcessGroup(a, 0); err != nil {
		t.Fatalf("SetProcessGroup(a, 0) error = %v", err)
	}
	if err := k.SetProcessGroup(b, a); err != nil {
		t.Fatalf("SetProcessGroup(b, a) error = %v", err)
	}
	if g, _ := k.ProcessGroup(b); g != a {
		t.Fatalf("ProcessGroup(b) = %d, want %d", g, a)
	}

	if err := k.Kill(-a, SIGTERM); err != nil {
		t.Fatalf("Kill(-a) error = %v", err)
	}
	run(k, h, 5)
	for _, pid := range []PID{a, b} {
		if _, err := k.Process(pid); err != ErrNotCreated {
			t.Fatalf("Process(%d) error = %v, want %v", pid, err, ErrNotCreated)
		}
	}
	if _, err := k.Process(other); err != nil {
		t.Fatalf("Process(other) error = %v", err)
	}
	if err := k.Kill(-a, SIGTERM); err != ErrNotCreated {
		t.Fatalf("Kill(freed group) error = %v, want %v", err, ErrNotCreated)
	}
}

func TestKillChecks(t *testing.T) {
	k, _ := newTestKernel(t, 1, Config{})
	pid := spawnUser(t, k, "t", TaskParams{Entry: spin, Priority: 10})

	if err := k.Kill(InitPID, SIGTERM); err != ErrPermission {
		t.Fatalf("Kill(init) error = %v, want %v", err, ErrPermission)
	}
	if err := k.Kill(pid, 99); err != ErrInvalid {
		t.Fatalf("Kill(bad signal) error = %v, want %v", err, ErrInvalid)
	}
	if err := k.Kill(pid, 0); err != nil {
		t.Fatalf("Kill(probe) error = %v", err)
	}
	if err := k.Kill(40, 0); err != ErrNotCreated {
		t.Fatalf("Kill(missing) error = %v, want %v", err, ErrNotCreated)
	}
}

func TestFaultKillsProcess(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	pid := spawnUser(t, k, "faulty", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
		c.Checkpoint()
		panic("bad access")
	}})
	run(k, h, 5)
	if _, err := k.Process(pid); err != ErrNotCreated {
		t.Fatalf("Process() error = %v, want %v", err, ErrNotCreated)
	}
	checkStates(t, k)
}

func TestSpawnExhaustsAddressSpaces(t *testing.T) {
	h := newLimitedHost(1)
	k := New(h, Config{})
	if _, err := k.Spawn(InitPID, ProcParams{Name: "one", Class: -1, Main: TaskParams{Entry: spin, Priority: 10}}); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := k.Spawn(InitPID, ProcParams{Name: "two", Class: -1, Main: TaskParams{Entry: spin, Priority: 10}}); err != ErrExhausted {
		t.Fatalf("Spawn() error = %v, want %v", err, ErrExhausted)
	}
	if _, err := k.Spawn(InitPID, ProcParams{Name: "shared", Class: -1, Flags: CloneVM, Main: TaskParams{Entry: spin, Priority: 10}}); err != nil {
		t.Fatalf("Spawn(CloneVM) error = %v", err)
	}
}

func TestSetProcessClass(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	lowPID := spawnUser(t, k, "low", TaskParams{Entry: spin, Priority: 20})
	low := mainThread(t, k, lowPID)
	high := mainThread(t, k, spawnUser(t, k, "high", TaskParams{Entry: spin, Priority: 5}))
	run(k, h, 2)
	if got := k.Running(0); got != high {
		t.Fatalf("Running(0) = %d, want %d", got, high)
	}

	if err := k.SetProcessClass(lowPID, ClassUser-1); err != nil {
		t.Fatalf("SetProcessClass() error = %v", err)
	}
	run(k, h, 1)
	if got := k.Running(0); got != low {
		t.Fatalf("Running(0) after class change = %d, want %d", got, low)
	}
	info, _ := k.Process(lowPID)
	if info.Class != ClassUser-1 {
		t.Fatalf("Class = %d, want %d", info.Class, ClassUser-1)
	}
	checkStates(t, k)

	cases := []struct {
		pid  PID
		cls  int
		want error
	}{
		{lowPID, ClassIdle, ErrInvalid},
		{lowPID, -1, ErrInvalid},
		{InitPID, ClassUser, ErrPermission},
		{99, ClassUser, ErrNotCreated},
	}
	for _, tc := range cases {
		if err := k.SetProcessClass(tc.pid, tc.cls); err != tc.want {
			t.Fatalf("SetProcessClass(%d, %d) error = %v, want %v", tc.pid, tc.cls, err, tc.want)
		}
	}
}

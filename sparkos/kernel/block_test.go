package kernel

import (
	"testing"

	"sparkrt/hal"
)

func TestPreemptLockRefusesBlocking(t *testing.T) {
	cases := []struct {
		name string
		op   func(c *Context, peer TaskID) error
	}{
		{"yield", func(c *Context, _ TaskID) error { return c.Yield() }},
		{"delay", func(c *Context, _ TaskID) error { return c.Delay(5) }},
		{"join", func(c *Context, peer TaskID) error {
			_, err := c.Join(peer)
			return err
		}},
		{"wait", func(c *Context, _ TaskID) error {
			_, _, err := c.Wait(-1, 0)
			return err
		}},
		{"pend", func(c *Context, _ TaskID) error {
			var q WaitQueue
			return c.Pend(&q, 5)
		}},
	}
	for _, tc := range cases {
		k, h := newTestKernel(t, 1, Config{})
		var (
			peer TaskID
			got  error
			done bool
		)
		pid := spawnUser(t, k, "locked", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
			c.LockPreempt()
			got = tc.op(c, peer)
			c.UnlockPreempt()
			done = true
			return spin(c)
		}})
		var err error
		peer, err = k.CreateTask(pid, TaskParams{Entry: spin, Priority: 20, Joinable: true})
		if err != nil {
			t.Fatalf("%s: CreateTask() error = %v", tc.name, err)
		}
		if _, err := k.Spawn(pid, ProcParams{Name: "child", Class: -1, Main: TaskParams{Entry: spin, Priority: 20}}); err != nil {
			t.Fatalf("%s: Spawn() error = %v", tc.name, err)
		}

		run(k, h, 5)
		if !done {
			t.Fatalf("%s: task never left the locked section", tc.name)
		}
		if got != ErrLocked {
			t.Fatalf("%s: error = %v, want %v", tc.name, got, ErrLocked)
		}
		checkStates(t, k)
	}
}

func TestDeleteAcrossLockedCore(t *testing.T) {
	k, h := newTestKernel(t, 2, Config{})
	var (
		target         TaskID
		locked, normal error
		done           bool
	)
	pid := spawnUser(t, k, "deleter", TaskParams{Priority: 10, Affinity: hal.MaskOf(0), Entry: func(c *Context) uintptr {
		c.Delay(2)
		c.LockPreempt()
		locked = c.DeleteTask(target)
		c.UnlockPreempt()
		normal = c.DeleteTask(target)
		done = true
		return spin(c)
	}})
	var err error
	target, err = k.CreateTask(pid, TaskParams{Entry: spin, Priority: 10, Affinity: hal.MaskOf(1)})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	run(k, h, 1)
	if got := k.Running(1); got != target {
		t.Fatalf("Running(1) = %d, want %d", got, target)
	}
	run(k, h, 10)
	if !done {
		t.Fatal("deleter never finished")
	}
	if locked != ErrLocked {
		t.Fatalf("DeleteTask() under preemption lock error = %v, want %v", locked, ErrLocked)
	}
	if normal != nil {
		t.Fatalf("DeleteTask() error = %v, want nil", normal)
	}
	if got := k.Running(1); got == target {
		t.Fatalf("Running(1) = %d, want target gone", got)
	}
	checkStates(t, k)
}

func TestPendTimeout(t *testing.T) {
	cases := []struct {
		name string
		call func(c *Context, q *WaitQueue) error
		want error
		// wait is the minimum blocked time in ticks.
		wait uint64
	}{
		{"poll", func(c *Context, q *WaitQueue) error { return c.Pend(q, 0) }, ErrTimedOut, 0},
		{"bounded", func(c *Context, q *WaitQueue) error { return c.Pend(q, 5) }, ErrTimedOut, 5},
		{"until", func(c *Context, q *WaitQueue) error {
			return c.PendUntil(q, c.Now()+c.Kernel().Ticks(8), nil)
		}, ErrTimedOut, 8},
		{"past", func(c *Context, q *WaitQueue) error { return c.PendUntil(q, c.Now(), nil) }, ErrTimedOut, 0},
		{"ready", func(c *Context, q *WaitQueue) error {
			return c.PendUntil(q, Forever, func() bool { return true })
		}, nil, 0},
	}
	for _, tc := range cases {
		k, h := newTestKernel(t, 1, Config{})
		var (
			q          WaitQueue
			got        error
			start, end uint64
			done       bool
		)
		id := mainThread(t, k, spawnUser(t, k, "pender", TaskParams{Priority: 10, Entry: func(c *Context) uintptr {
			start = c.Now()
			got = tc.call(c, &q)
			end = c.Now()
			done = true
			return spin(c)
		}}))

		run(k, h, 2)
		if tc.wait > 2 {
			info, err := k.Task(id)
			if err != nil {
				t.Fatalf("%s: Task() error = %v", tc.name, err)
			}
			if info.State&(StatePending|StatePendTime) != StatePending|StatePendTime {
				t.Fatalf("%s: state = %s, want pending with timeout", tc.name, info.State)
			}
			if n := k.Waiters(&q); n != 1 {
				t.Fatalf("%s: Waiters() = %d, want 1", tc.name, n)
			}
		}
		run(k, h, int(tc.wait)+4)
		if !done {
			t.Fatalf("%s: task still blocked", tc.name)
		}
		if got != tc.want {
			t.Fatalf("%s: error = %v, want %v", tc.name, got, tc.want)
		}
		if end-start < k.Ticks(tc.wait) {
			t.Fatalf("%s: blocked %d cycles, want at least %d", tc.name, end-start, k.Ticks(tc.wait))
		}
		if n := k.Waiters(&q); n != 0 {
			t.Fatalf("%s: Waiters() = %d, want 0", tc.name, n)
		}
		checkStates(t, k)
	}
}

func TestDeadlineNeedsSingleThread(t *testing.T) {
	dl := SchedParam{Policy: PolicyDeadline, Runtime: 2, Deadline: 5, Period: 10}
	cases := []struct {
		name    string
		threads int
		want    error
	}{
		{"single", 1, nil},
		{"multi", 2, ErrInvalid},
	}
	for _, tc := range cases {
		k, _ := newTestKernel(t, 1, Config{})
		pid := spawnUser(t, k, tc.name, TaskParams{Entry: spin, Priority: 10})
		for i := 1; i < tc.threads; i++ {
			if _, err := k.CreateTask(pid, TaskParams{Entry: spin, Priority: 10}); err != nil {
				t.Fatalf("%s: CreateTask() error = %v", tc.name, err)
			}
		}
		id := mainThread(t, k, pid)
		if err := k.SetSchedParam(id, dl); err != tc.want {
			t.Fatalf("%s: SetSchedParam(deadline) error = %v, want %v", tc.name, err, tc.want)
		}
		got, err := k.GetSchedParam(id)
		if err != nil {
			t.Fatalf("%s: GetSchedParam() error = %v", tc.name, err)
		}
		wantPolicy := PolicyRR
		if tc.want == nil {
			wantPolicy = PolicyDeadline
		}
		if got.Policy != wantPolicy {
			t.Fatalf("%s: policy = %v, want %v", tc.name, got.Policy, wantPolicy)
		}
	}

	k, _ := newTestKernel(t, 1, Config{})
	pid := spawnUser(t, k, "dl", TaskParams{Entry: spin, Policy: PolicyDeadline, Runtime: 2, Deadline: 5, Period: 10})
	_, err := k.CreateTask(pid, TaskParams{Entry: spin, Policy: PolicyDeadline, Runtime: 2, Deadline: 5, Period: 10})
	if err != ErrInvalid {
		t.Fatalf("CreateTask(second deadline thread) error = %v, want %v", err, ErrInvalid)
	}
}

func TestStaleTickSkipsCharge(t *testing.T) {
	k, h := newTestKernel(t, 1, Config{})
	id := mainThread(t, k, spawnUser(t, k, "rr", TaskParams{Entry: spin, Priority: 10}))
	run(k, h, 2)
	if got := k.Running(0); got != id {
		t.Fatalf("Running(0) = %d, want %d", got, id)
	}

	cases := []struct {
		name    string
		stale   bool
		charged bool
	}{
		{"stale", true, false},
		{"current", false, true},
	}
	for _, tc := range cases {
		h.Advance(k.Ticks(1))
		k.lock(0)
		pc := k.cpus[0]
		cur := pc.running
		before := cur.runTime
		if tc.stale {
			pc.responseID = pc.idle.id
		}
		k.timer.Program(0, k.clock.Now())
		k.interruptLocked(pc)
		charged := cur.runTime != before
		respID := pc.responseID
		k.unlock()

		if charged != tc.charged {
			t.Fatalf("%s: charged = %v, want %v", tc.name, charged, tc.charged)
		}
		if respID != cur.id {
			t.Fatalf("%s: responseID = %d, want %d", tc.name, respID, cur.id)
		}
	}
}

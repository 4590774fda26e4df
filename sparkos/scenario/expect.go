package scenario

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"sparkrt/sparkos/kernel"
)

func (r *Runner) expect(args []string) error {
	if len(args) < 3 {
		return errors.New("expect WHAT SUBJECT VALUE")
	}
	what, subj, want := args[0], args[1], args[2]
	switch what {
	case "running":
		return r.expectRunning(subj, want)
	case "state":
		id, err := r.taskID(subj)
		if err != nil {
			return err
		}
		ti, err := r.k.Task(id)
		if err != nil {
			return errors.Wrapf(err, "task %s", subj)
		}
		for _, s := range strings.Split(ti.State.String(), "|") {
			if s == want {
				return nil
			}
		}
		return errors.Errorf("task %s state = %s, want %s", subj, ti.State, want)
	case "status":
		pid, err := r.proc(subj)
		if err != nil {
			return err
		}
		pi, err := r.k.Process(pid)
		got := pi.Status.String()
		if err == kernel.ErrNotCreated {
			got = "gone"
		} else if err != nil {
			return errors.Wrapf(err, "process %s", subj)
		}
		if got != want {
			return errors.Errorf("process %s status = %s, want %s", subj, got, want)
		}
		return nil
	case "exit", "signaled":
		return r.expectWaited(what, subj, want)
	case "fired":
		n, err := strconv.Atoi(want)
		if err != nil {
			return errors.Wrap(err, "count")
		}
		if got := r.Fired(subj); got != n {
			return errors.Errorf("timer %s fired %d times, want %d", subj, got, n)
		}
		return nil
	case "caught":
		pid, err := r.proc(subj)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(want)
		if err != nil {
			return errors.Wrap(err, "count")
		}
		r.mu.Lock()
		got := r.caught[pid]
		r.mu.Unlock()
		if got != n {
			return errors.Errorf("process %s caught %d signals, want %d", subj, got, n)
		}
		return nil
	}
	return errors.Errorf("unknown expectation %q", what)
}

func (r *Runner) expectRunning(cpuArg, want string) error {
	cpu, err := strconv.Atoi(strings.TrimPrefix(cpuArg, "cpu"))
	if err != nil || cpu < 0 || cpu >= r.k.NumCPU() {
		return errors.Errorf("bad cpu %q", cpuArg)
	}
	id := r.k.Running(cpu)
	if want == "idle" {
		if id != r.k.Idle(cpu) {
			return errors.Errorf("cpu%d runs task %d, want idle", cpu, id)
		}
		return nil
	}
	wantID, err := r.taskID(want)
	if err != nil {
		return err
	}
	if id != wantID {
		got := strconv.Itoa(int(id))
		if ti, err := r.k.Task(id); err == nil {
			got = ti.Name
		}
		return errors.Errorf("cpu%d runs %s, want %s", cpu, got, want)
	}
	return nil
}

func (r *Runner) expectWaited(what, subj, want string) error {
	pid, err := r.proc(subj)
	if err != nil {
		return err
	}
	r.mu.Lock()
	st, ok := r.statuses[pid]
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("process %s was not reaped by a waiting parent", subj)
	}
	if what == "exit" {
		code, err := strconv.Atoi(want)
		if err != nil {
			return errors.Wrap(err, "exit code")
		}
		if !st.Exited() || st.ExitCode() != code {
			return errors.Errorf("process %s status %#x, want exit %d", subj, uint32(st), code)
		}
		return nil
	}
	s, err := kernel.ParseSignal(want)
	if err != nil {
		return errors.Wrapf(err, "signal %q", want)
	}
	if !st.Signaled() || st.Signal() != s {
		return errors.Errorf("process %s status %#x, want killed by %s", subj, uint32(st), s)
	}
	return nil
}

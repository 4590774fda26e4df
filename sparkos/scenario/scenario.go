// Package scenario runs line-oriented scripts against a hosted board: each
// line creates processes, tasks or timers, advances the clock, or asserts
// scheduler state.
//
//	spawn NAME [parent=P] [class=N] [prio=N] [policy=rr|fifo|deadline]
//	           [rt=N dl=N period=N] [cpus=0,1] [body=B]
//	task NAME proc=P [prio=N] [policy=..] [cpus=..] [body=B] [suspended]
//	timer NAME interval=N [mode=once|periodic|keep] [owner=P]
//	run TICKS
//	kill PROC SIG | suspend TASK | resume TASK | delete TASK
//	stop TIMER | prio TASK N | class PROC N
//	expect running CPU TASK|idle
//	expect state TASK WORD
//	expect status PROC WORD|gone
//	expect exit PROC CODE | expect signaled PROC SIG
//	expect fired TIMER N | expect caught PROC N
//	print
//
// A process or task name used as a task argument means its main thread.
// Bodies: spin, yield, sleep:N, work:N, exit:N, wait, catch:SIG.
package scenario

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"sparkrt/hal"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/monitor"
	"sparkrt/sparkos/swtmr"
)

// Runner executes scripts against one board. Names are global to the
// runner, so scripts may be fed in pieces.
type Runner struct {
	h      *hal.Host
	k      *kernel.Kernel
	timers *swtmr.Engine

	// StepsPerTick is how many times each core steps per tick.
	StepsPerTick int
	// Out receives print output.
	Out io.Writer

	procs map[string]kernel.PID
	tasks map[string]kernel.TaskID
	tmrs  map[string]swtmr.ID

	mu       sync.Mutex
	fired    map[string]int
	caught   map[kernel.PID]int
	statuses map[kernel.PID]kernel.WaitStatus
}

// New returns a runner for the board h running k. timers may be nil, in
// which case timer commands fail.
func New(h *hal.Host, k *kernel.Kernel, timers *swtmr.Engine) *Runner {
	return &Runner{
		h:            h,
		k:            k,
		timers:       timers,
		StepsPerTick: 4,
		Out:          io.Discard,
		procs: map[string]kernel.PID{
			"init":   kernel.InitPID,
			"kernel": kernel.KernelPID,
		},
		tasks:    map[string]kernel.TaskID{},
		tmrs:     map[string]swtmr.ID{},
		fired:    map[string]int{},
		caught:   map[kernel.PID]int{},
		statuses: map[kernel.PID]kernel.WaitStatus{},
	}
}

// Run executes every line of src and stops at the first failure.
func (r *Runner) Run(src io.Reader) error {
	sc := bufio.NewScanner(src)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := r.Exec(line); err != nil {
			return errors.Wrapf(err, "line %d: %s", n, line)
		}
	}
	return errors.Wrap(sc.Err(), "scenario: read")
}

// Exec runs one script line.
func (r *Runner) Exec(line string) error {
	words, err := shlex.Split(line)
	if err != nil {
		return errors.Wrap(err, "tokenize")
	}
	if len(words) == 0 {
		return nil
	}
	cmd, args := words[0], words[1:]
	switch cmd {
	case "spawn":
		return r.spawn(args)
	case "task":
		return r.task(args)
	case "timer":
		return r.timer(args)
	case "run":
		return r.run(args)
	case "kill":
		return r.kill(args)
	case "suspend", "resume", "delete":
		return r.taskOp(cmd, args)
	case "stop":
		return r.stop(args)
	case "prio":
		return r.prio(args)
	case "class":
		return r.class(args)
	case "expect":
		return r.expect(args)
	case "print":
		for _, l := range monitor.Lines(r.k.Snapshot(), r.timerStats(), r.k.TickCycles(), -1) {
			fmt.Fprintln(r.Out, l)
		}
		return nil
	}
	return errors.Errorf("unknown command %q", cmd)
}

// PID returns the pid bound to a process name.
func (r *Runner) PID(name string) (kernel.PID, bool) {
	pid, ok := r.procs[name]
	return pid, ok
}

// Fired returns how many times a named timer's handler ran.
func (r *Runner) Fired(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[name]
}

func (r *Runner) timerStats() *swtmr.Stats {
	if r.timers == nil {
		return nil
	}
	s := r.timers.Stats()
	return &s
}

func (r *Runner) spawn(args []string) error {
	name, opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if _, dup := r.procs[name]; dup {
		return errors.Errorf("process %q already defined", name)
	}
	parent := kernel.InitPID
	if p, ok := opts["parent"]; ok {
		if parent, err = r.proc(p); err != nil {
			return err
		}
	}
	tp, err := r.taskParams(name, opts)
	if err != nil {
		return err
	}
	pp := kernel.ProcParams{Name: name, Class: -1, Main: tp}
	if v, ok := opts["class"]; ok {
		if pp.Class, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "class")
		}
	}
	pid, err := r.k.Spawn(parent, pp)
	if err != nil {
		return errors.Wrapf(err, "spawn %s", name)
	}
	r.procs[name] = pid
	return nil
}

func (r *Runner) task(args []string) error {
	name, opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if _, dup := r.tasks[name]; dup {
		return errors.Errorf("task %q already defined", name)
	}
	owner, ok := opts["proc"]
	if !ok {
		return errors.New("task needs proc=")
	}
	pid, err := r.proc(owner)
	if err != nil {
		return err
	}
	tp, err := r.taskParams(name, opts)
	if err != nil {
		return err
	}
	id, err := r.k.CreateTask(pid, tp)
	if err != nil {
		return errors.Wrapf(err, "create task %s", name)
	}
	r.tasks[name] = id
	return nil
}

func (r *Runner) taskParams(name string, opts map[string]string) (kernel.TaskParams, error) {
	tp := kernel.TaskParams{Name: name, Priority: 10}
	var err error
	for key, v := range opts {
		switch key {
		case "prio":
			tp.Priority, err = strconv.Atoi(v)
		case "policy":
			tp.Policy, err = parsePolicy(v)
		case "rt":
			tp.Runtime, err = strconv.ParseUint(v, 10, 64)
		case "dl":
			tp.Deadline, err = strconv.ParseUint(v, 10, 64)
		case "period":
			tp.Period, err = strconv.ParseUint(v, 10, 64)
		case "cpus":
			tp.Affinity, err = parseMask(v)
		case "body":
			tp.Entry, err = r.body(v)
		case "suspended":
			tp.Suspended = true
		case "joinable":
			tp.Joinable = true
		case "parent", "class", "proc":
		default:
			err = errors.Errorf("unknown option %q", key)
		}
		if err != nil {
			return tp, errors.Wrap(err, key)
		}
	}
	if tp.Entry == nil {
		tp.Entry = spin
	}
	return tp, nil
}

func (r *Runner) timer(args []string) error {
	if r.timers == nil {
		return errors.New("no timer engine")
	}
	name, opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	interval, err := strconv.ParseUint(opts["interval"], 10, 64)
	if err != nil {
		return errors.Wrap(err, "interval")
	}
	mode := swtmr.ModePeriodic
	switch opts["mode"] {
	case "", "periodic":
	case "once":
		mode = swtmr.ModeOnce
	case "keep":
		mode = swtmr.ModeNoSelfDelete
	default:
		return errors.Errorf("unknown timer mode %q", opts["mode"])
	}
	owner := kernel.KernelPID
	if o, ok := opts["owner"]; ok {
		if owner, err = r.proc(o); err != nil {
			return err
		}
	}
	id, err := r.timers.Create(owner, interval, mode, func(uintptr) {
		r.mu.Lock()
		r.fired[name]++
		r.mu.Unlock()
	}, 0)
	if err != nil {
		return errors.Wrapf(err, "create timer %s", name)
	}
	r.tmrs[name] = id
	return errors.Wrapf(r.timers.Start(id), "start timer %s", name)
}

func (r *Runner) run(args []string) error {
	if len(args) != 1 {
		return errors.New("run TICKS")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return errors.Errorf("bad tick count %q", args[0])
	}
	r.h.Run(n, r.StepsPerTick, r.k.TickCycles(), r.k.Step)
	if kernel.InPanicMode() {
		return errors.New("kernel panicked")
	}
	return nil
}

func (r *Runner) kill(args []string) error {
	if len(args) != 2 {
		return errors.New("kill PROC SIG")
	}
	pid, err := r.proc(args[0])
	if err != nil {
		return err
	}
	s, err := kernel.ParseSignal(args[1])
	if err != nil {
		return errors.Wrapf(err, "signal %q", args[1])
	}
	return r.k.Kill(pid, s)
}

func (r *Runner) taskOp(cmd string, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("%s TASK", cmd)
	}
	id, err := r.taskID(args[0])
	if err != nil {
		return err
	}
	switch cmd {
	case "suspend":
		return r.k.Suspend(id)
	case "resume":
		return r.k.Resume(id)
	}
	return r.k.DeleteTask(id)
}

func (r *Runner) stop(args []string) error {
	if len(args) != 1 {
		return errors.New("stop TIMER")
	}
	id, ok := r.tmrs[args[0]]
	if !ok {
		return errors.Errorf("unknown timer %q", args[0])
	}
	return r.timers.Stop(id)
}

func (r *Runner) prio(args []string) error {
	if len(args) != 2 {
		return errors.New("prio TASK N")
	}
	id, err := r.taskID(args[0])
	if err != nil {
		return err
	}
	p, err := r.k.GetSchedParam(id)
	if err != nil {
		return err
	}
	if p.Priority, err = strconv.Atoi(args[1]); err != nil {
		return errors.Wrap(err, "priority")
	}
	return r.k.SetSchedParam(id, p)
}

func (r *Runner) class(args []string) error {
	if len(args) != 2 {
		return errors.New("class PROC N")
	}
	pid, err := r.proc(args[0])
	if err != nil {
		return err
	}
	cls, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrap(err, "class")
	}
	return errors.Wrapf(r.k.SetProcessClass(pid, cls), "class %s", args[0])
}

func (r *Runner) proc(name string) (kernel.PID, error) {
	if pid, ok := r.procs[name]; ok {
		return pid, nil
	}
	return 0, errors.Errorf("unknown process %q", name)
}

func (r *Runner) taskID(name string) (kernel.TaskID, error) {
	if id, ok := r.tasks[name]; ok {
		return id, nil
	}
	if pid, ok := r.procs[name]; ok {
		id, err := r.k.MainThread(pid)
		return id, errors.Wrapf(err, "main thread of %s", name)
	}
	return 0, errors.Errorf("unknown task %q", name)
}

// parseArgs splits NAME key=value... flags into a name and an option map.
// A bare word is a flag with an empty value.
func parseArgs(args []string) (string, map[string]string, error) {
	if len(args) == 0 {
		return "", nil, errors.New("missing name")
	}
	opts := map[string]string{}
	for _, a := range args[1:] {
		k, v, _ := strings.Cut(a, "=")
		opts[k] = v
	}
	return args[0], opts, nil
}

func parsePolicy(s string) (kernel.Policy, error) {
	switch s {
	case "rr":
		return kernel.PolicyRR, nil
	case "fifo":
		return kernel.PolicyFIFO, nil
	case "deadline":
		return kernel.PolicyDeadline, nil
	}
	return 0, errors.Errorf("unknown policy %q", s)
}

func parseMask(s string) (hal.CPUMask, error) {
	var m hal.CPUMask
	for _, f := range strings.Split(s, ",") {
		cpu, err := strconv.Atoi(f)
		if err != nil || cpu < 0 || cpu >= hal.MaxCPUs {
			return 0, errors.Errorf("bad cpu %q", f)
		}
		m |= hal.MaskOf(cpu)
	}
	return m, nil
}

package scenario

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"sparkrt/sparkos/kernel"
)

func spin(c *kernel.Context) uintptr {
	for {
		c.Checkpoint()
	}
}

// body builds a task entry from its script form.
func (r *Runner) body(spec string) (kernel.TaskFunc, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "spin":
		return spin, nil
	case "yield":
		return func(c *kernel.Context) uintptr {
			for {
				c.Yield()
			}
		}, nil
	case "wait":
		return r.waitBody, nil
	case "catch":
		s, err := kernel.ParseSignal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "signal %q", arg)
		}
		return r.catchBody(s), nil
	}

	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, errors.Errorf("body %q needs a number", kind)
	}
	switch kind {
	case "sleep":
		return func(c *kernel.Context) uintptr {
			for {
				c.Delay(n)
			}
		}, nil
	case "work":
		return func(c *kernel.Context) uintptr {
			end := c.Now() + c.Kernel().Ticks(n)
			for c.Now() < end {
				c.Checkpoint()
			}
			return 0
		}, nil
	case "exit":
		return func(c *kernel.Context) uintptr {
			c.Exit(int(n))
			return 0
		}, nil
	}
	return nil, errors.Errorf("unknown body %q", kind)
}

// waitBody reaps children forever and records how each ended.
func (r *Runner) waitBody(c *kernel.Context) uintptr {
	for {
		pid, st, err := c.Wait(-1, 0)
		switch {
		case err == kernel.ErrNoChild:
			c.Delay(1)
		case err == nil:
			r.mu.Lock()
			r.statuses[pid] = st
			r.mu.Unlock()
		}
	}
}

func (r *Runner) catchBody(s kernel.Signal) kernel.TaskFunc {
	return func(c *kernel.Context) uintptr {
		c.SigAction(s, kernel.SigAction{Handler: func(c *kernel.Context, info kernel.SigInfo) {
			r.mu.Lock()
			r.caught[c.PID()]++
			r.mu.Unlock()
		}})
		return spin(c)
	}
}

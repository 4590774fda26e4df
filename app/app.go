// Package app assembles a hosted board: the simulated SMP hardware, the
// kernel, the software timer engine and the status monitor.
package app

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"sparkrt/hal"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/monitor"
	"sparkrt/sparkos/scenario"
	"sparkrt/sparkos/swtmr"
)

// Config selects the board and kernel sizing.
type Config struct {
	CPUs   int
	Kernel kernel.Config
	Timers swtmr.Config
	// Width and Height size the monitor framebuffer; zero disables the
	// monitor.
	Width  int
	Height int
	// MaxSpaces bounds live address spaces (0 = unlimited).
	MaxSpaces int
	// TraceDepth bounds the context-switch trace.
	TraceDepth int
}

// System is a booted board.
type System struct {
	Host    *hal.Host
	Kernel  *kernel.Kernel
	Timers  *swtmr.Engine
	Monitor *monitor.Monitor
}

// New boots a board per cfg.
func New(cfg Config) (*System, error) {
	h := hal.NewHost(hal.HostConfig{
		CPUs:       cfg.CPUs,
		Width:      cfg.Width,
		Height:     cfg.Height,
		MaxSpaces:  cfg.MaxSpaces,
		TraceDepth: cfg.TraceDepth,
	})
	installPanicHandler(h)

	k := kernel.New(h, cfg.Kernel)
	e, err := swtmr.New(k, h.Logger(), cfg.Timers)
	if err != nil {
		return nil, errors.Wrap(err, "app: timer engine")
	}
	s := &System{Host: h, Kernel: k, Timers: e}
	if fb := h.Display().Framebuffer(); fb != nil {
		if s.Monitor, err = monitor.New(k, e, fb); err != nil {
			return nil, errors.Wrap(err, "app: monitor")
		}
	}
	k.OnFork(func(parent, child kernel.PID) {
		h.Logger().WriteLineString(fmt.Sprintf("proc: pid %d forked pid %d", parent, child))
	})
	return s, nil
}

// Step advances one core by one scheduling step.
func (s *System) Step(cpu int) error {
	s.Kernel.Step(cpu)
	if info, ok := kernel.LastPanic(); ok {
		return errors.Errorf("kernel panic on cpu%d task %d: %v", info.CPU, info.TaskID, info.Value)
	}
	return nil
}

// Redraw repaints the monitor, if any.
func (s *System) Redraw(hal.Framebuffer) {
	if s.Monitor != nil {
		_ = s.Monitor.Draw()
	}
}

// Scenario returns a script runner bound to the board.
func (s *System) Scenario() *scenario.Runner {
	r := scenario.New(s.Host, s.Kernel, s.Timers)
	r.Out = os.Stdout
	return r
}

// RunScript executes the scenario script at path.
func (s *System) RunScript(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "app: open script")
	}
	defer f.Close()
	return errors.Wrapf(s.Scenario().Run(f), "app: %s", path)
}

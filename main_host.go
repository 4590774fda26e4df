//go:build !tinygo

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"sparkrt/app"
	"sparkrt/hal"
	"sparkrt/internal/buildinfo"
)

func main() {
	var cfg app.Config
	var hcfg hal.HeadlessConfig
	var window, version bool
	var script string
	var tickUS uint64
	flag.BoolVar(&window, "window", false, "Show the monitor in a desktop window.")
	flag.IntVar(&cfg.CPUs, "cores", 2, "Number of simulated cores.")
	flag.IntVar(&cfg.Kernel.MaxTasks, "max-tasks", 0, "Task pool size (0 = default).")
	flag.IntVar(&cfg.Kernel.MaxProcesses, "max-procs", 0, "Process pool size (0 = default).")
	flag.IntVar(&cfg.Timers.MaxTimers, "max-timers", 0, "Software timer pool size (0 = default).")
	flag.Uint64Var(&tickUS, "tick-us", 1000, "Tick length in microseconds of board time.")
	flag.IntVar(&hcfg.Hz, "hz", 0, "Tick rate in headless mode (0 = as fast as possible).")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = run until interrupted).")
	flag.IntVar(&hcfg.StepBudget, "steps", 4, "Scheduling steps per core per tick.")
	flag.BoolVar(&hcfg.Parallel, "parallel", false, "Step every core on its own goroutine.")
	flag.StringVar(&script, "script", "", "Run a scenario script and exit.")
	flag.BoolVar(&version, "version", false, "Print the build version and exit.")
	flag.Parse()

	if version {
		fmt.Println(buildinfo.String())
		return
	}
	cfg.Kernel.TickCycles = tickUS * (hal.CyclesPerSecond / 1_000_000)
	hcfg.TickCycles = cfg.Kernel.TickCycles
	if window {
		cfg.Width, cfg.Height = 320, 240
	}

	if err := run(cfg, hcfg, window, script); err != nil {
		if errors.Cause(err) == context.Canceled {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg app.Config, hcfg hal.HeadlessConfig, window bool, script string) error {
	sys, err := app.New(cfg)
	if err != nil {
		return err
	}
	if script != "" {
		return sys.RunScript(script)
	}
	if window {
		return hal.RunWindow(sys.Host, sys.Step, hal.WindowConfig{
			StepBudget: hcfg.StepBudget,
			Redraw:     sys.Redraw,
		})
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return hal.RunHeadless(ctx, sys.Host, sys.Step, hcfg)
}

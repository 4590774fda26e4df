//go:build !tinygo

package hal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// StepFunc advances one core by one scheduling step.
type StepFunc func(cpu int) error

// HeadlessConfig controls the no-window host runner.
type HeadlessConfig struct {
	// Hz is the tick rate. Zero runs as fast as possible.
	Hz int
	// Ticks stops the run after this many ticks (0 = until ctx is done).
	Ticks uint64
	// StepBudget is the number of steps each core takes per tick.
	StepBudget int
	// TickCycles is the clock advance per tick in free-running mode.
	TickCycles uint64
	// Parallel steps every core on its own goroutine.
	Parallel bool
}

// RunHeadless drives the board without opening a window.
func RunHeadless(ctx context.Context, h *Host, step StepFunc, cfg HeadlessConfig) error {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = 1
	}
	if cfg.Hz < 0 {
		return errors.Errorf("invalid headless hz: %d", cfg.Hz)
	}
	if cfg.TickCycles == 0 {
		cfg.TickCycles = CyclesPerSecond / 1000
		if cfg.Hz > 0 {
			cfg.TickCycles = CyclesPerSecond / uint64(cfg.Hz)
		}
	}

	var tickC <-chan time.Time
	if cfg.Hz > 0 {
		t := time.NewTicker(time.Second / time.Duration(cfg.Hz))
		defer t.Stop()
		tickC = t.C
		h.clock.syncWall(cfg.TickCycles)
	}

	var tick uint64
	for {
		if tickC != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tickC:
			}
			h.clock.syncWall(cfg.TickCycles)
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			h.clock.Advance(cfg.TickCycles)
		}

		if err := stepCores(ctx, h.cpus, cfg, step); err != nil {
			return err
		}

		tick++
		if cfg.Ticks > 0 && tick >= cfg.Ticks {
			return nil
		}
	}
}

func stepCores(ctx context.Context, cpus int, cfg HeadlessConfig, step StepFunc) error {
	if !cfg.Parallel {
		for s := 0; s < cfg.StepBudget; s++ {
			for cpu := 0; cpu < cpus; cpu++ {
				if err := step(cpu); err != nil {
					return errors.Wrapf(err, "cpu%d", cpu)
				}
			}
		}
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for cpu := 0; cpu < cpus; cpu++ {
		cpu := cpu
		g.Go(func() error {
			for s := 0; s < cfg.StepBudget; s++ {
				if err := step(cpu); err != nil {
					return errors.Wrapf(err, "cpu%d", cpu)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

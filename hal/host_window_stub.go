//go:build !tinygo && !cgo

package hal

import "errors"

// WindowConfig controls the desktop monitor window.
type WindowConfig struct {
	TPS        int
	StepBudget int
	Redraw     func(fb Framebuffer)
}

func RunWindow(_ *Host, _ StepFunc, _ WindowConfig) error {
	return errors.New("window mode requires cgo (build/run with CGO_ENABLED=1)")
}

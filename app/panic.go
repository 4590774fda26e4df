package app

import (
	"fmt"
	"image/color"
	"strings"

	"sparkrt/hal"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/monitor"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

// installPanicHandler logs the first kernel-fatal condition and paints it
// over the monitor framebuffer.
func installPanicHandler(h hal.HAL) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		lines := []string{
			"sparkrt panic:",
			fmt.Sprintf("cpu%d task=%d", info.CPU, info.TaskID),
			fmt.Sprintf("panic: %v", info.Value),
		}
		for _, l := range strings.Split(string(info.Stack), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
		if l := h.Logger(); l != nil {
			for _, line := range lines {
				l.WriteLineString(line)
			}
		}

		disp := h.Display()
		if disp == nil {
			return
		}
		fb := disp.Framebuffer()
		if fb == nil {
			return
		}
		fb.ClearRGB(0x60, 0x00, 0x00)
		font := &proggy.TinySZ8pt7b
		lineH := int16(font.GetYAdvance())
		d := monitor.NewFBDisplay(fb)
		fg := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
		for i, line := range lines {
			y := int16(i+1) * lineH
			if int(y) > fb.Height() {
				break
			}
			tinyfont.WriteLine(d, font, 2, y-2, line, fg)
		}
		_ = fb.Present()
	})
}

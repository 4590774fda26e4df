package monitor

import (
	"image/color"
	"io"
	"testing"

	"sparkrt/hal"
)

func TestFBDisplaySetPixel(t *testing.T) {
	h := hal.NewHost(hal.HostConfig{CPUs: 1, Width: 8, Height: 4, Log: io.Discard})
	fb := h.Display().Framebuffer()
	d := NewFBDisplay(fb)

	if w, ht := d.Size(); w != 8 || ht != 4 {
		t.Fatalf("Size() = %d, %d, want 8, 4", w, ht)
	}
	d.SetPixel(3, 2, color.RGBA{R: 0xff, A: 0xff})
	d.SetPixel(-1, 0, color.RGBA{G: 0xff, A: 0xff})
	d.SetPixel(8, 0, color.RGBA{G: 0xff, A: 0xff})

	buf := fb.Buffer()
	off := 2*fb.StrideBytes() + 3*2
	p := hal.RGB565(0xff, 0, 0)
	if buf[off] != byte(p) || buf[off+1] != byte(p>>8) {
		t.Fatalf("pixel = %#x %#x, want %#x", buf[off], buf[off+1], p)
	}
	lit := 0
	for _, b := range buf {
		if b != 0 {
			lit++
		}
	}
	if lit > 2 {
		t.Fatalf("%d bytes written, want only the in-bounds pixel", lit)
	}
	if err := d.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if got := h.Frames(); got != 1 {
		t.Fatalf("Frames() = %d, want 1", got)
	}
}

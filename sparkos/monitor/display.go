package monitor

import (
	"image/color"

	"sparkrt/hal"

	"tinygo.org/x/drivers"
)

// FBDisplay adapts an RGB565 framebuffer to drivers.Displayer so tinyfont
// and the driver helpers can draw on it. Other formats draw nothing.
type FBDisplay struct {
	fb hal.Framebuffer
}

var _ drivers.Displayer = (*FBDisplay)(nil)

// NewFBDisplay wraps fb.
func NewFBDisplay(fb hal.Framebuffer) *FBDisplay { return &FBDisplay{fb: fb} }

func (d *FBDisplay) Size() (x, y int16) {
	if d.fb == nil {
		return 0, 0
	}
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d *FBDisplay) SetPixel(x, y int16, c color.RGBA) {
	if d.fb == nil || d.fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	buf := d.fb.Buffer()
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.fb.Width() || iy < 0 || iy >= d.fb.Height() {
		return
	}
	off := iy*d.fb.StrideBytes() + ix*2
	if off < 0 || off+1 >= len(buf) {
		return
	}
	p := hal.RGB565(c.R, c.G, c.B)
	buf[off] = byte(p)
	buf[off+1] = byte(p >> 8)
}

func (d *FBDisplay) Display() error {
	if d.fb == nil {
		return nil
	}
	return d.fb.Present()
}

// fillRect paints a clipped rectangle.
func (d *FBDisplay) fillRect(x, y, w, h int, c color.RGBA) {
	if d.fb == nil || d.fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	x0, y0 := clamp(x, 0, d.fb.Width()), clamp(y, 0, d.fb.Height())
	x1, y1 := clamp(x+w, 0, d.fb.Width()), clamp(y+h, 0, d.fb.Height())
	buf := d.fb.Buffer()
	p := hal.RGB565(c.R, c.G, c.B)
	lo, hi := byte(p), byte(p>>8)
	stride := d.fb.StrideBytes()
	for py := y0; py < y1; py++ {
		row := py * stride
		for px := x0; px < x1; px++ {
			off := row + px*2
			if off+1 >= len(buf) {
				continue
			}
			buf[off] = lo
			buf[off+1] = hi
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

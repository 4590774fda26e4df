//go:build !tinygo && cgo

package hal

import (
	"sparkrt/internal/buildinfo"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/pkg/errors"
)

// WindowConfig controls the desktop monitor window.
type WindowConfig struct {
	TPS        int
	StepBudget int
	// Redraw is called once per frame before the framebuffer is copied.
	Redraw func(fb Framebuffer)
}

// RunWindow opens a desktop window showing the board's framebuffer while
// stepping every core once per frame. It blocks until the window closes.
func RunWindow(h *Host, step StepFunc, cfg WindowConfig) error {
	if h.fb == nil {
		return errors.New("window mode requires a framebuffer")
	}
	if cfg.TPS <= 0 {
		cfg.TPS = 60
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = 1
	}

	g := &hostGame{h: h, step: step, cfg: cfg}
	ebiten.SetWindowTitle("sparkrt (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(h.fb.width*2, h.fb.height*2)
	ebiten.SetTPS(cfg.TPS)
	return ebiten.RunGame(g)
}

type hostGame struct {
	h     *Host
	step  StepFunc
	cfg   WindowConfig
	pix   []byte
	fbImg *ebiten.Image
}

func (g *hostGame) Update() error {
	g.h.clock.syncWall(uint64(CyclesPerSecond / g.cfg.TPS))
	for s := 0; s < g.cfg.StepBudget; s++ {
		for cpu := 0; cpu < g.h.cpus; cpu++ {
			if err := g.step(cpu); err != nil {
				return errors.Wrapf(err, "cpu%d", cpu)
			}
		}
	}
	return nil
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.fb
	if g.cfg.Redraw != nil {
		g.cfg.Redraw(fb)
	}
	if g.fbImg == nil {
		g.pix = make([]byte, fb.width*fb.height*4)
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
	}
	fb.toRGBA(g.pix)
	g.fbImg.WritePixels(g.pix)
	screen.DrawImage(g.fbImg, nil)
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.fb.width, g.h.fb.height
}

// Package monitor draws the scheduler's per-core status onto the board's
// framebuffer.
package monitor

import (
	"fmt"
	"image/color"
	"sort"

	"github.com/pkg/errors"

	"sparkrt/hal"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/swtmr"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var (
	colorBG       = color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff}
	colorFG       = color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
	colorDim      = color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	colorHeaderBG = color.RGBA{R: 0x18, G: 0x18, B: 0x18, A: 0xff}
	colorBusy     = color.RGBA{R: 0x4a, G: 0xdf, B: 0x6a, A: 0xff}
	colorIdle     = color.RGBA{R: 0x24, G: 0x24, B: 0x24, A: 0xff}
)

// Monitor renders kernel snapshots.
type Monitor struct {
	k      *kernel.Kernel
	timers *swtmr.Engine
	d      *FBDisplay
	font   tinyfont.Fonter
	lineH  int16
	// TopTasks bounds the task rows under the core rows.
	TopTasks int
}

// New returns a monitor drawing onto fb. timers may be nil.
func New(k *kernel.Kernel, timers *swtmr.Engine, fb hal.Framebuffer) (*Monitor, error) {
	if fb == nil {
		return nil, errors.New("monitor: no framebuffer")
	}
	if fb.Format() != hal.PixelFormatRGB565 {
		return nil, errors.Errorf("monitor: unsupported pixel format %d", fb.Format())
	}
	font := &proggy.TinySZ8pt7b
	lineH := int16(font.GetYAdvance())
	if lineH <= 0 {
		lineH = 10
	}
	return &Monitor{k: k, timers: timers, d: &FBDisplay{fb: fb}, font: font, lineH: lineH, TopTasks: 8}, nil
}

// Draw renders one frame from a fresh snapshot and presents it.
func (m *Monitor) Draw() error {
	s := m.k.Snapshot()
	var ts *swtmr.Stats
	if m.timers != nil {
		st := m.timers.Stats()
		ts = &st
	}
	fb := m.d.fb
	fb.ClearRGB(colorBG.R, colorBG.G, colorBG.B)

	w := fb.Width()
	rows := int(fb.Height()) / int(m.lineH)
	lines := Lines(s, ts, m.k.TickCycles(), m.TopTasks)
	if len(lines) > rows {
		lines = lines[:rows]
	}

	m.d.fillRect(0, 0, w, int(m.lineH), colorHeaderBG)
	base := m.lineH - 2
	for i, l := range lines {
		y := int16(i)*m.lineH + base
		c := colorFG
		if i > len(s.CPUs) {
			c = colorDim
		}
		tinyfont.WriteLine(m.d, m.font, 2, y, l, c)
	}

	// One load bar per core on the right edge: lit while not idle.
	for i, ci := range s.CPUs {
		if i+1 >= rows {
			break
		}
		c := colorIdle
		if ti, ok := findTask(s, ci.Running); ok && ti.PID != kernel.IdlePID {
			c = colorBusy
		}
		m.d.fillRect(w-8, (i+1)*int(m.lineH)+2, 6, int(m.lineH)-4, c)
	}
	return errors.Wrap(m.d.Display(), "monitor: present")
}

// Lines formats a snapshot as monitor rows: a header, one row per core,
// then the busiest tasks by charged run time.
func Lines(s kernel.Snapshot, timers *swtmr.Stats, tickCycles uint64, top int) []string {
	if tickCycles == 0 {
		tickCycles = 1
	}
	st := s.Stats
	hdr := fmt.Sprintf("t=%d sw=%d fork=%d exit=%d free=%d/%d",
		s.Now/tickCycles, st.Switches, st.Forks, st.Exits, st.FreeTasks, st.FreeProcs)
	if timers != nil {
		hdr += fmt.Sprintf(" tmr=%d", timers.Free)
	}
	out := []string{hdr}

	for _, ci := range s.CPUs {
		name := "?"
		if ti, ok := findTask(s, ci.Running); ok {
			name = ti.Name
		}
		row := fmt.Sprintf("cpu%d %-10s rdy=%d exp=%d", ci.CPU, name, ci.Ready, ci.Expiring)
		if timers != nil && ci.CPU < len(timers.Ticking) {
			row += fmt.Sprintf(" tmr=%d", timers.Ticking[ci.CPU])
		}
		if ci.PreemptLock > 0 {
			row += " lock"
		}
		out = append(out, row)
	}

	tasks := make([]kernel.TaskInfo, 0, len(s.Tasks))
	for _, ti := range s.Tasks {
		if ti.PID != kernel.IdlePID {
			tasks = append(tasks, ti)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RunTime > tasks[j].RunTime })
	if top >= 0 && len(tasks) > top {
		tasks = tasks[:top]
	}
	for _, ti := range tasks {
		out = append(out, fmt.Sprintf("%3d %-10s p%d/%d %s %s %d",
			ti.ID, ti.Name, ti.PID, ti.Priority, ti.Policy, ti.State, ti.RunTime/tickCycles))
	}
	return out
}

func findTask(s kernel.Snapshot, id kernel.TaskID) (kernel.TaskInfo, bool) {
	for _, ti := range s.Tasks {
		if ti.ID == id {
			return ti, true
		}
	}
	return kernel.TaskInfo{}, false
}

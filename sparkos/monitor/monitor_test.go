package monitor

import (
	"io"
	"strings"
	"testing"

	"sparkrt/hal"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/swtmr"
)

func spin(c *kernel.Context) uintptr {
	for {
		c.Checkpoint()
	}
}

func TestLines(t *testing.T) {
	h := hal.NewHost(hal.HostConfig{CPUs: 2, Log: io.Discard})
	k := kernel.New(h, kernel.Config{})
	if _, err := k.CreateTask(kernel.KernelPID, kernel.TaskParams{Name: "busy", Entry: spin, Priority: 3}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	h.Run(10, 4, k.TickCycles(), k.Step)

	lines := Lines(k.Snapshot(), &swtmr.Stats{Free: 7, Ticking: []int{1, 0}}, k.TickCycles(), 1)
	if len(lines) != 1+2+1 {
		t.Fatalf("len(Lines()) = %d, want 4: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "t=") || !strings.Contains(lines[0], "tmr=7") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "cpu0 ") || !strings.HasSuffix(lines[1], "tmr=1") {
		t.Fatalf("cpu0 row = %q", lines[1])
	}
	if !strings.Contains(lines[3], "busy") {
		t.Fatalf("busiest task row = %q, want busy", lines[3])
	}
}

func TestDrawPaintsFramebuffer(t *testing.T) {
	h := hal.NewHost(hal.HostConfig{CPUs: 1, Width: 160, Height: 80, Log: io.Discard})
	k := kernel.New(h, kernel.Config{})
	h.Run(2, 4, k.TickCycles(), k.Step)

	fb := h.Display().Framebuffer()
	m, err := New(k, nil, fb)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Draw(); err != nil {
		t.Fatalf("Draw() error = %v", err)
	}
	lit := 0
	for _, b := range fb.Buffer() {
		if b != 0 {
			lit++
		}
	}
	if lit == 0 {
		t.Fatal("Draw() left the framebuffer blank")
	}
	if got := h.Frames(); got != 1 {
		t.Fatalf("Frames() = %d, want 1", got)
	}
}

func TestNewRequiresFramebuffer(t *testing.T) {
	if _, err := New(nil, nil, nil); err == nil {
		t.Fatal("New(nil framebuffer) error = nil, want error")
	}
}

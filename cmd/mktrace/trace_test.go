package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sparkrt/hal"
)

func TestTraceFile(t *testing.T) {
	recs := []hal.SwitchRecord{
		{CPU: 0, From: 0, To: 5, At: 10},
		{CPU: 1, From: 1, To: 6, At: 1 << 40},
	}
	var buf bytes.Buffer
	if err := writeTrace(&buf, 2, 1000, recs); err != nil {
		t.Fatalf("writeTrace() error = %v", err)
	}
	h, got, err := readTrace(&buf)
	if err != nil {
		t.Fatalf("readTrace() error = %v", err)
	}
	if h.CPUs != 2 || h.TickCycles != 1000 || len(got) != 2 || got[1] != recs[1] {
		t.Fatalf("readTrace() = %+v, %+v", h, got)
	}
}

func TestReadTraceRejectsGarbage(t *testing.T) {
	if _, _, err := readTrace(strings.NewReader("not a trace file at all....")); err == nil {
		t.Fatal("readTrace(garbage) error = nil")
	}
}

func TestRecordAndDump(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "rr.sps")
	err := os.WriteFile(script, []byte("spawn a prio=5\nspawn b prio=5\nrun 30\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	trc := filepath.Join(dir, "rr.trc")
	if err := record(script, trc, 1, 1024); err != nil {
		t.Fatalf("record() error = %v", err)
	}
	csv := filepath.Join(dir, "rr.csv")
	if err := dump(trc, csv); err != nil {
		t.Fatalf("dump() error = %v", err)
	}
	b, err := os.ReadFile(csv)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) < 4 || lines[1] != "cpu,from,to,cycle,tick" {
		t.Fatalf("csv = %q", b)
	}
}

// Command mktrace records the context-switch trace of a scenario run into a
// compact binary file, and dumps such files as CSV.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"sparkrt/app"
)

func main() {
	var (
		inPath  = flag.String("in", "", "Input file (scenario script for record, .trc for dump).")
		outPath = flag.String("out", "", "Output file (.trc for record, .csv for dump; - for stdout).")
		mode    = flag.String("mode", "record", "record|dump.")
		cores   = flag.Int("cores", 2, "Simulated cores (record mode only).")
		depth   = flag.Int("depth", 1<<16, "Switches kept, newest last (record mode only).")
	)
	flag.Parse()

	if *inPath == "" || *outPath == "" {
		fatalf("usage: mktrace -mode record -in scenario.sps -out run.trc [-cores 2] [-depth 65536]\n       mktrace -mode dump -in run.trc -out run.csv")
	}

	switch strings.ToLower(*mode) {
	case "record":
		if err := record(*inPath, *outPath, *cores, *depth); err != nil {
			fatalf("record: %v", err)
		}
	case "dump":
		if err := dump(*inPath, *outPath); err != nil {
			fatalf("dump: %v", err)
		}
	default:
		fatalf("unknown mode: %s", *mode)
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

func record(inPath, outPath string, cores, depth int) error {
	sys, err := app.New(app.Config{CPUs: cores, TraceDepth: depth})
	if err != nil {
		return err
	}
	if err := sys.RunScript(inPath); err != nil {
		return err
	}
	return create(outPath, func(w io.Writer) error {
		return writeTrace(w, sys.Kernel.NumCPU(), sys.Kernel.TickCycles(), sys.Host.Trace())
	})
}

func dump(inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()
	h, recs, err := readTrace(bufio.NewReader(in))
	if err != nil {
		return err
	}
	return create(outPath, func(w io.Writer) error {
		fmt.Fprintf(w, "# cpus=%d tick_cycles=%d\n", h.CPUs, h.TickCycles)
		fmt.Fprintln(w, "cpu,from,to,cycle,tick")
		for _, r := range recs {
			fmt.Fprintf(w, "%d,%d,%d,%d,%d\n", r.CPU, r.From, r.To, r.At, r.At/h.TickCycles)
		}
		return nil
	})
}

func create(path string, fn func(w io.Writer) error) error {
	if path == "-" {
		bw := bufio.NewWriter(os.Stdout)
		if err := fn(bw); err != nil {
			return err
		}
		return bw.Flush()
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	bw := bufio.NewWriterSize(out, 64*1024)
	if err := fn(bw); err != nil {
		return err
	}
	return errors.Wrap(bw.Flush(), path)
}

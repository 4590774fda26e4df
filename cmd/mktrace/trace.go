package main

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"sparkrt/hal"
)

// Trace file layout, little endian: a fixed header followed by Count
// fixed-size records.
const (
	traceMagic   = 0x52545053 // "SPTR"
	traceVersion = 1
	maxRecords   = 1 << 24
)

type traceHeader struct {
	Magic      uint32
	Version    uint8
	CPUs       uint8
	_          uint16
	TickCycles uint64
	Count      uint32
}

type traceRecord struct {
	CPU  uint8
	_    [3]byte
	From uint32
	To   uint32
	At   uint64
}

func writeTrace(w io.Writer, cpus int, tickCycles uint64, recs []hal.SwitchRecord) error {
	h := traceHeader{
		Magic:      traceMagic,
		Version:    traceVersion,
		CPUs:       uint8(cpus),
		TickCycles: tickCycles,
		Count:      uint32(len(recs)),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "trace: header")
	}
	for _, r := range recs {
		tr := traceRecord{CPU: uint8(r.CPU), From: r.From, To: r.To, At: r.At}
		if err := binary.Write(w, binary.LittleEndian, &tr); err != nil {
			return errors.Wrap(err, "trace: record")
		}
	}
	return nil
}

func readTrace(r io.Reader) (traceHeader, []hal.SwitchRecord, error) {
	var h traceHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, nil, errors.Wrap(err, "trace: header")
	}
	if h.Magic != traceMagic {
		return h, nil, errors.Errorf("trace: bad magic %#x", h.Magic)
	}
	if h.Version != traceVersion {
		return h, nil, errors.Errorf("trace: unsupported version %d", h.Version)
	}
	if h.Count > maxRecords {
		return h, nil, errors.Errorf("trace: %d records exceeds limit", h.Count)
	}
	recs := make([]hal.SwitchRecord, 0, h.Count)
	for i := uint32(0); i < h.Count; i++ {
		var tr traceRecord
		if err := binary.Read(r, binary.LittleEndian, &tr); err != nil {
			return h, nil, errors.Wrapf(err, "trace: record %d", i)
		}
		recs = append(recs, hal.SwitchRecord{CPU: int(tr.CPU), From: tr.From, To: tr.To, At: tr.At})
	}
	return h, recs, nil
}

//go:build !tinygo

package hal

import (
	"sync"

	"github.com/pkg/errors"
)

var errNoSpaces = errors.New("address spaces exhausted")

type hostMMU struct {
	mu     sync.Mutex
	max    int
	next   AddressSpace
	spaces map[AddressSpace]struct{}
	active []AddressSpace
}

func newHostMMU(cpus, max int) *hostMMU {
	return &hostMMU{
		max:    max,
		next:   1,
		spaces: make(map[AddressSpace]struct{}),
		active: make([]AddressSpace, cpus),
	}
}

func (m *hostMMU) Switch(cpu int, as AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= len(m.active) {
		return
	}
	m.active[cpu] = as
}

func (m *hostMMU) Copy(_ AddressSpace) (AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.spaces) >= m.max {
		return 0, errNoSpaces
	}
	as := m.next
	m.next++
	m.spaces[as] = struct{}{}
	return as, nil
}

func (m *hostMMU) Free(as AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, as)
}

func (m *hostMMU) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaces)
}

func (m *hostMMU) activeOn(cpu int) AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= len(m.active) {
		return 0
	}
	return m.active[cpu]
}

// SwitchRecord is one recorded context switch.
type SwitchRecord struct {
	CPU  int
	From uint32
	To   uint32
	At   uint64
}

type hostSwitcher struct {
	mu    sync.Mutex
	clock *hostClock
	ring  []SwitchRecord
	head  int
	n     int
}

func newHostSwitcher(clock *hostClock, depth int) *hostSwitcher {
	return &hostSwitcher{clock: clock, ring: make([]SwitchRecord, depth)}
}

func (s *hostSwitcher) Switch(cpu int, from, to uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.head] = SwitchRecord{CPU: cpu, From: from, To: to, At: s.clock.Now()}
	s.head = (s.head + 1) % len(s.ring)
	if s.n < len(s.ring) {
		s.n++
	}
}

func (s *hostSwitcher) trace() []SwitchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SwitchRecord, 0, s.n)
	start := (s.head - s.n + len(s.ring)) % len(s.ring)
	for i := 0; i < s.n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

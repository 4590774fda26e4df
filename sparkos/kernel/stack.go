package kernel

import "sync"

// stackPool is the byte budget task stacks are carved from. It has its own
// lock so stacks are taken and returned outside the scheduling lock.
type stackPool struct {
	mu    sync.Mutex
	total int
	avail int
}

func newStackPool(total int) *stackPool {
	return &stackPool{total: total, avail: total}
}

func (p *stackPool) alloc(size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.avail {
		return false
	}
	p.avail -= size
	return true
}

func (p *stackPool) free(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avail += size
	if p.avail > p.total {
		p.avail = p.total
	}
}

func (p *stackPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avail
}

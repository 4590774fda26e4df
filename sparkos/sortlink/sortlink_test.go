package sortlink

import (
	"math/rand"
	"sync"
	"testing"
)

func TestDrainIsNonDecreasing(t *testing.T) {
	var l List[int]
	r := rand.New(rand.NewSource(1))
	nodes := make([]Node[int], 200)
	seen := make(map[uint64]bool)
	for i := range nodes {
		nodes[i].Init(i)
		var when uint64
		for {
			when = uint64(r.Int63n(1_000_000)) + 1
			if !seen[when] {
				seen[when] = true
				break
			}
		}
		l.Insert(&nodes[i], when)
	}
	if l.Len() != len(nodes) {
		t.Fatalf("expected len %d, got %d", len(nodes), l.Len())
	}

	var last uint64
	drained := 0
	for l.Len() > 0 {
		delta := l.PeekNext(0)
		if delta == 0 {
			t.Fatal("expected a future head")
		}
		l.PopExpired(delta, func(n *Node[int]) {
			if delta < last {
				t.Fatalf("expiry went backwards: %d after %d", delta, last)
			}
			if n.Scheduled() || n.When() != NotScheduled {
				t.Fatal("expected popped node to be unscheduled")
			}
			drained++
		})
		last = delta
	}
	if drained != len(nodes) {
		t.Fatalf("expected %d drained, got %d", len(nodes), drained)
	}
}

func TestEqualTimesKeepInsertionOrder(t *testing.T) {
	var l List[int]
	nodes := make([]Node[int], 3)
	for i := range nodes {
		nodes[i].Init(i)
		l.Insert(&nodes[i], 10)
	}
	var order []int
	l.PopExpired(10, func(n *Node[int]) { order = append(order, n.Owner) })
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestRemoveNotScheduledIsNoop(t *testing.T) {
	var l List[int]
	var a, b Node[int]
	a.Init(1)
	b.Init(2)
	if Remove(&a) {
		t.Fatal("expected no-op remove")
	}
	l.Insert(&a, 5)
	l.Insert(&b, 3)
	if l.Head() != 3 {
		t.Fatalf("expected head 3, got %d", l.Head())
	}
	if !Remove(&b) {
		t.Fatal("expected remove")
	}
	if Remove(&b) {
		t.Fatal("expected second remove to be a no-op")
	}
	if l.Head() != 5 || l.Len() != 1 {
		t.Fatalf("unexpected head %d len %d", l.Head(), l.Len())
	}
	if got := l.PeekNext(7); got != 0 {
		t.Fatalf("PeekNext(7) = %d, want 0", got)
	}
	if got := Remaining(&a, 2); got != 3 {
		t.Fatalf("Remaining() = %d, want 3", got)
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	var lists [2]List[int]
	nodes := make([]Node[int], 64)
	for i := range nodes {
		nodes[i].Init(i)
	}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(nodes); i += 4 {
				lists[i%2].Insert(&nodes[i], uint64(i))
				Remove(&nodes[i])
			}
		}(w)
	}
	wg.Wait()
	if lists[0].Len()+lists[1].Len() != 0 {
		t.Fatal("expected empty lists")
	}
}

func TestDoubleInsertPanics(t *testing.T) {
	var l List[int]
	var n Node[int]
	n.Init(0)
	l.Insert(&n, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	l.Insert(&n, 2)
}

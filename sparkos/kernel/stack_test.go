package kernel

import "testing"

func TestStackPool(t *testing.T) {
	p := newStackPool(100)
	if !p.alloc(60) {
		t.Fatal("alloc(60) = false, want true")
	}
	if p.alloc(50) {
		t.Fatal("alloc(50) = true with 40 left")
	}
	if got := p.available(); got != 40 {
		t.Fatalf("available() = %d, want 40", got)
	}
	p.free(60)
	p.free(10)
	if got := p.available(); got != 100 {
		t.Fatalf("available() = %d, want 100", got)
	}
}

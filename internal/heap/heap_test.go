package heap

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/tilestream/internal/tile"
)

func TestAllocateOrder(t *testing.T) {
	h := New(4, nil)
	for want := uint32(0); want < 4; want++ {
		p, ok := h.Allocate()
		if !ok {
			t.Fatalf("Allocate() full at page %d", want)
		}
		if p != want {
			t.Errorf("Allocate() = %d, want %d", p, want)
		}
	}
	if _, ok := h.Allocate(); ok {
		t.Error("Allocate() on full heap should return false")
	}
	if s := h.Stats(); s.FullCount != 1 || s.Reserved != 4 || s.Free != 0 {
		t.Errorf("Stats() = %v", s)
	}
}

func TestBindAndFree(t *testing.T) {
	h := New(2, nil)
	p, _ := h.Allocate()

	b := Binding{Resource: 7, Coord: tile.Coord{Mip: 1, X: 2, Y: 3}}
	if err := h.Bind(p, b); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if got, ok := h.Owner(p); !ok || got != b {
		t.Errorf("Owner() = %v, %v; want %v, true", got, ok, b)
	}
	if err := h.Bind(p, b); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Bind() twice = %v, want ErrNotReserved", err)
	}
	if err := h.Bind(5, b); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("Bind(5) = %v, want ErrPageOutOfRange", err)
	}

	h.Free(p)
	h.Free(p)
	h.Free(99)
	if n := h.NumFree(); n != 2 {
		t.Errorf("NumFree() = %d, want 2", n)
	}
	if _, ok := h.Owner(p); ok {
		t.Error("Owner() of freed page should report false")
	}
}

func TestFreeReserved(t *testing.T) {
	h := New(1, nil)
	p, _ := h.Allocate()
	h.Free(p)
	if h.State(p) != Free {
		t.Errorf("State() = %s, want Free", h.State(p))
	}
	if err := h.Bind(p, Binding{}); !errors.Is(err, ErrNotReserved) {
		t.Errorf("Bind() after Free = %v, want ErrNotReserved", err)
	}
}

func TestFreeResource(t *testing.T) {
	h := New(4, nil)
	for i := range 3 {
		p, _ := h.Allocate()
		_ = h.Bind(p, Binding{Resource: uint64(i % 2), Coord: tile.Coord{X: uint32(i)}})
	}
	if n := h.FreeResource(0); n != 2 {
		t.Errorf("FreeResource(0) = %d, want 2", n)
	}
	if s := h.Stats(); s.Bound != 1 || s.Free != 3 {
		t.Errorf("Stats() = %v", s)
	}
}

// TestNoDoubleBinding allocates concurrently and checks that no page is
// handed out twice.
func TestNoDoubleBinding(t *testing.T) {
	const capacity = 64
	h := New(capacity, nil)

	var mu sync.Mutex
	seen := make(map[uint32]int)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 16 {
				p, ok := h.Allocate()
				if !ok {
					continue
				}
				if err := h.Bind(p, Binding{Resource: uint64(w), Coord: tile.Coord{X: uint32(i)}}); err != nil {
					t.Errorf("Bind(%d) = %v", p, err)
				}
				mu.Lock()
				seen[p]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != capacity {
		t.Errorf("distinct pages = %d, want %d", len(seen), capacity)
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("page %d bound %d times", p, n)
		}
	}
	if s := h.Stats(); s.Bound != capacity || s.FullCount != 8*16-capacity {
		t.Errorf("Stats() = %v", s)
	}
}

func TestStatsString(t *testing.T) {
	s := Stats{Capacity: 16, Bound: 4, Reserved: 2, Free: 10, Allocations: 6}
	want := "Heap[4/16 bound, 2 reserved, 10 free, 6 allocations, 0 full]"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

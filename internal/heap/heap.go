// Package heap allocates fixed-size tile pages from streaming heap memory.
//
// A page is Free, Reserved (handed out by Allocate while its copy is in
// flight) or Bound to exactly one (resource, tile) pair. Allocate never
// blocks: a full heap is an expected condition and the caller retries on
// a later cycle.
package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

// Heap errors.
var (
	// ErrNotReserved is returned by Bind for a page that was not allocated.
	ErrNotReserved = errors.New("heap: page not reserved")

	// ErrPageOutOfRange is returned for page indices beyond capacity.
	ErrPageOutOfRange = errors.New("heap: page out of range")
)

// State is the allocation state of a page.
type State uint8

const (
	// Free pages are available to Allocate.
	Free State = iota

	// Reserved pages are allocated and wait for their copy to complete.
	Reserved

	// Bound pages hold tile data of one resource.
	Bound
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Reserved:
		return "Reserved"
	case Bound:
		return "Bound"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Binding identifies the tile a page holds.
type Binding struct {
	Resource uint64
	Coord    tile.Coord
}

// Stats contains heap usage statistics.
type Stats struct {
	// Capacity is the number of pages.
	Capacity uint32

	// Free is the number of pages available to Allocate.
	Free uint32

	// Reserved is the number of pages with a copy in flight.
	Reserved uint32

	// Bound is the number of pages holding tile data.
	Bound uint32

	// Allocations is the total number of successful Allocate calls.
	Allocations uint64

	// FullCount is the number of Allocate calls that found the heap full.
	FullCount uint64
}

// String returns a human-readable string of heap stats.
func (s Stats) String() string {
	return fmt.Sprintf("Heap[%d/%d bound, %d reserved, %d free, %d allocations, %d full]",
		s.Bound, s.Capacity, s.Reserved, s.Free, s.Allocations, s.FullCount)
}

type page struct {
	state   State
	binding Binding
}

// Heap tracks page ownership of one heap memory.
//
// Heap is safe for concurrent use.
type Heap struct {
	mu sync.Mutex

	mem   device.HeapMemory
	pages []page
	free  []uint32

	reserved    uint32
	bound       uint32
	allocations uint64
	fullCount   uint64
}

// New creates a heap of capacity pages over mem. mem may be nil for
// bookkeeping-only heaps.
func New(capacity uint32, mem device.HeapMemory) *Heap {
	h := &Heap{
		mem:   mem,
		pages: make([]page, capacity),
		free:  make([]uint32, capacity),
	}
	// Pop from the end so pages are handed out in ascending order.
	for i := range h.free {
		h.free[i] = capacity - 1 - uint32(i) //nolint:gosec // i < capacity
	}
	return h
}

// Memory returns the heap memory.
func (h *Heap) Memory() device.HeapMemory { return h.mem }

// Capacity returns the number of pages.
func (h *Heap) Capacity() uint32 {
	return uint32(len(h.pages)) //nolint:gosec // created from uint32
}

// Allocate reserves a free page. It returns false when the heap is full.
func (h *Heap) Allocate() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.free)
	if n == 0 {
		h.fullCount++
		return 0, false
	}
	p := h.free[n-1]
	h.free = h.free[:n-1]
	h.pages[p].state = Reserved
	h.reserved++
	h.allocations++
	return p, true
}

// Bind records that a reserved page now holds the tile b.
func (h *Heap) Bind(p uint32, b Binding) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(p) >= len(h.pages) {
		return fmt.Errorf("%w: %d", ErrPageOutOfRange, p)
	}
	pg := &h.pages[p]
	if pg.state != Reserved {
		return fmt.Errorf("%w: page %d is %s", ErrNotReserved, p, pg.state)
	}
	pg.state = Bound
	pg.binding = b
	h.reserved--
	h.bound++
	return nil
}

// Free returns a reserved or bound page to the free list. Freeing a free
// or out-of-range page is a no-op.
func (h *Heap) Free(p uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(p) >= len(h.pages) {
		return
	}
	pg := &h.pages[p]
	switch pg.state {
	case Free:
		return
	case Reserved:
		h.reserved--
	case Bound:
		h.bound--
	}
	*pg = page{}
	h.free = append(h.free, p)
}

// Owner returns the binding of a bound page.
func (h *Heap) Owner(p uint32) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(p) >= len(h.pages) || h.pages[p].state != Bound {
		return Binding{}, false
	}
	return h.pages[p].binding, true
}

// State returns the state of a page.
func (h *Heap) State(p uint32) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(p) >= len(h.pages) {
		return Free
	}
	return h.pages[p].state
}

// NumFree returns the number of free pages.
func (h *Heap) NumFree() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(len(h.free)) //nolint:gosec // bounded by capacity
}

// FreeResource frees every page bound to or reserved for a resource and
// returns the number of bound pages freed. Reserved pages have no owner
// yet and are left to the in-flight copy.
func (h *Heap) FreeResource(resource uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for i := range h.pages {
		pg := &h.pages[i]
		if pg.state == Bound && pg.binding.Resource == resource {
			*pg = page{}
			h.bound--
			h.free = append(h.free, uint32(i)) //nolint:gosec // i < capacity
			n++
		}
	}
	return n
}

// Stats returns current heap statistics.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		Capacity:    uint32(len(h.pages)), //nolint:gosec // created from uint32
		Free:        uint32(len(h.free)),  //nolint:gosec // bounded by capacity
		Reserved:    h.reserved,
		Bound:       h.bound,
		Allocations: h.allocations,
		FullCount:   h.fullCount,
	}
}

// Destroy releases the heap memory.
func (h *Heap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mem != nil {
		h.mem.Destroy()
		h.mem = nil
	}
}

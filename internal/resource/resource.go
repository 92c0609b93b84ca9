// Package resource tracks the residency of one streamed texture.
//
// A Resource turns min-mip feedback into tile deltas. Sampling mip m of
// a region makes the tile covering that region desirable at every
// standard mip from m up to the coarsest, so the sampler can always fall
// back to a resident coarser level. Tiles that are desired and absent are
// queued for loading; resident tiles that are no longer desired are
// queued for eviction. Loading tiles and packed mips are never evicted.
package resource

import (
	"fmt"
	"sync"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/streamer"
	"github.com/gogpu/tilestream/internal/tile"
)

// TileState is the residency state of one standard tile.
type TileState uint8

const (
	// NotResident tiles have no heap page.
	NotResident TileState = iota

	// Loading tiles have a reserved page and a copy in flight.
	Loading

	// Resident tiles are mapped to a heap page.
	Resident
)

// String returns the state name.
func (s TileState) String() string {
	switch s {
	case NotResident:
		return "NotResident"
	case Loading:
		return "Loading"
	case Resident:
		return "Resident"
	default:
		return fmt.Sprintf("TileState(%d)", s)
	}
}

// State is the lifecycle state of a resource.
type State uint8

const (
	// Created resources have not requested their packed mips.
	Created State = iota

	// PackedMipsPending resources wait for their packed mips.
	PackedMipsPending

	// Ready resources have resident packed mips and stream tiles.
	Ready
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case PackedMipsPending:
		return "PackedMipsPending"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Load is a tile with the heap page reserved for it.
type Load struct {
	Coord tile.Coord
	Page  uint32
}

// Eviction is a tile whose page is being released.
type Eviction struct {
	Coord tile.Coord
	Page  uint32
}

// Resource is the residency state of one streamed texture.
//
// Resource is safe for concurrent use.
type Resource struct {
	id      uint64
	layout  *tile.Layout
	texture device.Texture

	mu    sync.Mutex
	file  *streamer.FileHandle
	state State

	tiles []TileState
	pages []uint32

	// Pending sets. Flags give O(1) membership; the slices keep order and
	// may hold stale entries whose flag was cleared. queued marks indexes
	// present in addQueue, so each index appears at most once.
	addQueue   []int
	inAdds     []bool
	queued     []bool
	evictQueue []int
	inEvicts   []bool

	packedNeedsTransition bool

	feedback []uint8
	scratch  []uint8
}

// New creates a resource for a texture streamed from file.
func New(id uint64, file *streamer.FileHandle, texture device.Texture) *Resource {
	l := file.Layout()
	fw, fh := l.FeedbackSize()
	r := &Resource{
		id:       id,
		layout:   l,
		texture:  texture,
		file:     file,
		tiles:    make([]TileState, l.NumTiles()),
		pages:    make([]uint32, l.NumTiles()),
		inAdds:   make([]bool, l.NumTiles()),
		queued:   make([]bool, l.NumTiles()),
		inEvicts: make([]bool, l.NumTiles()),
		feedback: make([]uint8, fw*fh),
		scratch:  make([]uint8, fw*fh),
	}
	for i := range r.pages {
		r.pages[i] = device.NoPage
	}
	for i := range r.feedback {
		r.feedback[i] = device.FeedbackNotSampled
	}
	return r
}

// ID returns the resource id.
func (r *Resource) ID() uint64 { return r.id }

// Layout returns the tile layout.
func (r *Resource) Layout() *tile.Layout { return r.layout }

// Texture returns the device texture.
func (r *Resource) Texture() device.Texture { return r.texture }

// File returns the file handle the resource streams from.
func (r *Resource) File() *streamer.FileHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file
}

// SetFile rebinds the resource to a file handle of another streamer and
// closes the previous handle.
func (r *Resource) SetFile(h *streamer.FileHandle) error {
	r.mu.Lock()
	old := r.file
	r.file = h
	r.mu.Unlock()
	if old != nil && old != h {
		return old.Close()
	}
	return nil
}

// State returns the lifecycle state.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PackedMipsRequest marks the packed mips as requested and returns the
// request that loads them.
func (r *Resource) PackedMipsRequest() streamer.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = PackedMipsPending
	return streamer.Request{
		File:     r.file,
		Packed:   true,
		Resource: r.id,
		Dest:     streamer.PackedDest{Texture: r.texture},
	}
}

// NotifyPackedMipsLoaded marks the packed mips resident.
func (r *Resource) NotifyPackedMipsLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Ready {
		r.state = Ready
		r.packedNeedsTransition = true
	}
}

// PackedMipsNeedTransition reports, once, that the packed mips finished
// loading and need a transition to shader-readable state.
func (r *Resource) PackedMipsNeedTransition() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	need := r.packedNeedsTransition
	r.packedNeedsTransition = false
	return need
}

// ClearFeedback records a feedback clear.
func (r *Resource) ClearFeedback(cl device.CommandList, view device.Descriptor) {
	cl.ClearFeedback(r.texture, view)
}

// ResolveFeedback records a resolve of the feedback map into a slot's
// readback buffer.
func (r *Resource) ResolveFeedback(cl device.CommandList, slot int) {
	cl.ResolveFeedback(r.texture, slot)
}

// ReadbackFeedback reads the feedback resolved into a slot and processes
// it. The frame that resolved into the slot must be complete.
func (r *Resource) ReadbackFeedback(slot int) error {
	r.mu.Lock()
	buf := r.scratch
	r.mu.Unlock()

	if err := r.texture.ReadFeedback(slot, buf); err != nil {
		return fmt.Errorf("resource %d: %w", r.id, err)
	}
	r.ProcessFeedback(buf)
	return nil
}

// ProcessFeedback decodes a min-mip feedback map, one value per mip 0
// tile, into pending adds and evictions. Processing the same feedback
// again changes nothing.
func (r *Resource) ProcessFeedback(feedback []uint8) {
	l := r.layout
	numStd := l.NumStandardMips()
	fw, fh := l.FeedbackSize()

	desired := make([]bool, l.NumTiles())
	if numStd > 0 {
		for y := uint32(0); y < fh; y++ {
			for x := uint32(0); x < fw; x++ {
				i := int(y*fw + x)
				if i >= len(feedback) {
					continue
				}
				for mip := uint32(feedback[i]); mip < numStd; mip++ {
					desired[l.Index(l.Covering(mip, x, y))] = true
				}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copy(r.feedback, feedback)

	// Coarse mips have the highest indices; queue them first.
	for i := len(r.tiles) - 1; i >= 0; i-- {
		switch r.tiles[i] {
		case NotResident:
			if desired[i] && !r.inAdds[i] {
				r.inAdds[i] = true
				if !r.queued[i] {
					r.queued[i] = true
					r.addQueue = append(r.addQueue, i)
				}
			} else if !desired[i] && r.inAdds[i] {
				r.inAdds[i] = false
			}
		case Resident:
			if !desired[i] && !r.inEvicts[i] {
				r.inEvicts[i] = true
				r.evictQueue = append(r.evictQueue, i)
			} else if desired[i] && r.inEvicts[i] {
				r.inEvicts[i] = false
			}
		}
	}
}

// TakeEvictions removes the pending evictions and marks those tiles not
// resident. The caller unmaps the tiles and frees the pages.
func (r *Resource) TakeEvictions() []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Eviction
	for _, i := range r.evictQueue {
		if !r.inEvicts[i] {
			continue
		}
		r.inEvicts[i] = false
		if r.tiles[i] != Resident {
			continue
		}
		out = append(out, Eviction{Coord: r.layout.Coord(i), Page: r.pages[i]})
		r.tiles[i] = NotResident
		r.pages[i] = device.NoPage
	}
	r.evictQueue = r.evictQueue[:0]
	return out
}

// TakeLoads moves up to limit pending adds to Loading, reserving a page
// for each with alloc. It stops when alloc reports the heap full; the
// remaining adds stay pending. full reports whether that happened.
func (r *Resource) TakeLoads(limit int, alloc func() (uint32, bool)) (loads []Load, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for n < len(r.addQueue) && len(loads) < limit {
		i := r.addQueue[n]
		if !r.inAdds[i] || r.tiles[i] != NotResident {
			r.inAdds[i] = false
			r.queued[i] = false
			n++
			continue
		}
		page, ok := alloc()
		if !ok {
			full = true
			break
		}
		r.inAdds[i] = false
		r.queued[i] = false
		r.tiles[i] = Loading
		r.pages[i] = page
		loads = append(loads, Load{Coord: r.layout.Coord(i), Page: page})
		n++
	}
	r.addQueue = append(r.addQueue[:0], r.addQueue[n:]...)
	return loads, full
}

// NotifyLoaded marks a loading tile resident. It returns false when the
// tile is no longer loading at that page, in which case the caller
// releases the page.
func (r *Resource) NotifyLoaded(c tile.Coord, page uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.layout.Index(c)
	if i < 0 || r.tiles[i] != Loading || r.pages[i] != page {
		return false
	}
	r.tiles[i] = Resident
	return true
}

// NotifyFailed returns a loading tile to NotResident. The tile is queued
// again by the next feedback that still wants it.
func (r *Resource) NotifyFailed(c tile.Coord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.layout.Index(c)
	if i < 0 || r.tiles[i] != Loading {
		return
	}
	r.tiles[i] = NotResident
	r.pages[i] = device.NoPage
}

// ClearAllocations drops all residency and pending work and returns the
// tiles that held pages. The caller unmaps the tiles and frees the pages.
// Background processing must be stopped.
func (r *Resource) ClearAllocations() []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Eviction
	for i, s := range r.tiles {
		if s != NotResident {
			out = append(out, Eviction{Coord: r.layout.Coord(i), Page: r.pages[i]})
		}
		r.tiles[i] = NotResident
		r.pages[i] = device.NoPage
		r.inAdds[i] = false
		r.queued[i] = false
		r.inEvicts[i] = false
	}
	r.addQueue = r.addQueue[:0]
	r.evictQueue = r.evictQueue[:0]
	for i := range r.feedback {
		r.feedback[i] = device.FeedbackNotSampled
	}
	return out
}

// TileState returns the state of a standard tile. Coordinates outside the
// standard mips report NotResident.
func (r *Resource) TileState(c tile.Coord) TileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.layout.Index(c)
	if i < 0 {
		return NotResident
	}
	return r.tiles[i]
}

// Page returns the heap page of a resident or loading tile.
func (r *Resource) Page(c tile.Coord) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.layout.Index(c)
	if i < 0 || r.tiles[i] == NotResident {
		return device.NoPage, false
	}
	return r.pages[i], true
}

// Resident returns the coordinates of all resident tiles.
func (r *Resource) Resident() []tile.Coord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tile.Coord
	for i, s := range r.tiles {
		if s == Resident {
			out = append(out, r.layout.Coord(i))
		}
	}
	return out
}

// Counts holds the number of tiles per state and pending operation.
type Counts struct {
	Resident      int
	Loading       int
	PendingAdds   int
	PendingEvicts int
}

// Counts returns tile counts.
func (r *Resource) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c Counts
	for i, s := range r.tiles {
		switch s {
		case Resident:
			c.Resident++
		case Loading:
			c.Loading++
		}
		if r.inAdds[i] {
			c.PendingAdds++
		}
		if r.inEvicts[i] {
			c.PendingEvicts++
		}
	}
	return c
}

// HasPending reports whether adds or evictions are queued.
func (r *Resource) HasPending() bool {
	c := r.Counts()
	return c.PendingAdds > 0 || c.PendingEvicts > 0
}

// ResidencyMap returns, for every mip 0 tile, the finest mip whose tile
// and all coarser tiles covering that region are resident. The value is
// NumStandardMips when only the packed mips are resident.
func (r *Resource) ResidencyMap() []uint8 {
	l := r.layout
	numStd := l.NumStandardMips()
	fw, fh := l.FeedbackSize()
	out := make([]uint8, fw*fh)

	r.mu.Lock()
	defer r.mu.Unlock()

	for y := uint32(0); y < fh; y++ {
		for x := uint32(0); x < fw; x++ {
			best := numStd
			for mip := int(numStd) - 1; mip >= 0; mip-- {
				if r.tiles[l.Index(l.Covering(uint32(mip), x, y))] != Resident {
					break
				}
				best = uint32(mip)
			}
			out[y*fw+x] = uint8(best) //nolint:gosec // mip counts fit in a byte
		}
	}
	return out
}

// Feedback returns a copy of the last processed feedback map.
func (r *Resource) Feedback() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8(nil), r.feedback...)
}

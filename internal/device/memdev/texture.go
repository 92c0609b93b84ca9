package memdev

import (
	"fmt"
	"sync"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

// Texture is an in-memory sparse texture.
//
// The feedback map holds one min-mip value per mip 0 tile. Tests write it
// with Sample and SampleAll between executing the before-draw and
// after-draw command lists, the way a draw call would.
type Texture struct {
	dev  *Device
	desc device.TextureDesc

	mu         sync.Mutex
	pageTable  []uint32
	packedMips []byte
	feedback   []uint8
	readback   [][]uint8
	states     map[device.Subject]device.ResourceState
	aliased    int
	destroyed  bool
}

// Desc implements device.Texture.
func (t *Texture) Desc() device.TextureDesc { return t.desc }

// WritePackedMips implements device.Texture.
func (t *Texture) WritePackedMips(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return device.ErrClosed
	}
	if want := t.desc.Layout.PackedMipsSize(); uint64(len(data)) != want {
		return fmt.Errorf("memdev: packed mips of %q are %d bytes, want %d", t.desc.Label, len(data), want)
	}
	t.packedMips = append(t.packedMips[:0], data...)
	return nil
}

// UpdateTileMappings implements device.Texture.
func (t *Texture) UpdateTileMappings(heap device.HeapMemory, coords []tile.Coord, pages []uint32) error {
	if len(coords) != len(pages) {
		return fmt.Errorf("memdev: %d coords for %d pages", len(coords), len(pages))
	}
	numPages := uint32(0)
	if heap != nil {
		numPages = heap.NumPages()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return device.ErrClosed
	}
	for i, c := range coords {
		idx := t.desc.Layout.Index(c)
		if idx < 0 {
			return fmt.Errorf("memdev: %s is not a streamable tile of %q", c, t.desc.Label)
		}
		if pages[i] != device.NoPage && pages[i] >= numPages {
			return fmt.Errorf("%w: %d", device.ErrPageOutOfRange, pages[i])
		}
		t.pageTable[idx] = pages[i]
	}
	return nil
}

// ReadFeedback implements device.Texture.
func (t *Texture) ReadFeedback(slot int, dst []uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return device.ErrClosed
	}
	if slot < 0 || slot >= len(t.readback) {
		return fmt.Errorf("%w: %d", device.ErrSlotOutOfRange, slot)
	}
	copy(dst, t.readback[slot])
	return nil
}

// Destroy implements device.Texture.
func (t *Texture) Destroy() {
	t.mu.Lock()
	t.destroyed = true
	t.pageTable = nil
	t.packedMips = nil
	t.mu.Unlock()

	t.dev.mu.Lock()
	delete(t.dev.textures, t)
	t.dev.mu.Unlock()
}

// Sample records that the mip 0 tile at (x, y) was sampled at mip.
func (t *Texture) Sample(mip, x, y uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, h := t.desc.Layout.FeedbackSize()
	if x >= w || y >= h {
		return
	}
	i := y*w + x
	t.feedback[i] = min(t.feedback[i], uint8(min(mip, 0xFE))) //nolint:gosec // clamped
}

// SampleAll records that every mip 0 tile was sampled at mip.
func (t *Texture) SampleAll(mip uint32) {
	w, h := t.desc.Layout.FeedbackSize()
	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			t.Sample(mip, x, y)
		}
	}
}

// Mapping returns the heap page mapped at c, or device.NoPage.
func (t *Texture) Mapping(c tile.Coord) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.desc.Layout.Index(c)
	if idx < 0 || t.pageTable == nil {
		return device.NoPage
	}
	return t.pageTable[idx]
}

// NumMapped returns the number of mapped tiles.
func (t *Texture) NumMapped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pageTable {
		if p != device.NoPage {
			n++
		}
	}
	return n
}

// PackedMips returns a copy of the packed mip blob.
func (t *Texture) PackedMips() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.packedMips...)
}

// State returns the tracked state of a subject.
func (t *Texture) State(s device.Subject) device.ResourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[s]
}

// Aliased returns the number of executed aliasing barriers on t.
func (t *Texture) Aliased() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aliased
}

func (t *Texture) alias() {
	t.mu.Lock()
	t.aliased++
	t.mu.Unlock()
}

func (t *Texture) transition(b device.Barrier) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur := t.states[b.Subject]; cur != b.Before {
		return fmt.Errorf("memdev: %q barrier before %s, state is %s", t.desc.Label, b.Before, cur)
	}
	t.states[b.Subject] = b.After
	return nil
}

func (t *Texture) clearFeedback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return device.ErrClosed
	}
	if s := t.states[device.SubjectFeedback]; s != device.StateUnorderedAccess {
		return fmt.Errorf("memdev: clear of %q feedback in state %s", t.desc.Label, s)
	}
	for i := range t.feedback {
		t.feedback[i] = device.FeedbackNotSampled
	}
	return nil
}

func (t *Texture) resolveFeedback(slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return device.ErrClosed
	}
	if slot < 0 || slot >= len(t.readback) {
		return fmt.Errorf("%w: %d", device.ErrSlotOutOfRange, slot)
	}
	if s := t.states[device.SubjectFeedback]; s != device.StateResolveSource {
		return fmt.Errorf("memdev: resolve of %q feedback in state %s", t.desc.Label, s)
	}
	copy(t.readback[slot], t.feedback)
	return nil
}

package haldev

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

// Texture is a streamed texture: packed mips, a page table into the heap
// buffer and a feedback buffer with per-slot readback copies.
type Texture struct {
	dev  *Device
	desc device.TextureDesc

	mu          sync.Mutex
	pageTable   hal.Buffer
	pages       []uint32
	packed      hal.Buffer
	feedback    hal.Buffer
	numFeedback int
	readback    []hal.Buffer
	clearGroup  hal.BindGroup
	destroyed   bool
}

func newTexture(d *Device, desc device.TextureDesc) (_ *Texture, err error) {
	fw, fh := desc.Layout.FeedbackSize()
	t := &Texture{
		dev:         d,
		desc:        desc,
		pages:       make([]uint32, desc.Layout.NumTiles()),
		numFeedback: int(fw * fh),
		readback:    make([]hal.Buffer, 0, desc.NumSlots),
	}
	for i := range t.pages {
		t.pages[i] = device.NoPage
	}
	defer func() {
		if err != nil {
			t.Destroy()
		}
	}()

	create := func(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
		buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: max(size, 4), Usage: usage})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", label, err)
		}
		return buf, nil
	}

	if t.pageTable, err = create("tilestream_page_table", uint64(len(t.pages))*4,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst); err != nil {
		return nil, err
	}
	if t.packed, err = create("tilestream_packed_mips", alignedSize(int(desc.Layout.PackedMipsSize())),
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst); err != nil {
		return nil, err
	}
	groups := tile.DivRoundUp(uint64(t.numFeedback), clearWorkgroupSize) //nolint:gosec // non-negative
	feedbackBytes := groups * clearWorkgroupSize * 4
	if t.feedback, err = create("tilestream_feedback", feedbackBytes,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst); err != nil {
		return nil, err
	}
	for range desc.NumSlots {
		rb, err := create("tilestream_feedback_readback", feedbackBytes,
			gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
		if err != nil {
			return nil, err
		}
		t.readback = append(t.readback, rb)
	}
	if t.clearGroup, err = d.clear.bindGroup(d.device, "tilestream_clear_feedback_bind_group", t.feedback, feedbackBytes); err != nil {
		return nil, fmt.Errorf("create bind group: %w", err)
	}
	t.writePageTable()
	return t, nil
}

// Desc implements device.Texture.
func (t *Texture) Desc() device.TextureDesc { return t.desc }

// WritePackedMips implements device.Texture.
func (t *Texture) WritePackedMips(data []byte) error {
	if want := t.desc.Layout.PackedMipsSize(); uint64(len(data)) != want {
		return fmt.Errorf("haldev: packed mips of %q are %d bytes, want %d", t.desc.Label, len(data), want)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return device.ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	padded := make([]byte, alignedSize(len(data)))
	copy(padded, data)
	t.dev.queue.WriteBuffer(t.packed, 0, padded)
	return nil
}

// UpdateTileMappings implements device.Texture.
func (t *Texture) UpdateTileMappings(heap device.HeapMemory, coords []tile.Coord, pages []uint32) error {
	if len(coords) != len(pages) {
		return fmt.Errorf("haldev: %d coords for %d pages", len(coords), len(pages))
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
			return fmt.Errorf("haldev: %s is not a streamable tile of %q", c, t.desc.Label)
		}
		if pages[i] != device.NoPage && pages[i] >= numPages {
			return fmt.Errorf("%w: %d", device.ErrPageOutOfRange, pages[i])
		}
		t.pages[idx] = pages[i]
	}
	t.writePageTable()
	return nil
}

// writePageTable uploads the page table. Caller holds t.mu or owns t.
func (t *Texture) writePageTable() {
	if len(t.pages) == 0 {
		return
	}
	buf := make([]byte, len(t.pages)*4)
	for i, p := range t.pages {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	t.dev.queue.WriteBuffer(t.pageTable, 0, buf)
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
	raw := make([]byte, t.numFeedback*4)
	if err := t.dev.queue.ReadBuffer(t.readback[slot], 0, raw); err != nil {
		return fmt.Errorf("haldev: read feedback: %w", err)
	}
	for i := 0; i < t.numFeedback && i < len(dst); i++ {
		dst[i] = uint8(min(binary.LittleEndian.Uint32(raw[i*4:]), device.FeedbackNotSampled)) //nolint:gosec // clamped
	}
	return nil
}

// Mapping returns the heap page mapped at c, or device.NoPage.
func (t *Texture) Mapping(c tile.Coord) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.desc.Layout.Index(c)
	if idx < 0 || t.destroyed {
		return device.NoPage
	}
	return t.pages[idx]
}

// Destroy implements device.Texture.
func (t *Texture) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true

	d := t.dev.device
	if t.clearGroup != nil {
		d.DestroyBindGroup(t.clearGroup)
	}
	for _, rb := range t.readback {
		d.DestroyBuffer(rb)
	}
	for _, b := range []hal.Buffer{t.feedback, t.packed, t.pageTable} {
		if b != nil {
			d.DestroyBuffer(b)
		}
	}
}

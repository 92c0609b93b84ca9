// Package memdev implements device.Device in host memory.
//
// memdev stands in for a GPU in tests, tools and headless replay. Command
// lists record operations that run when the list is passed to Execute,
// which plays the role of a graphics queue submission. Barriers are
// validated against the tracked state of every subject, so recording a
// transition from the wrong state surfaces as an Execute error.
package memdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/fence"
	"github.com/gogpu/tilestream/internal/tile"
)

// Options configures a Device.
type Options struct {
	// DeferSignals holds frame fence signals until Flush is called,
	// simulating a GPU that lags behind the CPU.
	DeferSignals bool
}

// Device is an in-memory device.
//
// Device is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	opts       Options
	frameFence *frameFence
	textures   map[*Texture]struct{}
	residency  *Buffer
	closed     bool

	barrierCalls int
	executed     int
}

// New creates an in-memory device.
func New(opts Options) *Device {
	d := &Device{
		opts:     opts,
		textures: make(map[*Texture]struct{}),
	}
	d.frameFence = &frameFence{dev: d, fence: fence.New(0)}
	return d
}

// CreateHeap implements device.Device.
func (d *Device) CreateHeap(numPages uint32) (device.HeapMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.ErrClosed
	}
	return &HeapMemory{pages: make([][]byte, numPages)}, nil
}

// CreateTexture implements device.Device.
func (d *Device) CreateTexture(desc device.TextureDesc) (device.Texture, error) {
	if desc.Layout == nil {
		return nil, fmt.Errorf("memdev: texture %q has no layout", desc.Label)
	}
	if desc.NumSlots <= 0 {
		return nil, fmt.Errorf("memdev: texture %q: %w", desc.Label, device.ErrSlotOutOfRange)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.ErrClosed
	}

	fw, fh := desc.Layout.FeedbackSize()
	n := int(fw * fh)
	t := &Texture{
		dev:       d,
		desc:      desc,
		pageTable: make([]uint32, desc.Layout.NumTiles()),
		feedback:  make([]uint8, n),
		readback:  make([][]uint8, desc.NumSlots),
		states: map[device.Subject]device.ResourceState{
			device.SubjectTexture:  device.StateCommon,
			device.SubjectFeedback: device.StateUnorderedAccess,
		},
	}
	for i := range t.pageTable {
		t.pageTable[i] = device.NoPage
	}
	for i := range t.feedback {
		t.feedback[i] = device.FeedbackNotSampled
	}
	for i := range t.readback {
		t.readback[i] = make([]uint8, n)
		for j := range t.readback[i] {
			t.readback[i][j] = device.FeedbackNotSampled
		}
	}
	d.textures[t] = struct{}{}
	return t, nil
}

// CreateResidencyMap implements device.Device.
func (d *Device) CreateResidencyMap(size int, view device.Descriptor) (device.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.ErrClosed
	}
	b := &Buffer{data: make([]byte, size), view: view}
	d.residency = b
	return b, nil
}

// CreateCommandList implements device.Device.
func (d *Device) CreateCommandList(label string, numSlots int) (device.CommandList, error) {
	if numSlots <= 0 {
		return nil, fmt.Errorf("memdev: command list %q: %w", label, device.ErrSlotOutOfRange)
	}
	return &CommandList{label: label, numSlots: numSlots, slot: -1}, nil
}

// CreateTimer implements device.Device.
func (d *Device) CreateTimer(numSlots int) (device.Timer, error) {
	if numSlots <= 0 {
		return nil, device.ErrSlotOutOfRange
	}
	return &Timer{begin: make([]time.Time, numSlots), elapsed: make([]time.Duration, numSlots)}, nil
}

// FrameFence implements device.Device.
func (d *Device) FrameFence() device.Fence { return d.frameFence }

// Close implements device.Device.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.textures = nil
}

// Flush applies frame fence signals held back by Options.DeferSignals.
func (d *Device) Flush() {
	d.frameFence.flush()
}

// BarrierCalls returns the number of ResourceBarrier calls executed.
func (d *Device) BarrierCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barrierCalls
}

// Executed returns the number of command lists executed.
func (d *Device) Executed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executed
}

// ResidencyMap returns the most recently created residency map.
func (d *Device) ResidencyMap() *Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.residency
}

// Execute runs closed command lists in order, like a queue submission.
func (d *Device) Execute(lists ...device.CommandList) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return fmt.Errorf("memdev: foreign command list %T", l)
		}
		if cl.open {
			return fmt.Errorf("memdev: command list %q: %w", cl.label, device.ErrCommandListState)
		}
		for i, op := range cl.ops {
			if err := op(d); err != nil {
				return fmt.Errorf("memdev: %s op %d: %w", cl.label, i, err)
			}
		}
		d.executed++
	}
	return nil
}

// frameFence holds back signals when the device defers them.
type frameFence struct {
	dev   *Device
	fence *fence.Fence

	mu       sync.Mutex
	deferred uint64
}

func (f *frameFence) Signal(v uint64) error {
	if f.dev.opts.DeferSignals {
		f.mu.Lock()
		f.deferred = max(f.deferred, v)
		f.mu.Unlock()
		return nil
	}
	f.fence.Signal(v)
	return nil
}

func (f *frameFence) Completed() uint64 { return f.fence.Completed() }

func (f *frameFence) flush() {
	f.mu.Lock()
	v := f.deferred
	f.mu.Unlock()
	f.fence.Signal(v)
}

// HeapMemory is host memory for heap pages.
type HeapMemory struct {
	mu        sync.RWMutex
	pages     [][]byte
	destroyed bool
}

// NumPages implements device.HeapMemory.
func (h *HeapMemory) NumPages() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint32(len(h.pages)) //nolint:gosec // page count is created from uint32
}

// WritePage implements device.HeapMemory.
func (h *HeapMemory) WritePage(page uint32, data []byte) error {
	if len(data) > tile.SizeInBytes {
		return fmt.Errorf("%w: %d bytes", device.ErrTileTooLarge, len(data))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return device.ErrClosed
	}
	if int(page) >= len(h.pages) {
		return fmt.Errorf("%w: %d", device.ErrPageOutOfRange, page)
	}
	h.pages[page] = append(h.pages[page][:0], data...)
	return nil
}

// Page returns a copy of a page's contents.
func (h *HeapMemory) Page(page uint32) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(page) >= len(h.pages) {
		return nil
	}
	return append([]byte(nil), h.pages[page]...)
}

// Destroy implements device.HeapMemory.
func (h *HeapMemory) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	h.pages = nil
}

// Buffer is a host-memory buffer.
type Buffer struct {
	mu     sync.RWMutex
	data   []byte
	gpu    []byte
	view   device.Descriptor
	copies int
}

// Size implements device.Buffer.
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Write implements device.Buffer.
func (b *Buffer) Write(offset int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset+len(data) > len(b.data) {
		return fmt.Errorf("memdev: buffer write [%d:%d] beyond size %d", offset, offset+len(data), len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// Bytes returns a copy of the CPU-side contents.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

// GPUBytes returns a copy of the contents last copied for shader use.
func (b *Buffer) GPUBytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.gpu...)
}

// View returns the descriptor the buffer was created for.
func (b *Buffer) View() device.Descriptor { return b.view }

// Destroy implements device.Buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.gpu = nil
}

// Timer measures wall time between executed Begin and End operations.
type Timer struct {
	mu      sync.Mutex
	begin   []time.Time
	elapsed []time.Duration
}

// Begin implements device.Timer.
func (t *Timer) Begin(cl device.CommandList, slot int) {
	record(cl, func(*Device) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.begin[slot] = time.Now()
		return nil
	})
}

// End implements device.Timer.
func (t *Timer) End(cl device.CommandList, slot int) {
	record(cl, func(*Device) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.elapsed[slot] = time.Since(t.begin[slot])
		return nil
	})
}

// Elapsed implements device.Timer.
func (t *Timer) Elapsed(slot int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.elapsed) {
		return 0
	}
	return t.elapsed[slot]
}

func record(cl device.CommandList, op func(*Device) error) {
	if l, ok := cl.(*CommandList); ok {
		l.record(op)
	}
}

// Copies returns how many times the buffer was copied for shader use.
func (b *Buffer) Copies() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copies
}

// Package haldev implements device.Device on a wgpu HAL device.
//
// HAL has no reserved (sparse) resources, so the streaming heap is a
// storage buffer of 64 KiB pages and every texture carries a page table
// buffer that shaders use to translate tile coordinates into heap pages.
// Feedback maps are storage buffers with one u32 per mip 0 tile, cleared
// by a compute shader and copied into per-slot readback buffers.
//
// Barriers are recorded for accounting only: HAL tracks buffer usage
// transitions itself.
package haldev

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

// ErrNoHAL is returned when a provider does not expose HAL handles.
var ErrNoHAL = errors.New("haldev: provider does not expose HAL device and queue")

// Device is a device.Device backed by a HAL device and queue.
type Device struct {
	device hal.Device
	queue  hal.Queue

	mu     sync.Mutex
	clear  *clearPipeline
	fence  *frameFence
	closed bool

	barrierCalls int
}

// New creates a Device on an open HAL device and its queue. The caller
// keeps ownership of both.
func New(device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNoHAL
	}
	clear, err := newClearPipeline(device)
	if err != nil {
		return nil, fmt.Errorf("haldev: %w", err)
	}
	f, err := device.CreateFence()
	if err != nil {
		clear.destroy(device)
		return nil, fmt.Errorf("haldev: create fence: %w", err)
	}
	slogger().Debug("haldev: device ready")
	return &Device{
		device: device,
		queue:  queue,
		clear:  clear,
		fence:  &frameFence{device: device, queue: queue, fence: f},
	}, nil
}

// FromProvider creates a Device from a host device provider. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, queue)
}

// CreateHeap implements device.Device.
func (d *Device) CreateHeap(numPages uint32) (device.HeapMemory, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	size := uint64(numPages) * tile.SizeInBytes
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "tilestream_heap",
		Size:  max(size, 4),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("haldev: create heap of %d pages: %w", numPages, err)
	}
	return &HeapMemory{dev: d, buf: buf, numPages: numPages}, nil
}

// CreateTexture implements device.Device.
func (d *Device) CreateTexture(desc device.TextureDesc) (device.Texture, error) {
	if desc.Layout == nil {
		return nil, fmt.Errorf("haldev: texture %q has no layout", desc.Label)
	}
	if desc.NumSlots <= 0 {
		return nil, fmt.Errorf("haldev: texture %q: %w", desc.Label, device.ErrSlotOutOfRange)
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	t, err := newTexture(d, desc)
	if err != nil {
		return nil, fmt.Errorf("haldev: texture %q: %w", desc.Label, err)
	}
	return t, nil
}

// CreateResidencyMap implements device.Device.
func (d *Device) CreateResidencyMap(size int, view device.Descriptor) (device.Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "tilestream_residency_map",
		Size:  alignedSize(size),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("haldev: create residency map: %w", err)
	}
	return &Buffer{dev: d, buf: buf, size: size, view: view, shadow: make([]byte, alignedSize(size))}, nil
}

// CreateCommandList implements device.Device.
func (d *Device) CreateCommandList(label string, numSlots int) (device.CommandList, error) {
	if numSlots <= 0 {
		return nil, fmt.Errorf("haldev: command list %q: %w", label, device.ErrSlotOutOfRange)
	}
	return &CommandList{dev: d, label: label, cmdBufs: make([]hal.CommandBuffer, numSlots)}, nil
}

// CreateTimer implements device.Device.
func (d *Device) CreateTimer(numSlots int) (device.Timer, error) {
	if numSlots <= 0 {
		return nil, device.ErrSlotOutOfRange
	}
	return &Timer{}, nil
}

// FrameFence implements device.Device.
func (d *Device) FrameFence() device.Fence { return d.fence }

// Close implements device.Device. The HAL device and queue stay open.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.clear.destroy(d.device)
	d.device.DestroyFence(d.fence.fence)
}

// Submit submits the command buffers of closed lists to the queue.
func (d *Device) Submit(lists ...device.CommandList) error {
	bufs := make([]hal.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return fmt.Errorf("haldev: foreign command list %T", l)
		}
		cb := cl.CommandBuffer()
		if cb == nil {
			return fmt.Errorf("haldev: command list %q: %w", cl.label, device.ErrCommandListState)
		}
		bufs = append(bufs, cb)
	}
	if err := d.queue.Submit(bufs, nil, 0); err != nil {
		return fmt.Errorf("haldev: submit: %w", err)
	}
	return nil
}

// BarrierCalls returns the number of ResourceBarrier calls recorded.
func (d *Device) BarrierCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barrierCalls
}

func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	return nil
}

// alignedSize rounds a byte size up to a multiple of 4, minimum 4.
func alignedSize(size int) uint64 {
	return max(tile.DivRoundUp(uint64(max(size, 0)), 4)*4, 4) //nolint:gosec // clamped to zero
}

// frameFence signals a HAL fence through empty queue submissions.
type frameFence struct {
	device hal.Device
	queue  hal.Queue
	fence  hal.Fence

	mu        sync.Mutex
	signaled  uint64
	completed uint64
}

func (f *frameFence) Signal(v uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v <= f.signaled {
		return nil
	}
	if err := f.queue.Submit(nil, f.fence, v); err != nil {
		return fmt.Errorf("haldev: signal fence %d: %w", v, err)
	}
	f.signaled = v
	return nil
}

func (f *frameFence) Completed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed < f.signaled {
		if ok, err := f.device.Wait(f.fence, f.signaled, 0); err == nil && ok {
			f.completed = f.signaled
		}
	}
	return f.completed
}

// HeapMemory is a storage buffer of tile pages.
type HeapMemory struct {
	dev      *Device
	buf      hal.Buffer
	numPages uint32

	mu        sync.Mutex
	destroyed bool
}

// NumPages implements device.HeapMemory.
func (h *HeapMemory) NumPages() uint32 { return h.numPages }

// WritePage implements device.HeapMemory.
func (h *HeapMemory) WritePage(page uint32, data []byte) error {
	if len(data) > tile.SizeInBytes {
		return fmt.Errorf("%w: %d bytes", device.ErrTileTooLarge, len(data))
	}
	if page >= h.numPages {
		return fmt.Errorf("%w: %d", device.ErrPageOutOfRange, page)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return device.ErrClosed
	}
	if len(data)%4 != 0 {
		padded := make([]byte, alignedSize(len(data)))
		copy(padded, data)
		data = padded
	}
	h.dev.queue.WriteBuffer(h.buf, uint64(page)*tile.SizeInBytes, data)
	return nil
}

// Destroy implements device.HeapMemory.
func (h *HeapMemory) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	h.destroyed = true
	h.dev.device.DestroyBuffer(h.buf)
}

// Buffer is a storage buffer written through the queue.
type Buffer struct {
	dev    *Device
	buf    hal.Buffer
	size   int
	view   device.Descriptor
	shadow []byte

	mu        sync.Mutex
	destroyed bool
}

// Size implements device.Buffer.
func (b *Buffer) Size() int { return b.size }

// Write implements device.Buffer.
func (b *Buffer) Write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("haldev: buffer write [%d:%d] beyond size %d", offset, offset+len(data), b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return device.ErrClosed
	}
	// WriteBuffer needs 4-byte aligned offsets and sizes.
	copy(b.shadow[offset:], data)
	start := offset &^ 3
	end := int(alignedSize(offset + len(data))) //nolint:gosec // bounded by shadow size
	b.dev.queue.WriteBuffer(b.buf, uint64(start), b.shadow[start:end]) //nolint:gosec // start is non-negative
	return nil
}

// HAL returns the underlying HAL buffer.
func (b *Buffer) HAL() hal.Buffer { return b.buf }

// View returns the descriptor the buffer was created for.
func (b *Buffer) View() device.Descriptor { return b.view }

// Destroy implements device.Buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.dev.device.DestroyBuffer(b.buf)
}

// Timer implements device.Timer. HAL exposes no timestamp queries, so
// elapsed times are always zero.
type Timer struct{}

// Begin implements device.Timer.
func (*Timer) Begin(device.CommandList, int) {}

// End implements device.Timer.
func (*Timer) End(device.CommandList, int) {}

// Elapsed implements device.Timer.
func (*Timer) Elapsed(int) time.Duration { return 0 }

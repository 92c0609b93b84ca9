package haldev

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

// CommandList records into a HAL command encoder. Each slot keeps its last
// command buffer until the slot is reset again.
type CommandList struct {
	dev     *Device
	label   string
	encoder hal.CommandEncoder
	cmdBufs []hal.CommandBuffer
	slot    int
	open    bool
	err     error
}

// Reset implements device.CommandList.
func (cl *CommandList) Reset(slot int) error {
	if slot < 0 || slot >= len(cl.cmdBufs) {
		return fmt.Errorf("haldev: reset %q: %w: %d", cl.label, device.ErrSlotOutOfRange, slot)
	}
	if cl.open {
		cl.encoder.DiscardEncoding()
		cl.open = false
	}
	if cb := cl.cmdBufs[slot]; cb != nil {
		cl.dev.device.FreeCommandBuffer(cb)
		cl.cmdBufs[slot] = nil
	}

	encoder, err := cl.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: cl.label})
	if err != nil {
		return fmt.Errorf("haldev: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(cl.label); err != nil {
		return fmt.Errorf("haldev: begin encoding: %w", err)
	}
	cl.encoder = encoder
	cl.slot = slot
	cl.open = true
	cl.err = nil
	return nil
}

// SetDescriptorHeap implements device.CommandList. Bind groups replace
// descriptor heaps in HAL, so there is nothing to record.
func (cl *CommandList) SetDescriptorHeap(device.DescriptorHeap) {
	cl.check()
}

// ResourceBarrier implements device.CommandList.
func (cl *CommandList) ResourceBarrier([]device.Barrier) {
	if !cl.check() {
		return
	}
	cl.dev.mu.Lock()
	cl.dev.barrierCalls++
	cl.dev.mu.Unlock()
}

// ClearFeedback implements device.CommandList.
func (cl *CommandList) ClearFeedback(t device.Texture, _ device.Descriptor) {
	tex, ok := t.(*Texture)
	if !ok {
		cl.fail(fmt.Errorf("haldev: foreign texture %T", t))
		return
	}
	if !cl.check() {
		return
	}
	pass := cl.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "tilestream_clear_feedback"})
	pass.SetPipeline(cl.dev.clear.pipeline)
	pass.SetBindGroup(0, tex.clearGroup, nil)
	pass.Dispatch(uint32(tile.DivRoundUp(tex.numFeedback, clearWorkgroupSize)), 1, 1) //nolint:gosec // feedback size fits uint32
	pass.End()
}

// ResolveFeedback implements device.CommandList.
func (cl *CommandList) ResolveFeedback(t device.Texture, slot int) {
	tex, ok := t.(*Texture)
	if !ok {
		cl.fail(fmt.Errorf("haldev: foreign texture %T", t))
		return
	}
	if slot < 0 || slot >= len(tex.readback) {
		cl.fail(fmt.Errorf("haldev: resolve: %w: %d", device.ErrSlotOutOfRange, slot))
		return
	}
	if !cl.check() {
		return
	}
	cl.encoder.CopyBufferToBuffer(tex.feedback, tex.readback[slot], []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: uint64(tex.numFeedback) * 4}, //nolint:gosec // non-negative
	})
}

// CopyResidency implements device.CommandList. Buffer writes are staged
// on the queue ahead of the list, so the copy is already in place.
func (cl *CommandList) CopyResidency(b device.Buffer) {
	if _, ok := b.(*Buffer); !ok {
		cl.fail(fmt.Errorf("haldev: foreign buffer %T", b))
		return
	}
	cl.check()
}

// Close implements device.CommandList.
func (cl *CommandList) Close() error {
	if !cl.open {
		return fmt.Errorf("haldev: close %q: %w", cl.label, device.ErrCommandListState)
	}
	cl.open = false
	if cl.err != nil {
		cl.encoder.DiscardEncoding()
		return cl.err
	}
	cb, err := cl.encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("haldev: end encoding %q: %w", cl.label, err)
	}
	cl.cmdBufs[cl.slot] = cb
	return nil
}

// CommandBuffer returns the command buffer of the last closed slot, for
// submission by the host.
func (cl *CommandList) CommandBuffer() hal.CommandBuffer {
	if cl.open || cl.slot < 0 || cl.slot >= len(cl.cmdBufs) {
		return nil
	}
	return cl.cmdBufs[cl.slot]
}

func (cl *CommandList) check() bool {
	if !cl.open {
		cl.fail(fmt.Errorf("haldev: record into %q: %w", cl.label, device.ErrCommandListState))
		return false
	}
	return cl.err == nil
}

func (cl *CommandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

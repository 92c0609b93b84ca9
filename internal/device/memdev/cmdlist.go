package memdev

import (
	"fmt"

	"github.com/gogpu/tilestream/internal/device"
)

// CommandList records operations for Device.Execute.
type CommandList struct {
	label    string
	numSlots int
	slot     int
	open     bool
	err      error
	heap     device.DescriptorHeap
	ops      []func(*Device) error
}

// Reset implements device.CommandList.
func (cl *CommandList) Reset(slot int) error {
	if slot < 0 || slot >= cl.numSlots {
		return fmt.Errorf("memdev: reset %q: %w: %d", cl.label, device.ErrSlotOutOfRange, slot)
	}
	cl.slot = slot
	cl.open = true
	cl.err = nil
	cl.heap = nil
	cl.ops = cl.ops[:0]
	return nil
}

// SetDescriptorHeap implements device.CommandList.
func (cl *CommandList) SetDescriptorHeap(heap device.DescriptorHeap) {
	if cl.check() {
		cl.heap = heap
	}
}

// ResourceBarrier implements device.CommandList.
func (cl *CommandList) ResourceBarrier(barriers []device.Barrier) {
	batch := append([]device.Barrier(nil), barriers...)
	cl.record(func(d *Device) error {
		d.barrierCalls++
		for _, b := range batch {
			t, ok := b.Texture.(*Texture)
			if !ok {
				return fmt.Errorf("memdev: foreign texture %T", b.Texture)
			}
			if b.Kind == device.BarrierAliasing {
				t.alias()
				continue
			}
			if err := t.transition(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearFeedback implements device.CommandList.
func (cl *CommandList) ClearFeedback(t device.Texture, _ device.Descriptor) {
	tex, ok := t.(*Texture)
	if !ok {
		cl.fail(fmt.Errorf("memdev: foreign texture %T", t))
		return
	}
	cl.record(func(*Device) error { return tex.clearFeedback() })
}

// ResolveFeedback implements device.CommandList.
func (cl *CommandList) ResolveFeedback(t device.Texture, slot int) {
	tex, ok := t.(*Texture)
	if !ok {
		cl.fail(fmt.Errorf("memdev: foreign texture %T", t))
		return
	}
	cl.record(func(*Device) error { return tex.resolveFeedback(slot) })
}

// CopyResidency implements device.CommandList.
func (cl *CommandList) CopyResidency(b device.Buffer) {
	buf, ok := b.(*Buffer)
	if !ok {
		cl.fail(fmt.Errorf("memdev: foreign buffer %T", b))
		return
	}
	cl.record(func(*Device) error {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		buf.gpu = append(buf.gpu[:0], buf.data...)
		buf.copies++
		return nil
	})
}

// Close implements device.CommandList.
func (cl *CommandList) Close() error {
	if !cl.open {
		return fmt.Errorf("memdev: close %q: %w", cl.label, device.ErrCommandListState)
	}
	cl.open = false
	return cl.err
}

// Label returns the debug label.
func (cl *CommandList) Label() string { return cl.label }

// Slot returns the slot of the last Reset, or -1.
func (cl *CommandList) Slot() int { return cl.slot }

// DescriptorHeap returns the heap bound since the last Reset.
func (cl *CommandList) DescriptorHeap() device.DescriptorHeap { return cl.heap }

// Len returns the number of recorded operations.
func (cl *CommandList) Len() int { return len(cl.ops) }

func (cl *CommandList) record(op func(*Device) error) {
	if cl.check() {
		cl.ops = append(cl.ops, op)
	}
}

func (cl *CommandList) check() bool {
	if !cl.open {
		cl.fail(fmt.Errorf("memdev: record into %q: %w", cl.label, device.ErrCommandListState))
		return false
	}
	return cl.err == nil
}

func (cl *CommandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

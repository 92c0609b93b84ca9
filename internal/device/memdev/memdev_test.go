package memdev

import (
	"errors"
	"testing"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

func newTexture(t *testing.T, d *Device, w, h uint32) *Texture {
	t.Helper()
	l, err := tile.NewLayout(tile.FormatRGBA8, w, h, 0)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	tex, err := d.CreateTexture(device.TextureDesc{Label: "test", Layout: l, NumSlots: 2})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	return tex.(*Texture)
}

func newList(t *testing.T, d *Device, slot int) device.CommandList {
	t.Helper()
	cl, err := d.CreateCommandList("list", 2)
	if err != nil {
		t.Fatalf("CreateCommandList: %v", err)
	}
	if err := cl.Reset(slot); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return cl
}

// =============================================================================
// Feedback
// =============================================================================

func TestFeedbackClearSampleResolve(t *testing.T) {
	d := New(Options{})
	tex := newTexture(t, d, 512, 512) // 4x4 mip 0 tiles

	before := newList(t, d, 1)
	before.ClearFeedback(tex, 0)
	if err := before.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Execute(before); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tex.Sample(1, 2, 3)
	tex.Sample(2, 2, 3)

	after := newList(t, d, 1)
	after.ResourceBarrier([]device.Barrier{device.Transition(tex, device.SubjectFeedback,
		device.StateUnorderedAccess, device.StateResolveSource)})
	after.ResolveFeedback(tex, 1)
	after.ResourceBarrier([]device.Barrier{device.Transition(tex, device.SubjectFeedback,
		device.StateResolveSource, device.StateUnorderedAccess)})
	if err := after.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Execute(after); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := make([]uint8, 16)
	if err := tex.ReadFeedback(1, got); err != nil {
		t.Fatalf("ReadFeedback: %v", err)
	}
	for i, v := range got {
		want := uint8(device.FeedbackNotSampled)
		if i == 3*4+2 {
			want = 1
		}
		if v != want {
			t.Errorf("feedback[%d] = %d, want %d", i, v, want)
		}
	}
	if n := d.BarrierCalls(); n != 2 {
		t.Errorf("BarrierCalls() = %d, want 2", n)
	}
}

func TestResolveRequiresTransition(t *testing.T) {
	d := New(Options{})
	tex := newTexture(t, d, 256, 256)

	cl := newList(t, d, 0)
	cl.ResolveFeedback(tex, 0)
	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Execute(cl); err == nil {
		t.Error("Execute() should fail for resolve in unordered access state")
	}
}

func TestBarrierStateMismatch(t *testing.T) {
	d := New(Options{})
	tex := newTexture(t, d, 256, 256)

	cl := newList(t, d, 0)
	cl.ResourceBarrier([]device.Barrier{device.Transition(tex, device.SubjectTexture,
		device.StatePixelShaderResource, device.StateCommon)})
	_ = cl.Close()
	if err := d.Execute(cl); err == nil {
		t.Error("Execute() should fail for barrier from wrong state")
	}
	if s := tex.State(device.SubjectTexture); s != device.StateCommon {
		t.Errorf("State() = %s, want %s", s, device.StateCommon)
	}
}

// =============================================================================
// Command lists
// =============================================================================

func TestCommandListState(t *testing.T) {
	d := New(Options{})
	cl, _ := d.CreateCommandList("list", 2)

	if err := cl.Close(); !errors.Is(err, device.ErrCommandListState) {
		t.Errorf("Close() before Reset = %v, want ErrCommandListState", err)
	}
	if err := cl.Reset(2); !errors.Is(err, device.ErrSlotOutOfRange) {
		t.Errorf("Reset(2) = %v, want ErrSlotOutOfRange", err)
	}

	_ = cl.Reset(0)
	if err := d.Execute(cl); !errors.Is(err, device.ErrCommandListState) {
		t.Errorf("Execute(open list) = %v, want ErrCommandListState", err)
	}
	if err := cl.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := d.Execute(cl); err != nil {
		t.Errorf("Execute() = %v", err)
	}
	if d.Executed() != 1 {
		t.Errorf("Executed() = %d, want 1", d.Executed())
	}
}

func TestCopyResidency(t *testing.T) {
	d := New(Options{})
	b, err := d.CreateResidencyMap(4, 7)
	if err != nil {
		t.Fatalf("CreateResidencyMap: %v", err)
	}
	if err := b.Write(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write(2, []byte{1, 2, 3}); err == nil {
		t.Error("Write() past end should fail")
	}

	cl := newList(t, d, 0)
	cl.CopyResidency(b)
	_ = cl.Close()
	if err := d.Execute(cl); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	buf := d.ResidencyMap()
	if got := buf.GPUBytes(); string(got) != "\x01\x02\x03\x04" {
		t.Errorf("GPUBytes() = %v", got)
	}
	if buf.View() != 7 {
		t.Errorf("View() = %d, want 7", buf.View())
	}
}

// =============================================================================
// Heap and mappings
// =============================================================================

func TestTileMappings(t *testing.T) {
	d := New(Options{})
	tex := newTexture(t, d, 512, 512)
	hm, _ := d.CreateHeap(4)

	c := tile.Coord{Mip: 1, X: 1, Y: 0}
	if err := tex.UpdateTileMappings(hm, []tile.Coord{c}, []uint32{3}); err != nil {
		t.Fatalf("UpdateTileMappings: %v", err)
	}
	if p := tex.Mapping(c); p != 3 {
		t.Errorf("Mapping() = %d, want 3", p)
	}
	if err := tex.UpdateTileMappings(hm, []tile.Coord{c}, []uint32{4}); !errors.Is(err, device.ErrPageOutOfRange) {
		t.Errorf("UpdateTileMappings(page 4) = %v, want ErrPageOutOfRange", err)
	}
	if err := tex.UpdateTileMappings(hm, []tile.Coord{c}, []uint32{device.NoPage}); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if n := tex.NumMapped(); n != 0 {
		t.Errorf("NumMapped() = %d, want 0", n)
	}
}

func TestHeapWritePage(t *testing.T) {
	d := New(Options{})
	hm, _ := d.CreateHeap(2)
	mem := hm.(*HeapMemory)

	if err := mem.WritePage(1, []byte("tile")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if got := string(mem.Page(1)); got != "tile" {
		t.Errorf("Page(1) = %q, want %q", got, "tile")
	}
	if err := mem.WritePage(2, nil); !errors.Is(err, device.ErrPageOutOfRange) {
		t.Errorf("WritePage(2) = %v, want ErrPageOutOfRange", err)
	}
	if err := mem.WritePage(0, make([]byte, tile.SizeInBytes+1)); !errors.Is(err, device.ErrTileTooLarge) {
		t.Errorf("WritePage(oversized) = %v, want ErrTileTooLarge", err)
	}
}

// =============================================================================
// Fence
// =============================================================================

func TestFrameFenceDeferred(t *testing.T) {
	d := New(Options{DeferSignals: true})
	f := d.FrameFence()

	_ = f.Signal(3)
	if f.Completed() != 0 {
		t.Errorf("Completed() = %d before Flush, want 0", f.Completed())
	}
	d.Flush()
	if f.Completed() != 3 {
		t.Errorf("Completed() = %d after Flush, want 3", f.Completed())
	}
}

func TestCreateAfterClose(t *testing.T) {
	d := New(Options{})
	d.Close()
	if _, err := d.CreateHeap(1); !errors.Is(err, device.ErrClosed) {
		t.Errorf("CreateHeap() after Close = %v, want ErrClosed", err)
	}
}

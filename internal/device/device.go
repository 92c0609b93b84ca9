// Package device abstracts the GPU objects the tile streaming engine needs.
//
// The engine does not create devices, queues or swap chains. The host
// application owns them and hands the engine a Device. Two implementations
// exist: memdev keeps everything in host memory (tests, tools, headless
// replay) and haldev drives a gogpu/wgpu HAL device.
//
// Resource lifecycle:
//   - Objects are created via Create* methods
//   - Objects must be explicitly destroyed
//   - Destroying an object still referenced by recorded commands is undefined
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/tilestream/internal/tile"
)

// NoPage is the page-table value of an unmapped tile.
const NoPage = ^uint32(0)

// FeedbackNotSampled is the feedback value of a tile region that was not
// sampled during the frame.
const FeedbackNotSampled = 0xFF

// Device errors.
var (
	// ErrClosed is returned when operating on a closed device object.
	ErrClosed = errors.New("device: closed")

	// ErrPageOutOfRange is returned for a page index beyond the heap.
	ErrPageOutOfRange = errors.New("device: page out of range")

	// ErrTileTooLarge is returned when tile data exceeds one page.
	ErrTileTooLarge = errors.New("device: tile data larger than one page")

	// ErrSlotOutOfRange is returned for a frame slot beyond the ring.
	ErrSlotOutOfRange = errors.New("device: frame slot out of range")

	// ErrCommandListState is returned for Reset/Close called out of order.
	ErrCommandListState = errors.New("device: command list reset or closed out of order")
)

// ResourceState is the usage state a barrier transitions between.
type ResourceState uint8

const (
	// StateCommon is the initial state of streamed textures.
	StateCommon ResourceState = iota

	// StateUnorderedAccess is the state feedback maps are written in.
	StateUnorderedAccess

	// StateResolveSource is the state feedback maps are resolved from.
	StateResolveSource

	// StateResolveDest is the state of a resolve target.
	StateResolveDest

	// StateCopySource is the state of a copy source.
	StateCopySource

	// StateCopyDest is the state of a copy destination.
	StateCopyDest

	// StatePixelShaderResource is the state textures are sampled in.
	StatePixelShaderResource
)

// String returns the state name.
func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "Common"
	case StateUnorderedAccess:
		return "UnorderedAccess"
	case StateResolveSource:
		return "ResolveSource"
	case StateResolveDest:
		return "ResolveDest"
	case StateCopySource:
		return "CopySource"
	case StateCopyDest:
		return "CopyDest"
	case StatePixelShaderResource:
		return "PixelShaderResource"
	default:
		return fmt.Sprintf("ResourceState(%d)", uint8(s))
	}
}

// Subject selects which part of a streamed texture a barrier applies to.
type Subject uint8

const (
	// SubjectTexture is the sparse texture itself (including packed mips).
	SubjectTexture Subject = iota

	// SubjectFeedback is the texture's sampler feedback map.
	SubjectFeedback
)

// BarrierKind distinguishes transition from aliasing barriers.
type BarrierKind uint8

const (
	// BarrierTransition changes the state of a subject.
	BarrierTransition BarrierKind = iota

	// BarrierAliasing marks a change of the memory backing a texture.
	BarrierAliasing
)

// Barrier is one resource barrier.
type Barrier struct {
	Kind    BarrierKind
	Texture Texture
	Subject Subject
	Before  ResourceState
	After   ResourceState
}

// Transition returns a transition barrier.
func Transition(t Texture, s Subject, before, after ResourceState) Barrier {
	return Barrier{Kind: BarrierTransition, Texture: t, Subject: s, Before: before, After: after}
}

// Aliasing returns an aliasing barrier for t.
func Aliasing(t Texture) Barrier {
	return Barrier{Kind: BarrierAliasing, Texture: t}
}

// Descriptor is an opaque shader-visible descriptor handle owned by the host.
type Descriptor uint64

// DescriptorHeap is an opaque descriptor heap owned by the host. It is
// bound on the before-draw command list at the start of each frame.
type DescriptorHeap any

// TextureDesc describes a streamed texture.
type TextureDesc struct {
	// Label is an optional debug label.
	Label string

	// Layout is the tile grid of the texture.
	Layout *tile.Layout

	// NumSlots is the number of frame slots (feedback readback buffers).
	NumSlots int
}

// Device creates the GPU objects used by the streaming engine.
// Implementations must be safe for concurrent use.
type Device interface {
	// CreateHeap allocates physical memory for numPages tiles.
	CreateHeap(numPages uint32) (HeapMemory, error)

	// CreateTexture creates a sparse texture with its feedback map,
	// page table and one feedback readback buffer per frame slot.
	CreateTexture(desc TextureDesc) (Texture, error)

	// CreateResidencyMap allocates the shared residency map and writes
	// its shader view to the host descriptor.
	CreateResidencyMap(size int, view Descriptor) (Buffer, error)

	// CreateCommandList creates a command list with numSlots allocators.
	CreateCommandList(label string, numSlots int) (CommandList, error)

	// CreateTimer creates a GPU timer with numSlots query pairs.
	CreateTimer(numSlots int) (Timer, error)

	// FrameFence returns the fence signaled on the graphics queue once
	// per frame.
	FrameFence() Fence

	// Close releases device-owned objects.
	Close()
}

// Fence is a GPU queue fence.
type Fence interface {
	// Signal enqueues a signal of v after all previously submitted work.
	Signal(v uint64) error

	// Completed returns the highest value known to be reached.
	Completed() uint64
}

// HeapMemory is the physical memory behind a streaming heap.
type HeapMemory interface {
	// NumPages returns the capacity in tiles.
	NumPages() uint32

	// WritePage copies tile data into a page.
	WritePage(page uint32, data []byte) error

	// Destroy releases the memory.
	Destroy()
}

// Texture is a sparse texture with its feedback map.
type Texture interface {
	// Desc returns the description the texture was created with.
	Desc() TextureDesc

	// WritePackedMips uploads the packed mip blob.
	WritePackedMips(data []byte) error

	// UpdateTileMappings maps each coordinate to a heap page, or unmaps
	// it when the page is NoPage.
	UpdateTileMappings(heap HeapMemory, coords []tile.Coord, pages []uint32) error

	// ReadFeedback copies the feedback resolved into a frame slot.
	// dst holds one min-mip value per mip 0 tile.
	ReadFeedback(slot int, dst []uint8) error

	// Destroy releases the texture.
	Destroy()
}

// Buffer is a GPU buffer written by the CPU.
type Buffer interface {
	Size() int
	Write(offset int, data []byte) error
	Destroy()
}

// CommandList records GPU commands for one frame slot at a time.
type CommandList interface {
	// Reset reopens the list using the allocator of the given slot.
	Reset(slot int) error

	// SetDescriptorHeap binds the host descriptor heap.
	SetDescriptorHeap(heap DescriptorHeap)

	// ResourceBarrier records a batch of barriers as a single call.
	ResourceBarrier(barriers []Barrier)

	// ClearFeedback clears a texture's feedback map to FeedbackNotSampled.
	ClearFeedback(t Texture, view Descriptor)

	// ResolveFeedback copies a texture's feedback map into the readback
	// buffer of a slot.
	ResolveFeedback(t Texture, slot int)

	// CopyResidency uploads the residency map for shaders.
	CopyResidency(b Buffer)

	// Close finishes recording.
	Close() error
}

// Timer measures GPU time of a span of recorded commands.
type Timer interface {
	Begin(cl CommandList, slot int)
	End(cl CommandList, slot int)

	// Elapsed returns the last measured duration of a slot.
	Elapsed(slot int) time.Duration
}

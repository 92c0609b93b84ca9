package tilestream

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/google/uuid"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/device/haldev"
	"github.com/gogpu/tilestream/internal/heap"
	"github.com/gogpu/tilestream/internal/resource"
	"github.com/gogpu/tilestream/internal/streamer"
	"github.com/gogpu/tilestream/internal/uploader"
)

const (
	// DefaultSwapChainBufferCount is the frame ring depth used when
	// ManagerDesc.SwapChainBufferCount is zero.
	DefaultSwapChainBufferCount = 2

	// MaxSwapChainBufferCount is the deepest supported frame ring.
	MaxSwapChainBufferCount = 4
)

// cpuTimeWindow is the number of feedback cycles averaged by
// CPUProcessFeedbackTime.
const cpuTimeWindow = 32

// ManagerDesc describes a Manager.
type ManagerDesc struct {
	// Device creates the GPU objects. The host owns it.
	Device device.Device

	// SwapChainBufferCount is the number of frames in flight, 1..4.
	// Zero selects DefaultSwapChainBufferCount.
	SwapChainBufferCount int

	// UseDirectStorage selects the accelerated file streamer.
	UseDirectStorage bool
}

// CommandLists are the per-frame command lists returned by EndFrame.
// Submit BeforeDraw, then the draws that sample streamed textures, then
// AfterDraw.
type CommandLists struct {
	BeforeDraw device.CommandList
	AfterDraw  device.CommandList
}

// readback is feedback resolved during one frame, readable once the frame
// fence reaches fence.
type readback struct {
	fence     uint64
	slot      int
	resources []*resource.Resource
}

// Manager streams tiles of sparse textures driven by sampler feedback.
//
// BeginFrame, QueueFeedback, EndFrame and every method that creates,
// destroys or reconfigures streaming objects must be called from one
// goroutine, the render thread. The Total* counters, CPUProcessFeedbackTime,
// GPUStreamingTime and TotalTileCopyLatency may be read from any goroutine.
type Manager struct {
	opts       options
	dev        device.Device
	ownsDevice bool
	session    string

	numSlots   int
	fence      device.Fence
	fenceValue uint64
	slot       int
	before     device.CommandList
	after      device.CommandList
	timer      device.Timer

	withinFrame bool
	closed      bool

	// Within-frame state.
	queued      []*Resource
	preResolve  []device.Barrier
	postResolve []device.Barrier

	// Feedback resolved by the previous frame.
	lastQueued []*resource.Resource
	lastSlot   int

	// Streaming objects. Mutated only while background goroutines are
	// stopped.
	heaps            []*Heap
	resources        []*Resource
	nextID           uint64
	resourcesChanged bool
	residency        device.Buffer

	uploader      *uploader.Uploader
	direct        bool
	streamerSwaps int
	capture       bool
	mode          VisualizationMode

	// Feedback goroutine.
	fbMu      sync.Mutex
	readbacks []readback
	running   bool
	stop      chan struct{}
	wake      chan struct{}
	wg        sync.WaitGroup

	fbTime   atomic.Int64
	fbCycles atomic.Int64

	// Rolling CPU feedback time, updated by BeginFrame.
	cpuSamples   [cpuTimeWindow]time.Duration
	cpuNext      int
	cpuFilled    int
	cpuLastTime  int64
	cpuLastCount int64
	cpuAverage   atomic.Int64
}

// New creates a Manager.
func New(desc ManagerDesc, opts ...Option) (*Manager, error) {
	if desc.Device == nil {
		return nil, ErrNoDevice
	}
	numSlots := desc.SwapChainBufferCount
	if numSlots == 0 {
		numSlots = DefaultSwapChainBufferCount
	}
	if numSlots < 1 || numSlots > MaxSwapChainBufferCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSwapChainBufferCount, desc.SwapChainBufferCount)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	before, err := desc.Device.CreateCommandList("tilestream before-draw", numSlots)
	if err != nil {
		return nil, fmt.Errorf("tilestream: create command list: %w", err)
	}
	after, err := desc.Device.CreateCommandList("tilestream after-draw", numSlots)
	if err != nil {
		return nil, fmt.Errorf("tilestream: create command list: %w", err)
	}
	timer, err := desc.Device.CreateTimer(numSlots)
	if err != nil {
		return nil, fmt.Errorf("tilestream: create timer: %w", err)
	}

	m := &Manager{
		opts:       o,
		dev:        desc.Device,
		session:    uuid.NewString(),
		numSlots:   numSlots,
		fence:      desc.Device.FrameFence(),
		fenceValue: desc.Device.FrameFence().Completed() + 1,
		before:     before,
		after:      after,
		timer:      timer,
		direct:     desc.UseDirectStorage,
	}
	m.uploader = uploader.New(m.newStreamer(desc.UseDirectStorage),
		uploader.WithMaxInFlight(o.maxInFlight),
		uploader.WithMaxBatch(o.maxBatch),
		uploader.WithPollInterval(o.poll),
	)
	m.logger().Info("tilestream: manager created", "slots", numSlots, "direct", desc.UseDirectStorage)
	return m, nil
}

// NewFromProvider creates a Manager on the HAL device of a host
// application. The Manager owns the device wrapper and closes it in Close.
func NewFromProvider(provider gpucontext.DeviceProvider, desc ManagerDesc, opts ...Option) (*Manager, error) {
	dev, err := haldev.FromProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("tilestream: %w", err)
	}
	desc.Device = dev
	m, err := New(desc, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	m.ownsDevice = true
	return m, nil
}

// Session returns the unique id of this Manager, recorded in logs and
// trace files.
func (m *Manager) Session() string { return m.session }

// logger returns the package logger tagged with the session id.
func (m *Manager) logger() *slog.Logger {
	return Logger().With("session", m.session)
}

func (m *Manager) newStreamer(direct bool) streamer.Streamer {
	opts := []streamer.Option{
		streamer.WithWorkers(m.opts.workers),
		streamer.WithTraceDir(m.opts.traceDir),
		streamer.WithSession(m.session),
	}
	var s streamer.Streamer
	if direct {
		s = streamer.NewAccelerated(opts...)
	} else {
		s = streamer.NewReference(opts...)
	}
	s.CaptureTrace(m.capture)
	s.SetVisualizationMode(streamer.Mode(m.mode))
	return s
}

// =============================================================================
// Frame lifecycle
// =============================================================================

// BeginFrame starts a frame. It panics when called twice without EndFrame.
//
// descriptors is the host descriptor heap bound on the before-draw list. minMip
// is the descriptor the residency map view is written to whenever the set
// of streaming resources changes.
func (m *Manager) BeginFrame(descriptors device.DescriptorHeap, minMip device.Descriptor) {
	if m.withinFrame {
		panic("tilestream: BeginFrame called twice without EndFrame")
	}
	if m.closed {
		panic("tilestream: BeginFrame on closed manager")
	}
	m.withinFrame = true

	if m.resourcesChanged {
		m.allocateResidencyMap(minMip)
	}
	m.start()

	// The signal follows the previous frame's command lists on the queue,
	// so reaching it means that frame's feedback is resolved.
	if err := m.fence.Signal(m.fenceValue); err != nil {
		panic(fmt.Sprintf("tilestream: signal frame fence: %v", err))
	}
	if len(m.lastQueued) > 0 {
		m.fbMu.Lock()
		m.readbacks = append(m.readbacks, readback{fence: m.fenceValue, slot: m.lastSlot, resources: m.lastQueued})
		m.fbMu.Unlock()
		m.lastQueued = nil
	}
	m.fenceValue++
	m.slot = int(m.fenceValue % uint64(m.numSlots)) //nolint:gosec // numSlots <= 4

	if err := m.before.Reset(m.slot); err != nil {
		panic(fmt.Sprintf("tilestream: reset before-draw list: %v", err))
	}
	if err := m.after.Reset(m.slot); err != nil {
		panic(fmt.Sprintf("tilestream: reset after-draw list: %v", err))
	}
	m.before.SetDescriptorHeap(descriptors)

	m.sampleCPUTime()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// QueueFeedback registers that r was sampled with feedback this frame.
// The feedback map is cleared before the draws and resolved after them.
// Queuing a resource twice in one frame has no further effect.
func (m *Manager) QueueFeedback(r *Resource, feedback device.Descriptor) {
	if !m.withinFrame {
		panic("tilestream: QueueFeedback called outside a frame")
	}
	if r == nil || r.m != m || r.destroyed {
		panic("tilestream: QueueFeedback with a foreign or destroyed resource")
	}
	if r.queuedFrame == m.fenceValue {
		return
	}
	r.queuedFrame = m.fenceValue
	m.queued = append(m.queued, r)

	tex := r.res.Texture()
	r.res.ClearFeedback(m.before, feedback)
	m.preResolve = append(m.preResolve,
		device.Transition(tex, device.SubjectFeedback, device.StateUnorderedAccess, device.StateResolveSource))
	m.postResolve = append(m.postResolve,
		device.Transition(tex, device.SubjectFeedback, device.StateResolveSource, device.StateUnorderedAccess))
}

// EndFrame finishes the frame's command lists and returns them. It
// panics when not within a frame.
func (m *Manager) EndFrame() CommandLists {
	if !m.withinFrame {
		panic("tilestream: EndFrame called without BeginFrame")
	}

	// Before-draw: aliasing barriers, packed mip transitions and the
	// residency map, each batch in a single call.
	if m.opts.aliasingBarriers && len(m.resources) > 0 {
		aliasing := make([]device.Barrier, 0, len(m.resources))
		for _, r := range m.resources {
			aliasing = append(aliasing, device.Aliasing(r.res.Texture()))
		}
		m.before.ResourceBarrier(aliasing)
	}
	var packed []device.Barrier
	for _, r := range m.resources {
		if r.res.PackedMipsNeedTransition() {
			packed = append(packed, device.Transition(r.res.Texture(), device.SubjectTexture,
				device.StateCommon, device.StatePixelShaderResource))
		}
	}
	if len(packed) > 0 {
		m.before.ResourceBarrier(packed)
	}
	if m.residency != nil {
		for _, r := range m.resources {
			if err := m.residency.Write(r.residencyOffset, r.res.ResidencyMap()); err != nil {
				panic(fmt.Sprintf("tilestream: write residency map: %v", err))
			}
		}
		m.before.CopyResidency(m.residency)
	}
	if err := m.before.Close(); err != nil {
		panic(fmt.Sprintf("tilestream: close before-draw list: %v", err))
	}

	// After-draw: every feedback resolve between two barrier calls.
	m.timer.Begin(m.after, m.slot)
	if len(m.queued) > 0 {
		m.after.ResourceBarrier(m.preResolve)
		for _, r := range m.queued {
			r.res.ResolveFeedback(m.after, m.slot)
		}
		m.after.ResourceBarrier(m.postResolve)
	}
	m.timer.End(m.after, m.slot)
	if err := m.after.Close(); err != nil {
		panic(fmt.Sprintf("tilestream: close after-draw list: %v", err))
	}

	if len(m.queued) > 0 {
		m.lastQueued = make([]*resource.Resource, len(m.queued))
		for i, r := range m.queued {
			m.lastQueued[i] = r.res
		}
	}
	m.lastSlot = m.slot
	m.queued = nil
	m.preResolve = nil
	m.postResolve = nil
	m.withinFrame = false

	return CommandLists{BeforeDraw: m.before, AfterDraw: m.after}
}

// allocateResidencyMap lays out one byte per mip 0 tile of every resource
// and recreates the shared residency buffer.
func (m *Manager) allocateResidencyMap(view device.Descriptor) {
	if m.residency != nil {
		m.residency.Destroy()
		m.residency = nil
	}
	size := 0
	for _, r := range m.resources {
		r.residencyOffset = size
		w, h := r.res.Layout().FeedbackSize()
		size += int(w * h)
	}
	m.resourcesChanged = false
	if size == 0 {
		return
	}
	buf, err := m.dev.CreateResidencyMap(size, view)
	if err != nil {
		panic(fmt.Sprintf("tilestream: create residency map: %v", err))
	}
	m.residency = buf
}

// =============================================================================
// Background goroutines
// =============================================================================

// targets returns the uploader view of the resource set.
func (m *Manager) targets() []uploader.Target {
	out := make([]uploader.Target, len(m.resources))
	for i, r := range m.resources {
		out[i] = r.target()
	}
	return out
}

func (m *Manager) start() {
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wake = make(chan struct{}, 1)
	m.uploader.Start(m.targets())

	m.wg.Add(1)
	go m.feedbackLoop(m.stop, m.wake)
}

// Finish stops the background goroutines and waits until every
// in-flight tile copy is retired. They restart with the next BeginFrame.
func (m *Manager) Finish() {
	if m.running {
		close(m.stop)
		m.wg.Wait()
		m.running = false
	}
	m.uploader.Stop()
}

func (m *Manager) feedbackLoop(stop <-chan struct{}, wake <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-wake:
		case <-ticker.C:
		}
		if m.processFeedback() {
			m.uploader.Wake()
		}
	}
}

// processFeedback reads back the feedback of every completed frame and
// turns it into pending tile work. It reports whether anything was read.
func (m *Manager) processFeedback() bool {
	completed := m.fence.Completed()

	m.fbMu.Lock()
	n := 0
	for n < len(m.readbacks) && m.readbacks[n].fence <= completed {
		n++
	}
	ready := slices.Clone(m.readbacks[:n])
	m.readbacks = slices.Delete(m.readbacks, 0, n)
	m.fbMu.Unlock()

	if len(ready) == 0 {
		return false
	}

	start := time.Now()
	for _, rb := range ready {
		for _, r := range rb.resources {
			if err := r.ReadbackFeedback(rb.slot); err != nil {
				m.logger().Error("tilestream: feedback readback", "slot", rb.slot, "err", err)
			}
		}
	}
	m.fbTime.Add(int64(time.Since(start)))
	m.fbCycles.Add(1)
	return true
}

// forgetReadbacks drops pending readbacks of a resource.
func (m *Manager) forgetReadbacks(r *resource.Resource) {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	for i := range m.readbacks {
		m.readbacks[i].resources = slices.DeleteFunc(slices.Clone(m.readbacks[i].resources),
			func(x *resource.Resource) bool { return x == r })
	}
	m.lastQueued = slices.DeleteFunc(m.lastQueued, func(x *resource.Resource) bool { return x == r })
}

// sampleCPUTime folds the feedback cycles since the last frame into the
// rolling average.
func (m *Manager) sampleCPUTime() {
	total, count := m.fbTime.Load(), m.fbCycles.Load()
	if count == m.cpuLastCount {
		return
	}
	sample := time.Duration((total - m.cpuLastTime) / (count - m.cpuLastCount))
	m.cpuLastTime, m.cpuLastCount = total, count

	m.cpuSamples[m.cpuNext] = sample
	m.cpuNext = (m.cpuNext + 1) % cpuTimeWindow
	m.cpuFilled = min(m.cpuFilled+1, cpuTimeWindow)

	var sum time.Duration
	for _, s := range m.cpuSamples[:m.cpuFilled] {
		sum += s
	}
	m.cpuAverage.Store(int64(sum) / int64(m.cpuFilled))
}

// =============================================================================
// Streaming objects
// =============================================================================

// CreateStreamingHeap creates a heap of capacity tile pages.
func (m *Manager) CreateStreamingHeap(capacity uint32) (*Heap, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if capacity == 0 {
		return nil, ErrInvalidCapacity
	}
	mem, err := m.dev.CreateHeap(capacity)
	if err != nil {
		return nil, fmt.Errorf("tilestream: create heap of %d pages: %w", capacity, err)
	}
	h := &Heap{m: m, h: heap.New(capacity, mem)}
	m.heaps = append(m.heaps, h)
	m.logger().Debug("tilestream: heap created", "pages", capacity)
	return h, nil
}

// CreateStreamingResource opens a tsf file and creates a streamed texture
// backed by h. It returns once the packed mips are resident. It panics
// within a frame.
func (m *Manager) CreateStreamingResource(filename string, h *Heap) (*Resource, error) {
	if m.withinFrame {
		panic("tilestream: CreateStreamingResource called within a frame")
	}
	if m.closed {
		return nil, ErrClosed
	}
	if h == nil || h.m != m || h.destroyed {
		return nil, ErrForeignHandle
	}
	m.Finish()

	fh, err := m.uploader.Streamer().OpenFile(filename)
	if err != nil {
		return nil, fmt.Errorf("tilestream: create streaming resource: %w", err)
	}
	tex, err := m.dev.CreateTexture(device.TextureDesc{
		Label:    filepath.Base(filename),
		Layout:   fh.Layout(),
		NumSlots: m.numSlots,
	})
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("tilestream: create texture for %s: %w", filename, err)
	}

	m.nextID++
	r := &Resource{m: m, res: resource.New(m.nextID, fh, tex), heap: h, filename: filename}
	if err := m.uploader.LoadPackedMips([]uploader.Target{r.target()}); err != nil {
		tex.Destroy()
		_ = fh.Close()
		return nil, fmt.Errorf("tilestream: load packed mips of %s: %w", filename, err)
	}

	m.resources = append(m.resources, r)
	m.resourcesChanged = true
	h.users++
	m.logger().Debug("tilestream: resource created", "id", r.ID(), "file", fh.Name(),
		"tiles", fh.Layout().NumTiles(), "packed", fh.Layout().NumPackedMips())
	return r, nil
}

// releaseResource frees everything a resource holds. Background
// goroutines must be stopped.
func (m *Manager) releaseResource(r *Resource) error {
	m.forgetReadbacks(r.res)
	err := m.uploader.Evict(r.target(), r.res.ClearAllocations())
	r.heap.h.FreeResource(r.res.ID())
	r.res.Texture().Destroy()
	if cerr := r.res.File().Close(); err == nil {
		err = cerr
	}
	r.heap.users--
	r.destroyed = true
	return err
}

// UseDirectStorage selects the accelerated file streamer when enable is
// set and the reference streamer otherwise. Existing resources reopen
// their files on the new streamer. It panics within a frame.
func (m *Manager) UseDirectStorage(enable bool) error {
	if m.withinFrame {
		panic("tilestream: UseDirectStorage called within a frame")
	}
	if m.closed {
		return ErrClosed
	}
	if enable == m.direct {
		return nil
	}
	m.Finish()

	next := m.newStreamer(enable)
	handles := make([]*streamer.FileHandle, 0, len(m.resources))
	for _, r := range m.resources {
		fh, err := next.OpenFile(r.filename)
		if err != nil {
			_ = next.Close()
			return fmt.Errorf("tilestream: rebind %s: %w", r.filename, err)
		}
		handles = append(handles, fh)
	}
	old, err := m.uploader.SetStreamer(next)
	if err != nil {
		_ = next.Close()
		return fmt.Errorf("tilestream: swap streamer: %w", err)
	}
	for i, r := range m.resources {
		if err := r.res.SetFile(handles[i]); err != nil {
			m.logger().Warn("tilestream: close previous file handle", "file", r.filename, "err", err)
		}
	}
	m.direct = enable
	m.streamerSwaps++
	m.logger().Info("tilestream: file streamer swapped", "direct", enable, "resources", len(m.resources))

	if err := old.Close(); err != nil {
		return fmt.Errorf("tilestream: close previous streamer: %w", err)
	}
	return nil
}

// SetVisualizationMode selects the data streamed into tiles. Changing the
// mode evicts every tile so the whole working set streams again. It
// panics within a frame.
func (m *Manager) SetVisualizationMode(mode VisualizationMode) {
	if m.withinFrame {
		panic("tilestream: SetVisualizationMode called within a frame")
	}
	if m.closed {
		return
	}
	m.Finish()
	for _, r := range m.resources {
		if err := m.uploader.Evict(r.target(), r.res.ClearAllocations()); err != nil {
			m.logger().Error("tilestream: evict for visualization change", "resource", r.ID(), "err", err)
		}
	}
	m.mode = mode
	m.uploader.Streamer().SetVisualizationMode(streamer.Mode(mode))
}

// CaptureTraceFile starts or stops recording tile copy requests. The
// trace is written when the active streamer closes, on Close or when
// UseDirectStorage swaps streamers. It panics within a frame.
func (m *Manager) CaptureTraceFile(enable bool) {
	if m.withinFrame {
		panic("tilestream: CaptureTraceFile called within a frame")
	}
	m.capture = enable
	m.uploader.Streamer().CaptureTrace(enable)
}

// Close stops background work, destroys every resource and heap and
// closes the file streamer, which writes the trace file when capturing.
// It panics within a frame. Close is safe to call more than once.
func (m *Manager) Close() error {
	if m.withinFrame {
		panic("tilestream: Close called within a frame")
	}
	if m.closed {
		return nil
	}
	m.Finish()

	var firstErr error
	for _, r := range m.resources {
		if err := m.releaseResource(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.resources = nil
	for _, h := range m.heaps {
		h.h.Destroy()
		h.destroyed = true
	}
	m.heaps = nil
	if m.residency != nil {
		m.residency.Destroy()
		m.residency = nil
	}
	if err := m.uploader.Streamer().Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.ownsDevice {
		m.dev.Close()
	}
	m.closed = true
	m.logger().Info("tilestream: manager closed", "uploads", m.TotalNumUploads(), "evictions", m.TotalNumEvictions())
	return firstErr
}

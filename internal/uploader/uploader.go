// Package uploader moves tiles between files and heaps.
//
// Each cycle the Uploader collects pending work from every target:
// evictions first (unmap and free the page), then loads (reserve a page,
// queue a copy), then one streamer submission for the whole batch. The
// submission becomes an update list on a FIFO. A monitor goroutine polls
// the streamer's fence and retires lists strictly in FIFO order: pages of
// successful copies are bound and mapped and the tiles become resident;
// pages of failed copies are freed and the tiles return to NotResident.
//
// The Uploader is the only writer of heap bindings.
package uploader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/heap"
	"github.com/gogpu/tilestream/internal/resource"
	"github.com/gogpu/tilestream/internal/streamer"
	"github.com/gogpu/tilestream/internal/tile"
)

// ErrBusy is returned when an operation needs an idle uploader.
var ErrBusy = errors.New("uploader: update lists in flight")

// Resource is the part of a streaming resource the uploader drives.
// *resource.Resource implements it.
type Resource interface {
	ID() uint64
	File() *streamer.FileHandle
	Texture() device.Texture
	TakeEvictions() []resource.Eviction
	TakeLoads(limit int, alloc func() (uint32, bool)) ([]resource.Load, bool)
	NotifyLoaded(c tile.Coord, page uint32) bool
	NotifyFailed(c tile.Coord)
	PackedMipsRequest() streamer.Request
	NotifyPackedMipsLoaded()
}

// Target pairs a resource with the heap that backs it.
type Target struct {
	Resource Resource
	Heap     *heap.Heap
}

// Option configures an Uploader.
type Option func(*options)

type options struct {
	maxInFlight int
	maxBatch    int
	poll        time.Duration
}

// WithMaxInFlight caps the number of tile copies submitted and not yet
// retired.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithMaxBatch caps the number of tile copies in one submission.
func WithMaxBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithPollInterval sets how often the monitor polls the streamer fence.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// entry is one copy of an update list.
type entry struct {
	target Target
	coord  tile.Coord
	page   uint32
	packed bool
}

// updateList is one streamer submission and what to do when it retires.
type updateList struct {
	streamer streamer.Streamer
	sub      *streamer.Submission
	entries  []entry
	errs     []error
}

// Stats contains uploader counters.
type Stats struct {
	Uploads       uint64
	Evictions     uint64
	Submits       uint64
	Failed        uint64
	InFlight      int
	CopyLatency   time.Duration
	StreamingTime time.Duration
}

// String returns a compact summary.
func (s Stats) String() string {
	return fmt.Sprintf("Uploader[%d uploads, %d evictions, %d submits, %d failed, %d in flight]",
		s.Uploads, s.Evictions, s.Submits, s.Failed, s.InFlight)
}

// Uploader batches tile copies and retires them in order.
//
// Uploader is safe for concurrent use.
type Uploader struct {
	opts options

	mu       sync.Mutex
	streamer streamer.Streamer
	fifo     []*updateList
	inFlight int
	busyEnd  time.Time

	uploads   atomic.Uint64
	evictions atomic.Uint64
	submits   atomic.Uint64
	failed    atomic.Uint64
	latency   atomic.Int64
	streaming atomic.Int64

	// Background loops. Guarded by runMu.
	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New creates an uploader that copies through s.
func New(s streamer.Streamer, opts ...Option) *Uploader {
	o := options{maxInFlight: 512, maxBatch: 128, poll: time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return &Uploader{opts: o, streamer: s}
}

// Streamer returns the active streamer.
func (u *Uploader) Streamer() streamer.Streamer {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.streamer
}

// SetStreamer replaces the active streamer and returns the previous one.
// The uploader must be stopped and drained.
func (u *Uploader) SetStreamer(s streamer.Streamer) (streamer.Streamer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.fifo) > 0 {
		return nil, ErrBusy
	}
	old := u.streamer
	u.streamer = s
	return old, nil
}

// Start launches the submit loop and the fence monitor over targets.
// The target set must not change until Stop returns.
func (u *Uploader) Start(targets []Target) {
	u.runMu.Lock()
	defer u.runMu.Unlock()
	if u.running {
		return
	}
	u.running = true
	u.stop = make(chan struct{})
	u.wake = make(chan struct{}, 1)

	u.wg.Add(2)
	go u.submitLoop(targets, u.stop, u.wake)
	go u.monitorLoop(u.stop, u.wake)
}

// Wake asks the submit loop to run a cycle. It never blocks.
func (u *Uploader) Wake() {
	u.runMu.Lock()
	defer u.runMu.Unlock()
	if !u.running {
		return
	}
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Stop stops the background loops and retires every in-flight update
// list. Stop is safe to call when not running.
func (u *Uploader) Stop() {
	u.runMu.Lock()
	if u.running {
		close(u.stop)
		u.running = false
	}
	u.runMu.Unlock()

	u.wg.Wait()
	u.Drain()
}

// Running reports whether the background loops are active.
func (u *Uploader) Running() bool {
	u.runMu.Lock()
	defer u.runMu.Unlock()
	return u.running
}

func (u *Uploader) submitLoop(targets []Target, stop <-chan struct{}, wake <-chan struct{}) {
	defer u.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		if _, err := u.Cycle(targets); err != nil {
			slogger().Error("uploader: cycle failed", "err", err)
		}
	}
}

func (u *Uploader) monitorLoop(stop <-chan struct{}, wake chan<- struct{}) {
	defer u.wg.Done()
	ticker := time.NewTicker(u.opts.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if u.Retire() > 0 {
			// Retired lists freed budget and pages for pending adds.
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// Cycle runs one batching cycle over targets and returns the number of
// tile copies submitted. Evictions are applied before pages are reserved,
// so pages freed in this cycle can serve its loads. Adds that find their
// heap full stay pending.
func (u *Uploader) Cycle(targets []Target) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if evs := t.Resource.TakeEvictions(); len(evs) > 0 {
			if err := u.evict(t, evs); err != nil {
				errs = append(errs, err)
			}
		}
	}

	budget := min(u.opts.maxInFlight-u.inFlight, u.opts.maxBatch)
	list := &updateList{streamer: u.streamer}
	var reqs []streamer.Request
	for _, t := range targets {
		if len(reqs) >= budget {
			break
		}
		loads, full := t.Resource.TakeLoads(budget-len(reqs), t.Heap.Allocate)
		if full {
			slogger().Debug("uploader: heap full", "resource", t.Resource.ID())
		}
		file := t.Resource.File()
		for _, ld := range loads {
			list.entries = append(list.entries, entry{target: t, coord: ld.Coord, page: ld.Page})
			reqs = append(reqs, streamer.Request{
				File:     file,
				Coord:    ld.Coord,
				Resource: t.Resource.ID(),
				Dest:     streamer.PageDest{Mem: t.Heap.Memory(), Page: ld.Page},
			})
		}
	}
	if len(reqs) == 0 {
		return 0, errors.Join(errs...)
	}

	if err := u.submit(list, reqs); err != nil {
		for _, e := range list.entries {
			e.target.Heap.Free(e.page)
			e.target.Resource.NotifyFailed(e.coord)
		}
		errs = append(errs, err)
		return 0, errors.Join(errs...)
	}
	return len(reqs), errors.Join(errs...)
}

// submit hands a batch to the streamer and queues its update list.
// Caller holds u.mu.
func (u *Uploader) submit(list *updateList, reqs []streamer.Request) error {
	sub, err := u.streamer.Submit(reqs)
	if err != nil {
		return fmt.Errorf("uploader: submit %d copies: %w", len(reqs), err)
	}
	list.sub = sub
	list.errs = make([]error, len(reqs))
	u.fifo = append(u.fifo, list)
	u.inFlight += len(reqs)
	u.submits.Add(1)
	return nil
}

// evict unmaps tiles and frees their pages.
func (u *Uploader) evict(t Target, evs []resource.Eviction) error {
	coords := make([]tile.Coord, len(evs))
	pages := make([]uint32, len(evs))
	for i, ev := range evs {
		coords[i] = ev.Coord
		pages[i] = device.NoPage
	}

	var err error
	if tex := t.Resource.Texture(); tex != nil {
		if err = tex.UpdateTileMappings(t.Heap.Memory(), coords, pages); err != nil {
			err = fmt.Errorf("uploader: unmap %d tiles of resource %d: %w", len(evs), t.Resource.ID(), err)
		}
	}
	for _, ev := range evs {
		t.Heap.Free(ev.Page)
	}
	u.evictions.Add(uint64(len(evs)))
	return err
}

// Evict unmaps tiles taken from a resource outside the batching cycle
// and frees their pages.
func (u *Uploader) Evict(t Target, evs []resource.Eviction) error {
	if len(evs) == 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.evict(t, evs)
}

// Retire retires completed update lists in FIFO order and returns how
// many were retired. It stops at the first incomplete list.
func (u *Uploader) Retire() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := 0
	for len(u.fifo) > 0 {
		l := u.fifo[0]
		if !l.streamer.Completed(l.sub.FenceValue) {
			break
		}
		u.retire(l)
		u.fifo[0] = nil
		u.fifo = u.fifo[1:]
		u.inFlight -= len(l.entries)
		n++
	}
	return n
}

// retire applies the results of a completed list. Caller holds u.mu.
func (u *Uploader) retire(l *updateList) {
	now := time.Now()
	start := l.sub.Submitted
	if u.busyEnd.After(start) {
		start = u.busyEnd
	}
	if now.After(start) {
		u.streaming.Add(int64(now.Sub(start)))
	}
	u.busyEnd = now

	type mapping struct {
		target Target
		idx    []int
	}
	var groups []*mapping
	byResource := make(map[Resource]*mapping)

	for i, e := range l.entries {
		if err := l.sub.Errs[i]; err != nil {
			l.errs[i] = err
			u.failed.Add(1)
			if e.packed {
				continue
			}
			e.target.Heap.Free(e.page)
			e.target.Resource.NotifyFailed(e.coord)
			continue
		}
		u.latency.Add(int64(now.Sub(l.sub.Submitted)))
		if e.packed {
			e.target.Resource.NotifyPackedMipsLoaded()
			continue
		}
		g := byResource[e.target.Resource]
		if g == nil {
			g = &mapping{target: e.target}
			byResource[e.target.Resource] = g
			groups = append(groups, g)
		}
		g.idx = append(g.idx, i)
	}

	for _, g := range groups {
		u.commit(l, g.target, g.idx)
	}
}

// commit maps the loaded tiles of one resource, marks them resident and
// binds their pages. Caller holds u.mu.
func (u *Uploader) commit(l *updateList, t Target, idx []int) {
	coords := make([]tile.Coord, len(idx))
	pages := make([]uint32, len(idx))
	for k, i := range idx {
		coords[k] = l.entries[i].coord
		pages[k] = l.entries[i].page
	}
	if tex := t.Resource.Texture(); tex != nil {
		if err := tex.UpdateTileMappings(t.Heap.Memory(), coords, pages); err != nil {
			slogger().Error("uploader: map tiles", "resource", t.Resource.ID(), "err", err)
			for k, i := range idx {
				l.errs[i] = err
				t.Heap.Free(pages[k])
				t.Resource.NotifyFailed(coords[k])
			}
			u.failed.Add(uint64(len(idx)))
			return
		}
	}

	var stale []int
	for k := range idx {
		if !t.Resource.NotifyLoaded(coords[k], pages[k]) {
			stale = append(stale, k)
			continue
		}
		if err := t.Heap.Bind(pages[k], heap.Binding{Resource: t.Resource.ID(), Coord: coords[k]}); err != nil {
			slogger().Error("uploader: bind page", "page", pages[k], "err", err)
		}
		u.uploads.Add(1)
	}
	if len(stale) == 0 {
		return
	}

	unmap := make([]tile.Coord, len(stale))
	none := make([]uint32, len(stale))
	for j, k := range stale {
		unmap[j] = coords[k]
		none[j] = device.NoPage
		t.Heap.Free(pages[k])
	}
	if tex := t.Resource.Texture(); tex != nil {
		if err := tex.UpdateTileMappings(t.Heap.Memory(), unmap, none); err != nil {
			slogger().Error("uploader: unmap stale tiles", "resource", t.Resource.ID(), "err", err)
		}
	}
}

// Drain polls until every in-flight update list is retired.
func (u *Uploader) Drain() {
	for {
		u.Retire()
		u.mu.Lock()
		empty := len(u.fifo) == 0
		u.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(u.opts.poll)
	}
}

// LoadPackedMips loads the packed mips of every resource in one
// submission and waits until they are resident. The returned error joins
// the failed copies. The background loops must be stopped.
func (u *Uploader) LoadPackedMips(targets []Target) error {
	if len(targets) == 0 {
		return nil
	}

	u.mu.Lock()
	list := &updateList{streamer: u.streamer}
	reqs := make([]streamer.Request, 0, len(targets))
	for _, t := range targets {
		list.entries = append(list.entries, entry{target: t, packed: true})
		reqs = append(reqs, t.Resource.PackedMipsRequest())
	}
	err := u.submit(list, reqs)
	u.mu.Unlock()
	if err != nil {
		return err
	}

	u.Drain()
	for i, err := range list.errs {
		if err != nil {
			list.errs[i] = fmt.Errorf("uploader: packed mips of resource %d: %w",
				list.entries[i].target.Resource.ID(), err)
		}
	}
	return errors.Join(list.errs...)
}

// InFlight returns the number of tile copies submitted and not retired.
func (u *Uploader) InFlight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inFlight
}

// Stats returns the uploader counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploads:       u.uploads.Load(),
		Evictions:     u.evictions.Load(),
		Submits:       u.submits.Load(),
		Failed:        u.failed.Load(),
		InFlight:      u.InFlight(),
		CopyLatency:   time.Duration(u.latency.Load()),
		StreamingTime: time.Duration(u.streaming.Load()),
	}
}

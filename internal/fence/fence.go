// Package fence provides a CPU-side monotonic completion counter.
//
// A Fence is the only synchronization primitive shared between a producer
// of asynchronous work (the copy engine, a simulated GPU queue) and its
// consumers. Consumers never wait on a fence; they poll IsComplete.
package fence

import (
	"sync"
	"sync/atomic"
)

// Fence is a monotonically increasing completion counter.
//
// Fence is safe for concurrent use.
type Fence struct {
	completed atomic.Uint64
}

// New creates a fence whose completed value starts at initial.
func New(initial uint64) *Fence {
	f := &Fence{}
	f.completed.Store(initial)
	return f
}

// Signal raises the completed value to v. Values lower than the current
// completed value are ignored, so the counter never decreases.
func (f *Fence) Signal(v uint64) {
	for {
		cur := f.completed.Load()
		if v <= cur {
			return
		}
		if f.completed.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Completed returns the highest value signaled so far.
func (f *Fence) Completed() uint64 {
	return f.completed.Load()
}

// IsComplete reports whether work tagged with v has completed.
func (f *Fence) IsComplete(v uint64) bool {
	return v <= f.completed.Load()
}

// Sequencer hands out fence values and signals a Fence strictly in order,
// even when the work tagged with those values finishes out of order.
//
// Sequencer is safe for concurrent use.
type Sequencer struct {
	fence *Fence
	next  atomic.Uint64

	mu      sync.Mutex
	last    uint64
	pending map[uint64]struct{}
}

// NewSequencer creates a sequencer driving f. The first value handed out
// is f.Completed()+1.
func NewSequencer(f *Fence) *Sequencer {
	s := &Sequencer{
		fence:   f,
		last:    f.Completed(),
		pending: make(map[uint64]struct{}),
	}
	s.next.Store(s.last + 1)
	return s
}

// Fence returns the fence driven by the sequencer.
func (s *Sequencer) Fence() *Fence { return s.fence }

// Next reserves the next fence value.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1) - 1
}

// Done marks the work tagged with v as finished. The fence advances past v
// once every earlier value has been marked done as well.
func (s *Sequencer) Done(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[v] = struct{}{}
	for {
		if _, ok := s.pending[s.last+1]; !ok {
			break
		}
		delete(s.pending, s.last+1)
		s.last++
	}
	s.fence.Signal(s.last)
}

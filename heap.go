package tilestream

import (
	"github.com/gogpu/tilestream/internal/heap"
)

// HeapStats holds page counts of a streaming heap.
type HeapStats = heap.Stats

// Heap is a pool of tile pages shared by streaming resources.
//
// A Heap is owned by the Manager that created it.
type Heap struct {
	m         *Manager
	h         *heap.Heap
	users     int
	destroyed bool
}

// Capacity returns the number of pages.
func (h *Heap) Capacity() uint32 { return h.h.Capacity() }

// Stats returns the current page counts. It may be called from any
// goroutine; the counts are a snapshot.
func (h *Heap) Stats() HeapStats { return h.h.Stats() }

// Destroy releases the heap memory. It fails with ErrHeapInUse while
// resources created on the heap are alive. It panics within a frame.
func (h *Heap) Destroy() error {
	if h.destroyed {
		return nil
	}
	m := h.m
	if m.withinFrame {
		panic("tilestream: Heap.Destroy called within a frame")
	}
	if h.users > 0 {
		return ErrHeapInUse
	}
	for i, x := range m.heaps {
		if x == h {
			m.heaps = append(m.heaps[:i], m.heaps[i+1:]...)
			break
		}
	}
	h.h.Destroy()
	h.destroyed = true
	return nil
}

package tilestream

import (
	"fmt"
	"time"
)

// Stats is a snapshot of Manager statistics.
type Stats struct {
	Resources          int
	Uploads            uint64
	Evictions          uint64
	Submits            uint64
	FailedCopies       uint64
	TilesInFlight      int
	CPUProcessFeedback time.Duration
	GPUStreaming       time.Duration
	TileCopyLatency    time.Duration
	GPU                time.Duration
	Heaps              []HeapStats
}

// String returns a compact summary.
func (s Stats) String() string {
	return fmt.Sprintf("Stats[%d resources, %d uploads, %d evictions, %d submits, %d failed, %d in flight]",
		s.Resources, s.Uploads, s.Evictions, s.Submits, s.FailedCopies, s.TilesInFlight)
}

// CPUProcessFeedbackTime returns the rolling average time the feedback
// goroutine spends decoding one frame of feedback.
func (m *Manager) CPUProcessFeedbackTime() time.Duration {
	return time.Duration(m.cpuAverage.Load())
}

// GPUStreamingTime returns the total time the file streamer had tile
// copies in flight.
func (m *Manager) GPUStreamingTime() time.Duration {
	return m.uploader.Stats().StreamingTime
}

// TotalTileCopyLatency returns the sum over retired tile copies of the
// time from submission to retirement.
func (m *Manager) TotalTileCopyLatency() time.Duration {
	return m.uploader.Stats().CopyLatency
}

// GPUTime returns the GPU time of the most recent after-draw list.
func (m *Manager) GPUTime() time.Duration {
	return m.timer.Elapsed(m.slot)
}

// TotalNumUploads returns the number of tiles made resident.
func (m *Manager) TotalNumUploads() uint64 { return m.uploader.Stats().Uploads }

// TotalNumEvictions returns the number of tiles evicted.
func (m *Manager) TotalNumEvictions() uint64 { return m.uploader.Stats().Evictions }

// TotalNumSubmits returns the number of file streamer submissions.
func (m *Manager) TotalNumSubmits() uint64 { return m.uploader.Stats().Submits }

// NumStreamingResources returns the number of live resources.
func (m *Manager) NumStreamingResources() int { return len(m.resources) }

// HeapStats returns the page counts of every live heap in creation order.
func (m *Manager) HeapStats() []HeapStats {
	out := make([]HeapStats, len(m.heaps))
	for i, h := range m.heaps {
		out[i] = h.Stats()
	}
	return out
}

// Stats returns all statistics at once.
func (m *Manager) Stats() Stats {
	u := m.uploader.Stats()
	return Stats{
		Resources:          len(m.resources),
		Uploads:            u.Uploads,
		Evictions:          u.Evictions,
		Submits:            u.Submits,
		FailedCopies:       u.Failed,
		TilesInFlight:      u.InFlight,
		CPUProcessFeedback: m.CPUProcessFeedbackTime(),
		GPUStreaming:       u.StreamingTime,
		TileCopyLatency:    u.CopyLatency,
		GPU:                m.GPUTime(),
		Heaps:              m.HeapStats(),
	}
}

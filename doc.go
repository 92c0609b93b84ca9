// Package tilestream streams tiles of sparse GPU textures on demand,
// driven by sampler feedback.
//
// # Overview
//
// A texture far larger than GPU memory is stored in a tsf file as 64 KiB
// tiles plus a blob of packed small mips. Rendering samples the texture
// through a feedback-writing sampler; each frame the Manager resolves the
// feedback, decodes it on a background goroutine into tiles to load and
// tiles to evict, and streams tiles from the file into a fixed pool of
// heap pages. Shaders fall back to the finest resident mip through the
// residency map.
//
// # Quick Start
//
//	m, err := tilestream.New(tilestream.ManagerDesc{Device: dev})
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	heap, _ := m.CreateStreamingHeap(1024)
//	rock, err := m.CreateStreamingResource("rock.tsf", heap)
//	if err != nil {
//	    return err
//	}
//
//	for running {
//	    m.BeginFrame(descriptors, residencyView)
//	    m.QueueFeedback(rock, rockFeedbackView)
//	    lists := m.EndFrame()
//	    submit(lists.BeforeDraw)
//	    drawScene()
//	    submit(lists.AfterDraw)
//	}
//
// # Frame Lifecycle
//
// BeginFrame and EndFrame bracket every frame and must alternate; calling
// either out of order panics. Feedback resolved in frame N is read back
// only after the frame fence reports frame N complete, so the render
// thread never waits on streaming.
//
// Creating or destroying resources, UseDirectStorage and
// SetVisualizationMode stop the background goroutines and drain in-flight
// copies first. They panic within a frame.
//
// # Devices
//
// The Manager records into device.CommandList values and never submits
// them. internal/device/haldev drives a gogpu/wgpu HAL device (see
// NewFromProvider); internal/device/memdev keeps everything in host
// memory for tests and tools.
//
// # Diagnostics
//
// CaptureTraceFile records every tile copy request; the trace is written
// as uploadTraceFile_<N>.json when the streamer closes. See
// cmd/tracereplay. SetVisualizationMode replaces tile data with solid
// colors per mip or per tile.
package tilestream

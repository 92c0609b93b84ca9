package haldev

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// clearFeedbackWGSL writes the not-sampled marker into every feedback
// entry. Feedback buffers are padded to whole workgroups.
const clearFeedbackWGSL = `
@group(0) @binding(0) var<storage, read_write> feedback: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    feedback[id.x] = 0xffffffffu;
}
`

const clearWorkgroupSize = 64

// compileSPIRV compiles WGSL to SPIR-V words.
func compileSPIRV(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	return words, nil
}

// clearPipeline is the compute pipeline behind CommandList.ClearFeedback.
type clearPipeline struct {
	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

func newClearPipeline(device hal.Device) (*clearPipeline, error) {
	words, err := compileSPIRV(clearFeedbackWGSL)
	if err != nil {
		return nil, err
	}

	p := &clearPipeline{}
	p.shader, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "tilestream_clear_feedback",
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module: %w", err)
	}

	p.bindLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "tilestream_clear_feedback_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}

	p.pipeLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "tilestream_clear_feedback_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	p.pipeline, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "tilestream_clear_feedback_pipeline",
		Layout:  p.pipeLayout,
		Compute: hal.ComputeState{Module: p.shader, EntryPoint: "main"},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("create compute pipeline: %w", err)
	}
	return p, nil
}

func (p *clearPipeline) bindGroup(device hal.Device, label string, buf hal.Buffer, size uint64) (hal.BindGroup, error) {
	return device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  label,
		Layout: p.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size}},
		},
	})
}

func (p *clearPipeline) destroy(device hal.Device) {
	if p.pipeline != nil {
		device.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.pipeLayout != nil {
		device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.bindLayout != nil {
		device.DestroyBindGroupLayout(p.bindLayout)
		p.bindLayout = nil
	}
	if p.shader != nil {
		device.DestroyShaderModule(p.shader)
		p.shader = nil
	}
}

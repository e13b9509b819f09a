package pick

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/scene"
)

//go:embed shaders/identity.wgsl
var identityShaderSource string

// IdentityShader returns the WGSL source of the identity pass.
func IdentityShader() string { return identityShaderSource }

// uniformSize is view_proj + model + params.
const uniformSize = 64 + 64 + 16

// IDFormat is the color format of the identity target.
const IDFormat = gputypes.TextureFormatR32Uint

// DepthFormat is the depth format of the identity target.
const DepthFormat = gputypes.TextureFormatDepth24Plus

type pipelineKind int

const (
	kindMesh pipelineKind = iota
	kindBatch
	kindInstanced
	kindCount
)

var pipelineLabels = [kindCount]string{
	kindMesh:      "pick_mesh_pipeline",
	kindBatch:     "pick_batch_pipeline",
	kindInstanced: "pick_instanced_pipeline",
}

var vertexEntryPoints = [kindCount]string{
	kindMesh:      "vs_mesh",
	kindBatch:     "vs_batch",
	kindInstanced: "vs_instanced",
}

func positionLayout() gputypes.VertexBufferLayout {
	return gputypes.VertexBufferLayout{
		ArrayStride: scene.VertexStride,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
		},
	}
}

func vertexLayouts(kind pipelineKind) []gputypes.VertexBufferLayout {
	switch kind {
	case kindBatch:
		return []gputypes.VertexBufferLayout{positionLayout(), {
			ArrayStride: 4,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatUint32, Offset: 0, ShaderLocation: 2},
			},
		}}
	case kindInstanced:
		return []gputypes.VertexBufferLayout{positionLayout(), {
			ArrayStride: scene.InstanceStride,
			StepMode:    gputypes.VertexStepModeInstance,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x4, Offset: 0, ShaderLocation: 3},
				{Format: gputypes.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 4},
				{Format: gputypes.VertexFormatFloat32x4, Offset: 32, ShaderLocation: 5},
				{Format: gputypes.VertexFormatFloat32x4, Offset: 48, ShaderLocation: 6},
			},
		}}
	default:
		return []gputypes.VertexBufferLayout{positionLayout()}
	}
}

// ensurePipelines creates the bind group layout, pipeline layout and one
// pipeline per drawable kind on first use.
func (p *Picker) ensurePipelines() error {
	if p.pipelines[kindMesh] != nil {
		return nil
	}
	device := p.rc.Device()

	shader, err := p.rc.ShaderModule("pick_identity", identityShaderSource)
	if err != nil {
		return err
	}

	if p.bindLayout == nil {
		p.bindLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label: "pick_uniform_layout",
			Entries: []gputypes.BindGroupLayoutEntry{{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex,
				Buffer: &gputypes.BufferBindingLayout{
					Type:           gputypes.BufferBindingTypeUniform,
					MinBindingSize: uniformSize,
				},
			}},
		})
		if err != nil {
			return fmt.Errorf("pick: create bind group layout: %w", err)
		}
	}
	if p.pipeLayout == nil {
		p.pipeLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            "pick_pipeline_layout",
			BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
		})
		if err != nil {
			return fmt.Errorf("pick: create pipeline layout: %w", err)
		}
	}

	for kind := range kindCount {
		pipeline, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
			Label:  pipelineLabels[kind],
			Layout: p.pipeLayout,
			Vertex: hal.VertexState{
				Module:     shader,
				EntryPoint: vertexEntryPoints[kind],
				Buffers:    vertexLayouts(kind),
			},
			Fragment: &hal.FragmentState{
				Module:     shader,
				EntryPoint: "fs_main",
				Targets: []gputypes.ColorTargetState{{
					Format:    IDFormat,
					WriteMask: gputypes.ColorWriteMaskAll,
				}},
			},
			DepthStencil: &hal.DepthStencilState{
				Format:            DepthFormat,
				DepthWriteEnabled: true,
				DepthCompare:      gputypes.CompareFunctionLess,
			},
			Primitive: gputypes.PrimitiveState{
				Topology: gputypes.PrimitiveTopologyTriangleList,
				CullMode: gputypes.CullModeNone,
			},
			Multisample: gputypes.MultisampleState{
				Count: 1,
				Mask:  0xFFFFFFFF,
			},
		})
		if err != nil {
			p.destroyPipelines()
			return fmt.Errorf("pick: create %s: %w", pipelineLabels[kind], err)
		}
		p.pipelines[kind] = pipeline
	}
	return nil
}

// destroyPipelines releases pipelines and layouts in reverse creation order.
func (p *Picker) destroyPipelines() {
	device := p.rc.Device()
	for kind := kindCount - 1; kind >= 0; kind-- {
		if pl := p.pipelines[kind]; pl != nil {
			device.DestroyRenderPipeline(pl)
			p.pipelines[kind] = nil
		}
	}
	if p.pipeLayout != nil {
		device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.bindLayout != nil {
		device.DestroyBindGroupLayout(p.bindLayout)
		p.bindLayout = nil
	}
}

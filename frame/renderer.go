// Package frame draws the scene into a caller-provided color view.
//
// BuildDrawList turns the store's drawables and the per-frame visibility
// and selection sets into draw calls; Renderer records them into one render
// pass with a depth target it owns, and submits without waiting.
package frame

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/internal/gpu"
	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/render"
	"github.com/gogpu/bimview/scene"
)

//go:embed shaders/mesh.wgsl
var meshShaderSource string

// MeshShader returns the WGSL source of the draw pass.
func MeshShader() string { return meshShaderSource }

// DepthFormat is the depth format of the frame depth target.
const DepthFormat = gputypes.TextureFormatDepth24Plus

// ErrInvalidViewport is returned for a frame with a non-positive size.
var ErrInvalidViewport = errors.New("frame: invalid viewport")

// DefaultLightDirection is the direction light travels in world space.
var DefaultLightDirection = mgl32.Vec3{-0.4, -1, -0.6}

type variant int

const (
	variantMesh variant = iota
	variantInstanced
	variantMeshHighlight
	variantInstancedHighlight
	variantCount
)

func variantOf(d *Draw) variant {
	v := variantMesh
	if d.Kind == KindInstanced {
		v = variantInstanced
	}
	if d.Highlight {
		v += variantMeshHighlight
	}
	return v
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLightDirection sets the world-space direction of the light.
func WithLightDirection(dir mgl32.Vec3) Option {
	return func(r *Renderer) {
		if dir.Len() > 0 {
			r.light = dir.Normalize()
		}
	}
}

// Renderer owns the draw pipelines, the depth target and the per-frame
// uniforms. It must be used from the goroutine that drives the device.
type Renderer struct {
	rc    *render.Context
	light mgl32.Vec3

	format     gputypes.TextureFormat
	pipeLayout hal.PipelineLayout
	pipelines  [variantCount]hal.RenderPipeline

	depth gpu.Target

	uniforms hal.Buffer
	group    hal.BindGroup

	inflight []inflight
	last     uint64
}

type inflight struct {
	index uint64
	cmd   hal.CommandBuffer
}

// NewRenderer creates a renderer. GPU resources are created on the first
// Render.
func NewRenderer(rc *render.Context, opts ...Option) *Renderer {
	r := &Renderer{
		rc:    rc,
		light: DefaultLightDirection.Normalize(),
		depth: gpu.Target{Label: "frame", DepthFormat: DepthFormat},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render draws src into view and returns the submission index. It does not
// wait for the GPU.
func (r *Renderer) Render(view hal.TextureView, format gputypes.TextureFormat, src Source, f Frame) (uint64, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrInvalidViewport, f.Width, f.Height)
	}
	device := r.rc.Device()
	r.reclaim()

	if err := r.ensurePipelines(format); err != nil {
		return 0, err
	}
	if recreated, err := r.depth.Ensure(device, uint32(f.Width), uint32(f.Height)); err != nil {
		return 0, fmt.Errorf("frame: %w", err)
	} else if recreated {
		logging.Logger().Debug("frame: depth target created", "width", f.Width, "height", f.Height)
	}
	if err := r.writeUniforms(&f); err != nil {
		return 0, err
	}

	draws := BuildDrawList(src, f)

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "frame_encoder"})
	if err != nil {
		return 0, fmt.Errorf("frame: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("frame"); err != nil {
		encoder.DiscardEncoding()
		return 0, fmt.Errorf("frame: begin encoding: %w", err)
	}
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "frame_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    view,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: float64(f.ClearColor[0]),
				G: float64(f.ClearColor[1]),
				B: float64(f.ClearColor[2]),
				A: float64(f.ClearColor[3]),
			},
		}},
		DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
			View:            r.depth.DepthView,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpDiscard,
			DepthClearValue: 1.0,
		},
	})
	rp.SetBindGroup(0, r.group, nil)
	for i := range draws {
		r.record(rp, &draws[i])
	}
	rp.End()

	cmd, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return 0, fmt.Errorf("frame: end encoding: %w", err)
	}
	index, err := r.rc.Queue().Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		device.FreeCommandBuffer(cmd)
		return 0, fmt.Errorf("frame: submit: %w", err)
	}
	r.inflight = append(r.inflight, inflight{index: index, cmd: cmd})
	r.last = index
	return index, nil
}

func (r *Renderer) record(rp hal.RenderPassEncoder, d *Draw) {
	var (
		vertices, extra, indices hal.Buffer
		group                    hal.BindGroup
	)
	switch d.Kind {
	case KindMesh:
		vertices, indices, group = d.Mesh.VertexBuffer, d.Mesh.IndexBuffer, d.Mesh.BindGroup
	case KindInstanced:
		vertices, indices, group = d.Instanced.VertexBuffer, d.Instanced.IndexBuffer, d.Instanced.BindGroup
		extra = d.Instanced.InstanceBuffer
	case KindBatch:
		vertices, indices, group = d.Batch.VertexBuffer, d.Batch.IndexBuffer, d.Batch.BindGroup
	}
	if vertices == nil || indices == nil || group == nil {
		return
	}
	rp.SetPipeline(r.pipelines[variantOf(d)])
	rp.SetBindGroup(1, group, nil)
	rp.SetVertexBuffer(0, vertices, 0)
	if extra != nil {
		rp.SetVertexBuffer(1, extra, 0)
	}
	rp.SetIndexBuffer(indices, gputypes.IndexFormatUint32, 0)
	rp.DrawIndexed(d.IndexCount, d.InstanceCount, d.FirstIndex, 0, d.FirstInstance)
}

func (r *Renderer) writeUniforms(f *Frame) error {
	device := r.rc.Device()
	if r.uniforms == nil {
		layout, err := r.rc.FrameLayout()
		if err != nil {
			return err
		}
		buf, err := gpu.CreateBuffer(device, "frame_uniforms",
			gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst, render.FrameUniformSize)
		if err != nil {
			return fmt.Errorf("frame: %w", err)
		}
		group, err := gpu.UniformBindGroup(device, layout, "frame_bind_group", buf, 0, render.FrameUniformSize)
		if err != nil {
			gpu.DestroyBuffer(device, buf, "frame uniforms")
			return fmt.Errorf("frame: %w", err)
		}
		r.uniforms, r.group = buf, group
	}

	data := make([]byte, render.FrameUniformSize)
	gpu.PutFloat32s(data, 0, f.ViewProj[:]...)
	gpu.PutFloat32s(data, 64, r.light[0], r.light[1], r.light[2], 0)
	highlight := f.HighlightColor
	if highlight == (scene.Color{}) {
		highlight = DefaultHighlightColor
	}
	gpu.PutFloat32s(data, 80, highlight[:]...)
	if err := r.rc.Queue().WriteBuffer(r.uniforms, 0, data); err != nil {
		return fmt.Errorf("frame: write uniforms: %w", err)
	}
	return nil
}

// DefaultHighlightColor is used when a frame leaves HighlightColor zero.
var DefaultHighlightColor = scene.Color{0.2, 0.6, 1, 1}

// reclaim frees command buffers of completed submissions.
func (r *Renderer) reclaim() {
	done := r.rc.Queue().PollCompleted()
	keep := r.inflight[:0]
	for _, s := range r.inflight {
		if s.index <= done {
			r.rc.Device().FreeCommandBuffer(s.cmd)
			continue
		}
		keep = append(keep, s)
	}
	r.inflight = keep
}

func (r *Renderer) ensurePipelines(format gputypes.TextureFormat) error {
	if r.pipelines[variantMesh] != nil && r.format == format {
		return nil
	}
	r.destroyPipelines()
	device := r.rc.Device()

	shader, err := r.rc.ShaderModule("frame_mesh", meshShaderSource)
	if err != nil {
		return err
	}
	frameLayout, err := r.rc.FrameLayout()
	if err != nil {
		return err
	}
	objectLayout, err := r.rc.ObjectLayout()
	if err != nil {
		return err
	}
	r.pipeLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "frame_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{frameLayout, objectLayout},
	})
	if err != nil {
		return fmt.Errorf("frame: create pipeline layout: %w", err)
	}

	blend := gputypes.BlendStateAlpha()
	for v := range variantCount {
		vertexEntry, layouts := "vs_main", []gputypes.VertexBufferLayout{meshVertexLayout()}
		if v == variantInstanced || v == variantInstancedHighlight {
			vertexEntry = "vs_instanced"
			layouts = append(layouts, instanceLayout())
		}
		fragmentEntry := "fs_main"
		if v >= variantMeshHighlight {
			fragmentEntry = "fs_highlight"
		}
		label := fmt.Sprintf("frame_pipeline_%d", v)
		pipeline, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
			Label:  label,
			Layout: r.pipeLayout,
			Vertex: hal.VertexState{
				Module:     shader,
				EntryPoint: vertexEntry,
				Buffers:    layouts,
			},
			Fragment: &hal.FragmentState{
				Module:     shader,
				EntryPoint: fragmentEntry,
				Targets: []gputypes.ColorTargetState{{
					Format:    format,
					Blend:     &blend,
					WriteMask: gputypes.ColorWriteMaskAll,
				}},
			},
			DepthStencil: &hal.DepthStencilState{
				Format:            DepthFormat,
				DepthWriteEnabled: true,
				DepthCompare:      gputypes.CompareFunctionLessEqual,
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
			r.destroyPipelines()
			return fmt.Errorf("frame: create %s: %w", label, err)
		}
		r.pipelines[v] = pipeline
	}
	r.format = format
	return nil
}

func meshVertexLayout() gputypes.VertexBufferLayout {
	return gputypes.VertexBufferLayout{
		ArrayStride: scene.VertexStride,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
			{Format: gputypes.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
		},
	}
}

func instanceLayout() gputypes.VertexBufferLayout {
	return gputypes.VertexBufferLayout{
		ArrayStride: scene.InstanceStride,
		StepMode:    gputypes.VertexStepModeInstance,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x4, Offset: 0, ShaderLocation: 3},
			{Format: gputypes.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 4},
			{Format: gputypes.VertexFormatFloat32x4, Offset: 32, ShaderLocation: 5},
			{Format: gputypes.VertexFormatFloat32x4, Offset: 48, ShaderLocation: 6},
			{Format: gputypes.VertexFormatFloat32x4, Offset: 64, ShaderLocation: 7},
		},
	}
}

func (r *Renderer) destroyPipelines() {
	device := r.rc.Device()
	for v := variantCount - 1; v >= 0; v-- {
		if pl := r.pipelines[v]; pl != nil {
			gpu.Release("frame pipeline", func() { device.DestroyRenderPipeline(pl) })
			r.pipelines[v] = nil
		}
	}
	if r.pipeLayout != nil {
		gpu.Release("frame pipeline layout", func() { device.DestroyPipelineLayout(r.pipeLayout) })
		r.pipeLayout = nil
	}
}

// Destroy waits for the last submission and releases everything the
// renderer owns. Safe to call more than once.
func (r *Renderer) Destroy() {
	device := r.rc.Device()
	if len(r.inflight) > 0 {
		if err := r.rc.WaitSubmission(context.Background(), r.last, 0); err != nil {
			logging.Logger().Warn("frame: wait before destroy", "err", err)
		}
		for _, s := range r.inflight {
			device.FreeCommandBuffer(s.cmd)
		}
		r.inflight = nil
	}
	r.depth.Destroy(device)
	gpu.DestroyBindGroup(device, r.group, "frame bind group")
	gpu.DestroyBuffer(device, r.uniforms, "frame uniforms")
	r.group, r.uniforms = nil, nil
	r.destroyPipelines()
}

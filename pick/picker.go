// Package pick resolves screen positions to objects with a GPU identity
// pass.
//
// Every object is drawn into an offscreen R32Uint target with its id as
// the flat fragment value and a regular depth test, so the nearest surface
// wins. A single texel under the cursor is copied to a mappable buffer and
// decoded on the CPU. Id 0 is the cleared background; object i is written
// as i+1.
//
// Picks are serialized: a pick holds the shared targets from encoding until
// its readback completes, and callers queue for them in order.
package pick

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/internal/gpu"
	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/render"
	"github.com/gogpu/bimview/scene"
)

var (
	// ErrInvalidViewport is returned for a non-positive viewport size.
	ErrInvalidViewport = errors.New("pick: invalid viewport")

	// ErrOutOfBounds is returned for a position outside the viewport.
	ErrOutOfBounds = errors.New("pick: position outside viewport")
)

// readbackSize is one row at the copy pitch alignment.
const readbackSize = 256

// minSlots is the initial number of per-draw uniform slots.
const minSlots = 16

// Result is the outcome of an asynchronous pick.
type Result struct {
	ID  int
	OK  bool
	Err error
}

// Option configures a Picker.
type Option func(*Picker)

// WithTimeout bounds how long a pick waits for the GPU. Zero uses
// render.DefaultSubmissionTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Picker) { p.timeout = d }
}

// Picker owns the identity targets, pipelines, per-draw uniforms and the
// readback buffer. Encoding and submission happen on the calling
// goroutine, which must be the one driving the device.
type Picker struct {
	rc      *render.Context
	timeout time.Duration

	// token is held from encoding until the submission completes on the
	// GPU, even when the caller stops waiting earlier.
	token chan struct{}

	// closing ends background drains so Destroy can take the token.
	closing   chan struct{}
	closeOnce sync.Once

	target gpu.Target

	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipelines  [kindCount]hal.RenderPipeline

	uniforms hal.Buffer
	groups   []hal.BindGroup
	stride   uint64

	readback hal.Buffer

	destroyed bool
}

// New creates a picker. GPU resources are created on the first pick.
func New(rc *render.Context, opts ...Option) *Picker {
	p := &Picker{
		rc:      rc,
		token:   make(chan struct{}, 1),
		closing: make(chan struct{}),
		target: gpu.Target{
			Label:       "pick",
			ColorFormat: IDFormat,
			ColorUsage:  gputypes.TextureUsageCopySrc,
			DepthFormat: DepthFormat,
		},
		stride: rc.AlignUniform(uniformSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Picker) acquire(ctx context.Context) error {
	select {
	case p.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.destroyed {
		p.release()
		return render.ErrDestroyed
	}
	return nil
}

func (p *Picker) release() { <-p.token }

// Size returns the current identity target size, or zero before the first
// pick.
func (p *Picker) Size() (width, height int) {
	return int(p.target.Width), int(p.target.Height)
}

// Pick returns the index into meshes of the mesh visible at (x, y) in a
// width x height viewport, or ok=false for background.
func (p *Picker) Pick(ctx context.Context, x, y, width, height int, meshes []*scene.Mesh, viewProj mgl32.Mat4) (id int, ok bool, err error) {
	value, err := p.run(ctx, x, y, width, height, meshItems(meshes), viewProj)
	if err != nil || value == 0 {
		return 0, false, err
	}
	return int(value - 1), true, nil
}

// PickAsync submits a pick on the calling goroutine and completes it in
// the background. The channel receives exactly one Result.
func (p *Picker) PickAsync(ctx context.Context, x, y, width, height int, meshes []*scene.Mesh, viewProj mgl32.Mat4) (<-chan Result, error) {
	sub, err := p.submit(ctx, x, y, width, height, meshItems(meshes), viewProj)
	if err != nil {
		return nil, err
	}
	out := make(chan Result, 1)
	go func() {
		value, err := p.await(ctx, sub)
		switch {
		case err != nil:
			out <- Result{Err: err}
		case value == 0:
			out <- Result{}
		default:
			out <- Result{ID: int(value - 1), OK: true}
		}
	}()
	return out, nil
}

// PickEntity returns the entity visible at (x, y) across every tier of
// src: standalone meshes, instances and batch members.
func (p *Picker) PickEntity(ctx context.Context, x, y, width, height int, src Source, viewProj mgl32.Mat4) (uint32, bool, error) {
	items, table := entityItems(src)
	value, err := p.run(ctx, x, y, width, height, items, viewProj)
	if err != nil || value == 0 {
		return 0, false, err
	}
	id, ok := table.resolve(value)
	return id, ok, nil
}

// UpdateUniforms prepares the picker ahead of its first pick: it builds the
// pipelines and the per-draw uniform slots, then writes slot 0 with the
// given matrices. Every pick rewrites the slots it draws with from its own
// arguments, so the write only matters for work encoded outside Pick.
func (p *Picker) UpdateUniforms(viewProj, model mgl32.Mat4) error {
	if err := p.acquire(context.Background()); err != nil {
		return err
	}
	defer p.release()
	if err := p.ensurePipelines(); err != nil {
		return err
	}
	if err := p.ensureSlots(1); err != nil {
		return err
	}
	data := make([]byte, uniformSize)
	fillUniform(data, viewProj, model, 1)
	if err := p.rc.Queue().WriteBuffer(p.uniforms, 0, data); err != nil {
		return fmt.Errorf("pick: write uniforms: %w", err)
	}
	return nil
}

func (p *Picker) run(ctx context.Context, x, y, width, height int, items []drawItem, viewProj mgl32.Mat4) (uint32, error) {
	sub, err := p.submit(ctx, x, y, width, height, items, viewProj)
	if err != nil {
		return 0, err
	}
	return p.await(ctx, sub)
}

type submission struct {
	index uint64
	cmd   hal.CommandBuffer
}

// submit validates the request, takes the token and submits the identity
// pass. On success the token stays held until await.
func (p *Picker) submit(ctx context.Context, x, y, width, height int, items []drawItem, viewProj mgl32.Mat4) (submission, error) {
	if width <= 0 || height <= 0 {
		return submission{}, fmt.Errorf("%w: %dx%d", ErrInvalidViewport, width, height)
	}
	if x < 0 || y < 0 || x >= width || y >= height {
		return submission{}, fmt.Errorf("%w: (%d, %d) in %dx%d", ErrOutOfBounds, x, y, width, height)
	}
	if err := p.acquire(ctx); err != nil {
		return submission{}, err
	}
	sub, err := p.encode(uint32(x), uint32(y), uint32(width), uint32(height), items, viewProj)
	if err != nil {
		p.release()
		return submission{}, err
	}
	return sub, nil
}

func (p *Picker) encode(x, y, width, height uint32, items []drawItem, viewProj mgl32.Mat4) (submission, error) {
	device := p.rc.Device()
	if err := p.ensurePipelines(); err != nil {
		return submission{}, err
	}
	recreated, err := p.target.Ensure(device, width, height)
	if err != nil {
		return submission{}, fmt.Errorf("pick: %w", err)
	}
	if recreated {
		logging.Logger().Debug("pick: targets created", "width", width, "height", height)
	}
	if err := p.ensureSlots(len(items)); err != nil {
		return submission{}, err
	}
	if p.readback == nil {
		p.readback, err = gpu.CreateBuffer(device, "pick_readback",
			gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst, readbackSize)
		if err != nil {
			return submission{}, fmt.Errorf("pick: %w", err)
		}
	}

	if len(items) > 0 {
		data := make([]byte, uint64(len(items))*p.stride)
		for i, it := range items {
			fillUniform(data[uint64(i)*p.stride:], viewProj, it.model, it.idBase)
		}
		if err := p.rc.Queue().WriteBuffer(p.uniforms, 0, data); err != nil {
			return submission{}, fmt.Errorf("pick: write uniforms: %w", err)
		}
	}

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "pick_encoder"})
	if err != nil {
		return submission{}, fmt.Errorf("pick: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("pick"); err != nil {
		encoder.DiscardEncoding()
		return submission{}, fmt.Errorf("pick: begin encoding: %w", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "pick_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       p.target.ColorView,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{},
		}},
		DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
			View:            p.target.DepthView,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpDiscard,
			DepthClearValue: 1.0,
		},
	})
	for i, it := range items {
		if it.vertices == nil || it.indices == nil || it.indexes == 0 {
			continue
		}
		if it.kind != kindMesh && it.extra == nil {
			continue
		}
		rp.SetPipeline(p.pipelines[it.kind])
		rp.SetBindGroup(0, p.groups[i], nil)
		rp.SetVertexBuffer(0, it.vertices, 0)
		if it.extra != nil {
			rp.SetVertexBuffer(1, it.extra, 0)
		}
		rp.SetIndexBuffer(it.indices, gputypes.IndexFormatUint32, 0)
		rp.DrawIndexed(it.indexes, max(it.instances, 1), 0, 0, 0)
	}
	rp.End()

	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: p.target.Color,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageRenderAttachment,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})
	encoder.CopyTextureToBuffer(p.target.Color, p.readback, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: readbackSize, RowsPerImage: 1},
		TextureBase: hal.ImageCopyTexture{
			Texture: p.target.Color,
			Origin:  hal.Origin3D{X: x, Y: y},
			Aspect:  gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
	}})
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: p.target.Color,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: gputypes.TextureUsageRenderAttachment,
		},
	}})

	cmd, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return submission{}, fmt.Errorf("pick: end encoding: %w", err)
	}
	index, err := p.rc.Queue().Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		device.FreeCommandBuffer(cmd)
		return submission{}, fmt.Errorf("pick: submit: %w", err)
	}
	return submission{index: index, cmd: cmd}, nil
}

// await waits for sub, reads the texel back and releases the token. If ctx
// ends or the wait times out first, the token passes to a drain that holds
// it until the GPU is done, and the result is dropped.
func (p *Picker) await(ctx context.Context, sub submission) (uint32, error) {
	if err := p.rc.WaitSubmission(ctx, sub.index, p.timeout); err != nil {
		go p.drain(sub)
		if ctx.Err() != nil {
			return 0, err
		}
		return 0, fmt.Errorf("pick: %w", err)
	}
	defer p.release()
	p.rc.Device().FreeCommandBuffer(sub.cmd)
	data, err := gpu.ReadMapped(p.rc.Device(), p.readback, 4)
	if err != nil {
		return 0, fmt.Errorf("pick: %w", err)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// drain waits for an abandoned submission to complete before releasing
// the token, so the next pick never reuses targets the GPU may still
// write. It stops early only when the picker is destroyed.
func (p *Picker) drain(sub submission) {
	defer p.release()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		err := p.rc.WaitSubmission(ctx, sub.index, p.timeout)
		if err == nil || ctx.Err() != nil {
			break
		}
		logging.Logger().Warn("pick: abandoned submission still running", "submission", sub.index, "err", err)
	}
	p.rc.Device().FreeCommandBuffer(sub.cmd)
	logging.Logger().Warn("pick: dropped stale result", "submission", sub.index)
}

// ensureSlots grows the per-draw uniform buffer to hold n slots, each
// bound by its own bind group.
func (p *Picker) ensureSlots(n int) error {
	if n <= len(p.groups) {
		return nil
	}
	capacity := max(n, 2*len(p.groups), minSlots)
	p.destroySlots()

	device := p.rc.Device()
	buf, err := gpu.CreateBuffer(device, "pick_uniforms",
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst, uint64(capacity)*p.stride)
	if err != nil {
		return fmt.Errorf("pick: %w", err)
	}
	p.uniforms = buf
	p.groups = make([]hal.BindGroup, 0, capacity)
	for i := range capacity {
		group, err := gpu.UniformBindGroup(device, p.bindLayout, "pick_bind_group", buf, uint64(i)*p.stride, uniformSize)
		if err != nil {
			p.destroySlots()
			return fmt.Errorf("pick: %w", err)
		}
		p.groups = append(p.groups, group)
	}
	return nil
}

func (p *Picker) destroySlots() {
	device := p.rc.Device()
	for _, g := range p.groups {
		gpu.DestroyBindGroup(device, g, "pick bind group")
	}
	p.groups = nil
	gpu.DestroyBuffer(device, p.uniforms, "pick uniforms")
	p.uniforms = nil
}

func fillUniform(dst []byte, viewProj, model mgl32.Mat4, idBase uint32) {
	gpu.PutFloat32s(dst, 0, viewProj[:]...)
	gpu.PutFloat32s(dst, 64, model[:]...)
	gpu.PutUint32s(dst, 128, idBase, 0, 0, 0)
}

// Destroy waits for an in-flight pick and releases every GPU resource the
// picker owns. A submission abandoned by a cancelled or timed out pick is
// no longer waited for. Later picks fail with render.ErrDestroyed.
func (p *Picker) Destroy() {
	p.closeOnce.Do(func() { close(p.closing) })
	p.token <- struct{}{}
	defer p.release()
	if p.destroyed {
		return
	}
	p.destroyed = true

	device := p.rc.Device()
	p.target.Destroy(device)
	p.destroySlots()
	gpu.DestroyBuffer(device, p.readback, "pick readback")
	p.readback = nil
	p.destroyPipelines()
}

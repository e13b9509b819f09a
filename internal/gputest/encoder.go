package gputest

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Pass is a recorded render pass.
type Pass struct {
	Label      string
	Color      *Texture
	ClearColor gputypes.Color
	Draws      []*Draw
}

// Draw is one recorded DrawIndexed call with the state bound at the time.
type Draw struct {
	Pipeline      *Pipeline
	BindGroups    map[uint32]*BindGroup
	VertexBuffers map[uint32]*Buffer
	IndexBuffer   *Buffer

	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32

	dev *Device
}

// Uniform returns the bytes bound at binding 0 of the given group.
func (d *Draw) Uniform(group uint32) []byte {
	g := d.BindGroups[group]
	if g == nil || len(g.Entries) == 0 {
		return nil
	}
	bb, ok := g.Entries[0].Resource.(gputypes.BufferBinding)
	if !ok {
		return nil
	}
	buf := d.dev.lookup(bb.Buffer)
	if buf == nil {
		return nil
	}
	data := d.dev.BufferData(buf)
	end := bb.Offset + bb.Size
	if bb.Size == 0 || end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[bb.Offset:end]
}

// VertexData returns the contents of the vertex buffer at slot.
func (d *Draw) VertexData(slot uint32) []byte {
	b := d.VertexBuffers[slot]
	if b == nil {
		return nil
	}
	return d.dev.BufferData(b)
}

// Indices returns the index range this draw consumes.
func (d *Draw) Indices() []uint32 {
	if d.IndexBuffer == nil {
		return nil
	}
	data := d.dev.BufferData(d.IndexBuffer)
	out := make([]uint32, d.IndexCount)
	for i := range out {
		off := (int(d.FirstIndex) + i) * 4
		out[i] = binary.LittleEndian.Uint32(data[off:])
	}
	return out
}

// Encoder records render passes and texel copies.
type Encoder struct {
	hal.CommandEncoder
	dev    *Device
	passes []*Pass
	writes []pendingWrite
}

type pendingWrite struct {
	dst    *Buffer
	offset uint64
	data   []byte
}

// CommandBuffer carries the copies resolved at encode time.
type CommandBuffer struct {
	hal.CommandBuffer
	writes []pendingWrite
}

// BeginRenderPass implements hal.CommandEncoder.
func (e *Encoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	p := &Pass{Label: desc.Label}
	if len(desc.ColorAttachments) > 0 {
		if v, ok := desc.ColorAttachments[0].View.(*View); ok {
			p.Color = v.Texture
		}
		p.ClearColor = desc.ColorAttachments[0].ClearValue
	}
	e.passes = append(e.passes, p)
	e.dev.mu.Lock()
	e.dev.passes = append(e.dev.passes, p)
	e.dev.mu.Unlock()
	return &PassEncoder{
		RenderPassEncoder: e.CommandEncoder.BeginRenderPass(desc),
		pass:              p,
		dev:               e.dev,
		groups:            make(map[uint32]*BindGroup),
		vertex:            make(map[uint32]*Buffer),
	}
}

// CopyTextureToBuffer implements hal.CommandEncoder by resolving each
// region's first texel through the device's Rasterize hook.
func (e *Encoder) CopyTextureToBuffer(src hal.Texture, dst hal.Buffer, regions []hal.BufferTextureCopy) {
	tex, _ := src.(*Texture)
	var pass *Pass
	for i := len(e.passes) - 1; i >= 0; i-- {
		if e.passes[i].Color == tex {
			pass = e.passes[i]
			break
		}
	}
	for _, r := range regions {
		x, y := r.TextureBase.Origin.X, r.TextureBase.Origin.Y
		var value uint32
		if pass != nil && tex != nil && e.dev.Rasterize != nil {
			best := float32(math.Inf(1))
			w, h := tex.Desc.Size.Width, tex.Desc.Size.Height
			for _, d := range pass.Draws {
				v, depth, ok := e.dev.Rasterize(d, x, y, w, h)
				// Depth test Less: ties keep the earlier draw.
				if ok && depth < best {
					best, value = depth, v
				}
			}
		}
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, value)
		e.writes = append(e.writes, pendingWrite{dst: dst.(*Buffer), offset: r.BufferLayout.Offset, data: data})
	}
}

// BeginEncoding implements hal.CommandEncoder.
func (e *Encoder) BeginEncoding(label string) error {
	e.dev.mu.Lock()
	fail := e.dev.FailBeginEncoding
	e.dev.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: begin %s", ErrInjected, label)
	}
	return e.CommandEncoder.BeginEncoding(label)
}

// DiscardEncoding implements hal.CommandEncoder.
func (e *Encoder) DiscardEncoding() {
	e.dev.mu.Lock()
	e.dev.discards++
	e.dev.mu.Unlock()
	e.passes, e.writes = nil, nil
	e.CommandEncoder.DiscardEncoding()
}

// EndEncoding implements hal.CommandEncoder.
func (e *Encoder) EndEncoding() (hal.CommandBuffer, error) {
	e.dev.mu.Lock()
	fail := e.dev.FailEndEncoding
	e.dev.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: end encoding", ErrInjected)
	}
	inner, err := e.CommandEncoder.EndEncoding()
	if err != nil {
		return nil, err
	}
	cb := &CommandBuffer{CommandBuffer: inner, writes: e.writes}
	e.writes = nil
	return cb, nil
}

// PassEncoder records bound state and draws.
type PassEncoder struct {
	hal.RenderPassEncoder
	pass     *Pass
	dev      *Device
	pipeline *Pipeline
	groups   map[uint32]*BindGroup
	vertex   map[uint32]*Buffer
	index    *Buffer
}

// SetPipeline implements hal.RenderPassEncoder.
func (p *PassEncoder) SetPipeline(pl hal.RenderPipeline) {
	p.pipeline, _ = pl.(*Pipeline)
}

// SetBindGroup implements hal.RenderPassEncoder.
func (p *PassEncoder) SetBindGroup(index uint32, g hal.BindGroup, _ []uint32) {
	p.groups[index], _ = g.(*BindGroup)
}

// SetVertexBuffer implements hal.RenderPassEncoder.
func (p *PassEncoder) SetVertexBuffer(slot uint32, b hal.Buffer, _ uint64) {
	p.vertex[slot], _ = b.(*Buffer)
}

// SetIndexBuffer implements hal.RenderPassEncoder.
func (p *PassEncoder) SetIndexBuffer(b hal.Buffer, _ gputypes.IndexFormat, _ uint64) {
	p.index, _ = b.(*Buffer)
}

// DrawIndexed implements hal.RenderPassEncoder.
func (p *PassEncoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	d := &Draw{
		Pipeline:      p.pipeline,
		BindGroups:    make(map[uint32]*BindGroup, len(p.groups)),
		VertexBuffers: make(map[uint32]*Buffer, len(p.vertex)),
		IndexBuffer:   p.index,
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		FirstIndex:    firstIndex,
		BaseVertex:    baseVertex,
		FirstInstance: firstInstance,
		dev:           p.dev,
	}
	for k, v := range p.groups {
		d.BindGroups[k] = v
	}
	for k, v := range p.vertex {
		d.VertexBuffers[k] = v
	}
	p.pass.Draws = append(p.pass.Draws, d)
}

func unsafeBytes(m hal.BufferMapping, size uint64) []byte {
	return unsafe.Slice((*byte)(m.Ptr), size) //nolint:gosec // noop mapping covers size bytes
}

// Package gputest wraps the noop HAL backend with resource accounting and
// a recording command encoder for tests of the GPU-facing packages.
//
// Every resource handed out is a distinct wrapper with its own identity,
// so tests can compare buffers, textures and bind groups by pointer and
// check that nothing is left alive after a clear.
package gputest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// ErrInjected is returned by creation calls when failure injection is armed.
var ErrInjected = errors.New("gputest: injected allocation failure")

// Counts is a snapshot of live (created minus destroyed) resources.
type Counts struct {
	Buffers    int
	Textures   int
	Views      int
	BindGroups int
}

// Total sums all live resources.
func (c Counts) Total() int { return c.Buffers + c.Textures + c.Views + c.BindGroups }

// Buffer is a tracked buffer. Its NativeHandle is unique so bind group
// entries can be resolved back to it.
type Buffer struct {
	hal.Buffer
	ID        uintptr
	Label     string
	Size      uint64
	Usage     gputypes.BufferUsage
	Destroyed bool
}

// NativeHandle returns the buffer's tracking id.
func (b *Buffer) NativeHandle() uintptr { return b.ID }

// Texture is a tracked texture.
type Texture struct {
	hal.Texture
	ID        int
	Desc      hal.TextureDescriptor
	Destroyed bool
}

// View is a tracked texture view.
type View struct {
	hal.TextureView
	ID        int
	Texture   *Texture
	Destroyed bool
}

// BindGroup is a tracked bind group that remembers its entries.
type BindGroup struct {
	hal.BindGroup
	ID        int
	Label     string
	Entries   []gputypes.BindGroupEntry
	Destroyed bool
}

// Pipeline is a render pipeline wrapper carrying its label.
type Pipeline struct {
	hal.RenderPipeline
	ID    int
	Label string
}

// Rasterizer resolves what a draw writes at pixel (x, y) of a pass's
// width x height color target. ok=false means the draw does not cover the
// pixel.
type Rasterizer func(d *Draw, x, y, width, height uint32) (value uint32, depth float32, ok bool)

// Device wraps the noop device.
type Device struct {
	hal.Device

	mu       sync.Mutex
	nextID   int
	buffers  map[uintptr]*Buffer
	textures []*Texture
	views    []*View
	groups   []*BindGroup
	passes   []*Pass
	live     Counts

	// FailBufferAfter makes CreateBuffer fail once this many buffers have
	// been created. Negative disables injection.
	FailBufferAfter int
	// PanicOnDestroyBuffer makes DestroyBuffer panic after accounting.
	PanicOnDestroyBuffer bool
	// FailBeginEncoding and FailEndEncoding make the matching encoder
	// call return ErrInjected.
	FailBeginEncoding bool
	FailEndEncoding   bool
	// Rasterize emulates fragment output for CopyTextureToBuffer.
	Rasterize Rasterizer

	created  int
	discards int
}

// Queue wraps the noop queue and applies recorded texel copies on submit.
type Queue struct {
	hal.Queue
	dev *Device

	mu          sync.Mutex
	submissions int
}

// New opens a tracked noop device and queue. Cleanup is registered on t.
func New(t testing.TB) (*Device, *Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	dev := &Device{
		Device:          openDev.Device,
		buffers:         make(map[uintptr]*Buffer),
		FailBufferAfter: -1,
	}
	return dev, &Queue{Queue: openDev.Queue, dev: dev}
}

func (d *Device) id() int {
	d.nextID++
	return d.nextID
}

// Live returns the live resource counts.
func (d *Device) Live() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Buffers returns live buffers whose label matches.
func (d *Device) Buffers(label string) []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Buffer
	for _, b := range d.buffers {
		if !b.Destroyed && b.Label == label {
			out = append(out, b)
		}
	}
	return out
}

// Textures returns every texture ever created, in creation order.
func (d *Device) Textures() []*Texture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Texture(nil), d.textures...)
}

// Passes returns every render pass recorded so far.
func (d *Device) Passes() []*Pass {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Pass(nil), d.passes...)
}

// Discards returns how many encoders were discarded.
func (d *Device) Discards() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discards
}

// ResetPasses forgets recorded passes.
func (d *Device) ResetPasses() {
	d.mu.Lock()
	d.passes = nil
	d.mu.Unlock()
}

// BufferData returns the current contents of a tracked buffer.
func (d *Device) BufferData(b *Buffer) []byte {
	m, err := d.Device.MapBuffer(b.Buffer, 0, b.Size)
	if err != nil {
		return nil
	}
	out := make([]byte, b.Size)
	copy(out, unsafeBytes(m, b.Size))
	return out
}

func (d *Device) lookup(handle uintptr) *Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[handle]
}

// CreateBuffer implements hal.Device.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailBufferAfter >= 0 && d.created >= d.FailBufferAfter {
		return nil, fmt.Errorf("%w: %s", ErrInjected, desc.Label)
	}
	inner, err := d.Device.CreateBuffer(desc)
	if err != nil {
		return nil, err
	}
	d.created++
	b := &Buffer{Buffer: inner, ID: uintptr(d.id()), Label: desc.Label, Size: desc.Size, Usage: desc.Usage}
	d.buffers[b.ID] = b
	d.live.Buffers++
	return b, nil
}

// DestroyBuffer implements hal.Device.
func (d *Device) DestroyBuffer(buf hal.Buffer) {
	b := buf.(*Buffer)
	d.mu.Lock()
	if !b.Destroyed {
		b.Destroyed = true
		d.live.Buffers--
	}
	panicky := d.PanicOnDestroyBuffer
	d.mu.Unlock()
	if panicky {
		panic("gputest: destroy buffer " + b.Label)
	}
}

// MapBuffer implements hal.Device.
func (d *Device) MapBuffer(buf hal.Buffer, offset, size uint64) (hal.BufferMapping, error) {
	return d.Device.MapBuffer(buf.(*Buffer).Buffer, offset, size)
}

// UnmapBuffer implements hal.Device.
func (d *Device) UnmapBuffer(buf hal.Buffer) error {
	return d.Device.UnmapBuffer(buf.(*Buffer).Buffer)
}

// CreateTexture implements hal.Device.
func (d *Device) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	inner, err := d.Device.CreateTexture(desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tex := &Texture{Texture: inner, ID: d.id(), Desc: *desc}
	d.textures = append(d.textures, tex)
	d.live.Textures++
	return tex, nil
}

// DestroyTexture implements hal.Device.
func (d *Device) DestroyTexture(tex hal.Texture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := tex.(*Texture)
	if !t.Destroyed {
		t.Destroyed = true
		d.live.Textures--
	}
}

// CreateTextureView implements hal.Device.
func (d *Device) CreateTextureView(tex hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	inner, err := d.Device.CreateTextureView(tex, desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, _ := tex.(*Texture)
	v := &View{TextureView: inner, ID: d.id(), Texture: t}
	d.views = append(d.views, v)
	d.live.Views++
	return v, nil
}

// DestroyTextureView implements hal.Device.
func (d *Device) DestroyTextureView(view hal.TextureView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := view.(*View)
	if ok && !v.Destroyed {
		v.Destroyed = true
		d.live.Views--
	}
}

// CreateBindGroup implements hal.Device.
func (d *Device) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	inner, err := d.Device.CreateBindGroup(desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	g := &BindGroup{
		BindGroup: inner,
		ID:        d.id(),
		Label:     desc.Label,
		Entries:   append([]gputypes.BindGroupEntry(nil), desc.Entries...),
	}
	d.groups = append(d.groups, g)
	d.live.BindGroups++
	return g, nil
}

// DestroyBindGroup implements hal.Device.
func (d *Device) DestroyBindGroup(group hal.BindGroup) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := group.(*BindGroup)
	if !g.Destroyed {
		g.Destroyed = true
		d.live.BindGroups--
	}
}

// CreateRenderPipeline implements hal.Device.
func (d *Device) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	inner, err := d.Device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Pipeline{RenderPipeline: inner, ID: d.id(), Label: desc.Label}, nil
}

// CreateCommandEncoder implements hal.Device.
func (d *Device) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	inner, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &Encoder{CommandEncoder: inner, dev: d}, nil
}

// FreeCommandBuffer implements hal.Device.
func (d *Device) FreeCommandBuffer(hal.CommandBuffer) {}

// Submissions returns how many Submit calls the queue received.
func (q *Queue) Submissions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submissions
}

// WriteBuffer implements hal.Queue.
func (q *Queue) WriteBuffer(buf hal.Buffer, offset uint64, data []byte) error {
	return q.Queue.WriteBuffer(buf.(*Buffer).Buffer, offset, data)
}

// Submit implements hal.Queue. Texel copies recorded by the encoder land
// in their destination buffers here.
func (q *Queue) Submit(cmds []hal.CommandBuffer) (uint64, error) {
	for _, c := range cmds {
		cb, ok := c.(*CommandBuffer)
		if !ok {
			continue
		}
		for _, w := range cb.writes {
			if err := q.Queue.WriteBuffer(w.dst.Buffer, w.offset, w.data); err != nil {
				return 0, err
			}
		}
	}
	q.mu.Lock()
	q.submissions++
	q.mu.Unlock()
	return q.Queue.Submit(nil)
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/cache"
	"github.com/gogpu/bimview/internal/logging"
)

// ObjectUniformSize is the byte size of the per-object uniform block bound
// through ObjectLayout: model mat4x4<f32> followed by color vec4<f32>.
const ObjectUniformSize = 80

// FrameUniformSize is the byte size of the per-frame uniform block bound
// through FrameLayout: view_proj mat4x4<f32>, light direction vec4<f32>
// and highlight color vec4<f32>.
const FrameUniformSize = 96

// DefaultSubmissionTimeout bounds WaitSubmission when no timeout is given.
const DefaultSubmissionTimeout = 5 * time.Second

// ErrGPUTimeout is returned when submitted work does not complete in time.
var ErrGPUTimeout = errors.New("render: timed out waiting for GPU")

// ErrDestroyed is returned by operations on a destroyed Context.
var ErrDestroyed = errors.New("render: context destroyed")

// spirvCache memoizes WGSL to SPIR-V compilation across contexts.
// Keys are the full WGSL source.
var spirvCache = cache.NewSharded[string, []uint32](16, cache.StringHasher)

// SPIRVCacheStats reports the shared shader compilation cache counters.
func SPIRVCacheStats() cache.Stats { return spirvCache.Stats() }

// Context is the device context handed to every GPU-facing component.
// It wraps a HAL device and queue, compiles shader programs and owns the
// bind group layouts shared between the mesh store and the draw passes.
//
// Context is safe for concurrent use. The device itself is fed only from
// the render goroutine.
type Context struct {
	device hal.Device
	queue  hal.Queue
	limits gputypes.Limits
	owned  *ownedDevice

	pollInterval time.Duration
	compileSPIRV bool

	mu           sync.Mutex
	modules      map[string]hal.ShaderModule
	objectLayout hal.BindGroupLayout
	frameLayout  hal.BindGroupLayout
	destroyed    bool
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLimits overrides the device limits used for alignment decisions.
func WithLimits(l gputypes.Limits) ContextOption {
	return func(c *Context) { c.limits = l }
}

// WithPollInterval sets the initial interval between completion polls.
func WithPollInterval(d time.Duration) ContextOption {
	return func(c *Context) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithSPIRV controls whether shader modules also carry naga-compiled
// SPIR-V next to the WGSL source. Enabled by default.
func WithSPIRV(enabled bool) ContextOption {
	return func(c *Context) { c.compileSPIRV = enabled }
}

// NewContext wraps an already opened device and queue. The caller keeps
// ownership of both.
func NewContext(device hal.Device, queue hal.Queue, opts ...ContextOption) (*Context, error) {
	if device == nil || queue == nil {
		return nil, errors.New("render: nil device or queue")
	}
	c := &Context{
		device:       device,
		queue:        queue,
		limits:       gputypes.DefaultLimits(),
		pollInterval: 100 * time.Microsecond,
		compileSPIRV: true,
		modules:      make(map[string]hal.ShaderModule),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Device returns the HAL device.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the HAL queue.
func (c *Context) Queue() hal.Queue { return c.queue }

// Limits returns the device limits.
func (c *Context) Limits() gputypes.Limits { return c.limits }

// AdapterInfo returns adapter metadata when the Context opened the device
// itself, and the zero value otherwise.
func (c *Context) AdapterInfo() gputypes.AdapterInfo {
	if c.owned == nil {
		return gputypes.AdapterInfo{}
	}
	return c.owned.info
}

// UniformAlignment returns the minimum offset alignment for uniform
// buffer bindings, never less than 16.
func (c *Context) UniformAlignment() uint64 {
	a := uint64(c.limits.MinUniformBufferOffsetAlignment)
	if a < 16 {
		a = 16
	}
	return a
}

// AlignUniform rounds size up to UniformAlignment.
func (c *Context) AlignUniform(size uint64) uint64 {
	a := c.UniformAlignment()
	return (size + a - 1) / a * a
}

// CompileSPIRV validates WGSL with naga and returns SPIR-V words.
// Results are cached by source.
func CompileSPIRV(wgsl string) ([]uint32, error) {
	return spirvCache.GetOrCreate(wgsl, func() ([]uint32, error) {
		bytes, err := naga.Compile(wgsl)
		if err != nil {
			return nil, err
		}
		// SPIR-V is a stream of little-endian 32-bit words.
		words := make([]uint32, len(bytes)/4)
		for i := range words {
			words[i] = uint32(bytes[i*4]) |
				uint32(bytes[i*4+1])<<8 |
				uint32(bytes[i*4+2])<<16 |
				uint32(bytes[i*4+3])<<24
		}
		return words, nil
	})
}

// ShaderModule returns the module for label, creating it from wgsl on first
// use. Modules are owned by the Context and released by Destroy.
func (c *Context) ShaderModule(label, wgsl string) (hal.ShaderModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if m, ok := c.modules[label]; ok {
		return m, nil
	}

	src := hal.ShaderSource{WGSL: wgsl}
	if c.compileSPIRV {
		words, err := CompileSPIRV(wgsl)
		if err != nil {
			return nil, fmt.Errorf("render: compile %s: %w", label, err)
		}
		src.SPIRV = words
	}
	m, err := c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: label, Source: src})
	if err != nil {
		return nil, fmt.Errorf("render: create shader module %s: %w", label, err)
	}
	c.modules[label] = m
	logging.Logger().Debug("render: shader module created", "label", label, "spirv_words", len(src.SPIRV))
	return m, nil
}

// ObjectLayout returns the bind group layout for per-object uniforms
// (model transform and color, visible to both shader stages).
func (c *Context) ObjectLayout() (hal.BindGroupLayout, error) {
	return c.uniformLayout(&c.objectLayout, "object_uniform_layout", ObjectUniformSize)
}

// FrameLayout returns the bind group layout for per-frame uniforms.
func (c *Context) FrameLayout() (hal.BindGroupLayout, error) {
	return c.uniformLayout(&c.frameLayout, "frame_uniform_layout", FrameUniformSize)
}

func (c *Context) uniformLayout(slot *hal.BindGroupLayout, label string, size uint64) (hal.BindGroupLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if *slot != nil {
		return *slot, nil
	}
	layout, err := c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: label,
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
			Buffer: &gputypes.BufferBindingLayout{
				Type:           gputypes.BufferBindingTypeUniform,
				MinBindingSize: size,
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("render: create %s: %w", label, err)
	}
	*slot = layout
	return layout, nil
}

// WaitSubmission blocks until the queue reports submission index as
// completed, the timeout elapses or ctx is done. A zero timeout uses
// DefaultSubmissionTimeout.
func (c *Context) WaitSubmission(ctx context.Context, index uint64, timeout time.Duration) error {
	if c.queue.PollCompleted() >= index {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultSubmissionTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	interval := c.pollInterval
	const maxInterval = 2 * time.Millisecond
	for {
		tick := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			tick.Stop()
			return ctx.Err()
		case <-deadline.C:
			tick.Stop()
			return fmt.Errorf("%w: submission %d after %v", ErrGPUTimeout, index, timeout)
		case <-tick.C:
		}
		if c.queue.PollCompleted() >= index {
			return nil
		}
		if interval < maxInterval {
			interval *= 2
		}
	}
}

// Destroy releases shader modules and shared layouts, and the device and
// instance when the Context opened them. Safe to call more than once.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true

	for label, m := range c.modules {
		c.device.DestroyShaderModule(m)
		delete(c.modules, label)
	}
	for _, l := range []*hal.BindGroupLayout{&c.objectLayout, &c.frameLayout} {
		if *l != nil {
			c.device.DestroyBindGroupLayout(*l)
			*l = nil
		}
	}
	if c.owned != nil {
		if err := c.device.WaitIdle(); err != nil {
			logging.Logger().Warn("render: wait idle before destroy", "err", err)
		}
		c.device.Destroy()
		c.owned.instance.Destroy()
		c.owned = nil
	}
}

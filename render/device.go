// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/internal/logging"
)

// DeviceHandle provides GPU device access from the host application.
//
// The host (a windowing framework or an editor shell) owns the device and
// hands it to the viewer core. The core never looks the device up from
// global state; every component receives a *Context built from the handle.
//
// DeviceHandle is an alias for gpucontext.DeviceProvider so any gpucontext
// host can be passed directly.
type DeviceHandle = gpucontext.DeviceProvider

// HalProvider is implemented by device handles that can expose their
// underlying HAL device and queue. Returned values must be hal.Device and
// hal.Queue.
type HalProvider interface {
	HalDevice() any
	HalQueue() any
}

// ErrNoHalAccess is returned by FromProvider when the handle does not expose
// HAL objects.
var ErrNoHalAccess = errors.New("render: device handle does not expose HAL device and queue")

// ErrNoAdapter is returned by OpenBackend when the backend reports no adapters.
var ErrNoAdapter = errors.New("render: no GPU adapter available")

// FromProvider builds a Context sharing the host's device and queue.
// Handles implementing HalProvider are unwrapped through it; otherwise
// Device and Queue must themselves be HAL objects.
// The host keeps ownership of the device; Context.Destroy releases only
// resources the Context created itself.
func FromProvider(p DeviceHandle, opts ...ContextOption) (*Context, error) {
	if p == nil {
		return nil, ErrNoHalAccess
	}
	var rawDevice, rawQueue any = p.Device(), p.Queue()
	if hp, ok := p.(HalProvider); ok {
		rawDevice, rawQueue = hp.HalDevice(), hp.HalQueue()
	}
	device, ok := rawDevice.(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: device is %T", ErrNoHalAccess, rawDevice)
	}
	queue, ok := rawQueue.(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: queue is %T", ErrNoHalAccess, rawQueue)
	}
	return NewContext(device, queue, opts...)
}

// ParseBackend maps a backend name to its gputypes identifier.
// "noop" and "software" both select gputypes.BackendEmpty, which is served
// by whichever of the noop or software HAL backends the binary imports.
func ParseBackend(name string) (gputypes.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "vulkan", "vk":
		return gputypes.BackendVulkan, nil
	case "metal", "mtl":
		return gputypes.BackendMetal, nil
	case "dx12", "d3d12":
		return gputypes.BackendDX12, nil
	case "gl", "gles", "opengl":
		return gputypes.BackendGL, nil
	case "noop", "software", "cpu", "empty":
		return gputypes.BackendEmpty, nil
	default:
		return gputypes.BackendEmpty, fmt.Errorf("render: unknown backend %q", name)
	}
}

// OpenBackend creates an instance on the registered backend, opens the
// first adapter and returns a Context that owns the instance and device.
// Backends register themselves on import, e.g. _ "github.com/gogpu/wgpu/hal/vulkan".
func OpenBackend(variant gputypes.Backend, opts ...ContextOption) (*Context, error) {
	backend, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("render: backend %s not registered", variant)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{
		Backends: gputypes.Backends(1) << variant,
	})
	if err != nil {
		return nil, fmt.Errorf("render: create %s instance: %w", variant, err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	exposed := adapters[0]
	open, err := exposed.Adapter.Open(0, exposed.Capabilities.Limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("render: open adapter %q: %w", exposed.Info.Name, err)
	}

	logging.Logger().Info("render: device opened",
		"backend", variant.String(),
		"adapter", exposed.Info.Name,
		"driver", exposed.Info.Driver)

	opts = append([]ContextOption{WithLimits(exposed.Capabilities.Limits)}, opts...)
	rc, err := NewContext(open.Device, open.Queue, opts...)
	if err != nil {
		open.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	rc.owned = &ownedDevice{instance: instance, adapter: exposed.Adapter, info: exposed.Info}
	return rc, nil
}

// ownedDevice records objects the Context must release itself.
type ownedDevice struct {
	instance hal.Instance
	adapter  hal.Adapter
	info     gputypes.AdapterInfo
}

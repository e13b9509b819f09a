package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// UniformBindGroup binds size bytes of buf at offset to binding 0 of a
// single-entry uniform layout.
func UniformBindGroup(device hal.Device, layout hal.BindGroupLayout, label string, buf hal.Buffer, offset, size uint64) (hal.BindGroup, error) {
	group, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  label,
		Layout: layout,
		Entries: []gputypes.BindGroupEntry{{
			Binding: 0,
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: offset,
				Size:   size,
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", label, err)
	}
	return group, nil
}

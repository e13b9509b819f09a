package gpu

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/internal/logging"
)

// Release destroys a resource through fn and never lets a failure escape.
// A panicking backend destroy is recovered and logged so replacement
// resources can still be created. It reports whether the destroy completed.
func Release(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Warn("gpu: resource release failed", "resource", what, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	fn()
	return true
}

// DestroyBuffer releases b if non-nil.
func DestroyBuffer(device hal.Device, b hal.Buffer, what string) {
	if b == nil {
		return
	}
	Release(what, func() { device.DestroyBuffer(b) })
}

// DestroyBindGroup releases g if non-nil.
func DestroyBindGroup(device hal.Device, g hal.BindGroup, what string) {
	if g == nil {
		return
	}
	Release(what, func() { device.DestroyBindGroup(g) })
}

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Target is an offscreen attachment set sized to a viewport. A dimension
// change destroys the old textures and creates new ones; textures are never
// resized in place.
type Target struct {
	Label string

	// ColorFormat is the color attachment format. Undefined means the
	// target has depth only and color is supplied by the caller.
	ColorFormat gputypes.TextureFormat
	// ColorUsage is added to RenderAttachment for the color texture.
	ColorUsage  gputypes.TextureUsage
	DepthFormat gputypes.TextureFormat

	Color     hal.Texture
	ColorView hal.TextureView
	Depth     hal.Texture
	DepthView hal.TextureView

	Width  uint32
	Height uint32

	// Generation counts successful (re)creations.
	Generation uint64
}

// Ensure makes the textures match width x height. It reports whether new
// textures were created.
func (t *Target) Ensure(device hal.Device, width, height uint32) (bool, error) {
	if t.Width == width && t.Height == height && t.Depth != nil {
		return false, nil
	}
	t.Destroy(device)

	size := hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1}

	if t.ColorFormat != gputypes.TextureFormatUndefined {
		tex, err := device.CreateTexture(&hal.TextureDescriptor{
			Label:         t.Label + "_color",
			Size:          size,
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        t.ColorFormat,
			Usage:         gputypes.TextureUsageRenderAttachment | t.ColorUsage,
		})
		if err != nil {
			return false, fmt.Errorf("create %s color texture: %w", t.Label, err)
		}
		t.Color = tex

		view, err := device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label: t.Label + "_color_view",
		})
		if err != nil {
			t.Destroy(device)
			return false, fmt.Errorf("create %s color view: %w", t.Label, err)
		}
		t.ColorView = view
	}

	depth, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         t.Label + "_depth",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        t.DepthFormat,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Destroy(device)
		return false, fmt.Errorf("create %s depth texture: %w", t.Label, err)
	}
	t.Depth = depth

	depthView, err := device.CreateTextureView(depth, &hal.TextureViewDescriptor{
		Label: t.Label + "_depth_view",
	})
	if err != nil {
		t.Destroy(device)
		return false, fmt.Errorf("create %s depth view: %w", t.Label, err)
	}
	t.DepthView = depthView

	t.Width = width
	t.Height = height
	t.Generation++
	return true, nil
}

// Destroy releases all textures and views. Safe on an empty target.
func (t *Target) Destroy(device hal.Device) {
	if t.ColorView != nil {
		Release(t.Label+" color view", func() { device.DestroyTextureView(t.ColorView) })
		t.ColorView = nil
	}
	if t.Color != nil {
		Release(t.Label+" color texture", func() { device.DestroyTexture(t.Color) })
		t.Color = nil
	}
	if t.DepthView != nil {
		Release(t.Label+" depth view", func() { device.DestroyTextureView(t.DepthView) })
		t.DepthView = nil
	}
	if t.Depth != nil {
		Release(t.Label+" depth texture", func() { device.DestroyTexture(t.Depth) })
		t.Depth = nil
	}
	t.Width, t.Height = 0, 0
}

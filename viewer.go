package bimview

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/config"
	"github.com/gogpu/bimview/frame"
	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/pick"
	"github.com/gogpu/bimview/render"
	"github.com/gogpu/bimview/scene"
	"github.com/gogpu/bimview/stream"
)

// ErrClosed is returned by Viewer methods called after Close.
var ErrClosed = errors.New("bimview: viewer closed")

// Viewer ties one mesh store to its streaming adapter, draw pass and
// picker. It does not own the render context.
type Viewer struct {
	rc       *render.Context
	cfg      config.Config
	store    *scene.Store
	adapter  *stream.Adapter
	renderer *frame.Renderer
	picker   *pick.Picker
	closed   bool
}

// New creates a viewer on rc. GPU pipelines are created lazily on the
// first Render and Pick.
func New(rc *render.Context, opts ...Option) (*Viewer, error) {
	if rc == nil {
		return nil, errors.New("bimview: nil render context")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		logging.Set(o.logger)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bimview: %w", err)
	}

	cfg := o.cfg
	store := scene.NewStore(rc)
	streamOpts := []stream.Option{
		stream.WithBatchThreshold(cfg.Stream.BatchThreshold),
		stream.WithZUpToYUp(cfg.Stream.ZUp),
		stream.WithRTCOffset(cfg.Stream.RTCOffset),
		stream.WithDefaultColors(cfg.Stream.DefaultColors),
	}
	if o.progress != nil {
		streamOpts = append(streamOpts, stream.WithProgress(o.progress))
	}
	light := cfg.Render.LightDirection

	v := &Viewer{
		rc:       rc,
		cfg:      cfg,
		store:    store,
		adapter:  stream.NewAdapter(store, streamOpts...),
		renderer: frame.NewRenderer(rc, frame.WithLightDirection(mgl32.Vec3(light))),
		picker:   pick.New(rc, pick.WithTimeout(cfg.Pick.Timeout.Duration())),
	}
	return v, nil
}

// Config returns the configuration the viewer was created with.
func (v *Viewer) Config() config.Config { return v.cfg }

// Store returns the mesh store.
func (v *Viewer) Store() *scene.Store { return v.store }

// Adapter returns the streaming adapter feeding the store.
func (v *Viewer) Adapter() *stream.Adapter { return v.adapter }

// Load replaces the current model with the event stream read from r.
// The stream may be NDJSON or server-sent events. Load returns when the
// stream ends, ctx is done or the server reports an error; geometry
// ingested up to that point stays loaded.
func (v *Viewer) Load(ctx context.Context, r io.Reader, modelID string) error {
	if v.closed {
		return ErrClosed
	}
	v.adapter.Begin(modelID)
	if err := v.adapter.Consume(ctx, stream.NewDecoder(r)); err != nil {
		return fmt.Errorf("bimview: load %s: %w", modelID, err)
	}
	p := v.adapter.Progress()
	logging.Logger().Info("bimview: model loaded",
		"model", modelID,
		"meshes", p.Meshes,
		"instances", p.Instances,
		"batched", p.Batched)
	return nil
}

// Render draws the scene into view. A zero ClearColor or HighlightColor
// in f is taken from the configuration. It returns the submission index.
func (v *Viewer) Render(view hal.TextureView, format gputypes.TextureFormat, f frame.Frame) (uint64, error) {
	if v.closed {
		return 0, ErrClosed
	}
	if f.ClearColor == (scene.Color{}) {
		f.ClearColor = scene.Color(v.cfg.Render.ClearColor)
	}
	if f.HighlightColor == (scene.Color{}) {
		f.HighlightColor = scene.Color(v.cfg.Render.HighlightColor)
	}
	return v.renderer.Render(view, format, v.store, f)
}

// Pick returns the entity visible at pixel (x, y) of a width x height
// viewport. ok is false when the pixel shows background.
func (v *Viewer) Pick(ctx context.Context, x, y, width, height int, viewProj mgl32.Mat4) (id uint32, ok bool, err error) {
	if v.closed {
		return 0, false, ErrClosed
	}
	return v.picker.PickEntity(ctx, x, y, width, height, v.store, viewProj)
}

// Bounds returns the bounding box of everything loaded.
func (v *Viewer) Bounds() scene.Bounds { return v.store.Bounds() }

// Stats returns store counters.
func (v *Viewer) Stats() scene.Stats { return v.store.Stats() }

// FitView returns a view-projection framing the loaded model from dir.
func (v *Viewer) FitView(dir mgl32.Vec3, aspect float32) mgl32.Mat4 {
	return scene.FitView(v.store.Bounds(), dir, aspect)
}

// Clear releases all geometry and resets streaming state. Pipelines and
// pick targets are kept.
func (v *Viewer) Clear() {
	if v.closed {
		return
	}
	v.adapter.Reset()
}

// Close releases every GPU resource the viewer created. It is safe to
// call more than once. The render context is left open.
func (v *Viewer) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.picker.Destroy()
	v.renderer.Destroy()
	v.store.Clear()
}

// Command bimview streams a geometry event log into the viewer core,
// renders one offscreen frame framing the model and optionally picks the
// entity under a pixel.
//
// Usage:
//
//	bimview [-config bimview.yaml] [-backend vulkan] [-pick 640,360] model.ndjson|URL
//
// The input is NDJSON or server-sent events as produced by the geometry
// server. "-" reads standard input.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	// Register the HAL backends selectable by -backend.
	_ "github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/bimview"
	"github.com/gogpu/bimview/config"
	"github.com/gogpu/bimview/frame"
	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/render"
	"github.com/gogpu/bimview/stream"
)

const surfaceFormat = gputypes.TextureFormatBGRA8Unorm

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		backend    = flag.String("backend", "", "GPU backend, overrides the configuration")
		modelID    = flag.String("model", "", "model id (defaults to the input name)")
		pickAt     = flag.String("pick", "", "pick the entity under pixel x,y")
		quiet      = flag.Bool("quiet", false, "disable the progress bar")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bimview [flags] model.ndjson|URL|-")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, options{
		configPath: *configPath,
		backend:    *backend,
		input:      flag.Arg(0),
		modelID:    *modelID,
		pickAt:     *pickAt,
		quiet:      *quiet,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "bimview: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	backend    string
	input      string
	modelID    string
	pickAt     string
	quiet      bool
}

func run(ctx context.Context, opts options) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var pickX, pickY int
	if opts.pickAt != "" {
		var err error
		if pickX, pickY, err = parsePoint(opts.pickAt); err != nil {
			return err
		}
	}
	if opts.modelID == "" {
		opts.modelID = opts.input
	}

	variant, err := render.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	rc, err := render.OpenBackend(variant)
	if err != nil {
		return err
	}
	defer rc.Destroy()

	var bar *progressbar.ProgressBar
	if !opts.quiet {
		bar = progressbar.Default(-1, "streaming")
		defer bar.Close()
	}
	v, err := bimview.New(rc,
		bimview.WithConfig(cfg),
		bimview.WithLogger(logger),
		bimview.WithProgress(func(p stream.Progress) { updateBar(bar, p) }))
	if err != nil {
		return err
	}
	defer v.Close()

	in, err := openInput(ctx, opts.input)
	if err != nil {
		return err
	}
	defer in.Close()

	start := time.Now()
	loadErr := v.Load(ctx, in, opts.modelID)
	if bar != nil {
		_ = bar.Finish()
	}
	if loadErr != nil && !errors.Is(loadErr, stream.ErrMalformed) && !errors.Is(loadErr, stream.ErrRemote) {
		return loadErr
	}
	if loadErr != nil {
		logger.Warn("model loaded with errors", "err", loadErr)
	}
	report(os.Stdout, v, time.Since(start))

	w, h := cfg.Viewport.Width, cfg.Viewport.Height
	viewProj := v.FitView(mgl32.Vec3{-1, -1, -1}, float32(w)/float32(h))
	if err := renderOnce(ctx, rc, v, w, h, viewProj, cfg.Pick.Timeout.Duration()); err != nil {
		return err
	}

	if opts.pickAt != "" {
		id, ok, err := v.Pick(ctx, pickX, pickY, w, h, viewProj)
		switch {
		case err != nil:
			return fmt.Errorf("pick: %w", err)
		case ok:
			fmt.Printf("pick %d,%d: entity #%d\n", pickX, pickY, id)
		default:
			fmt.Printf("pick %d,%d: background\n", pickX, pickY)
		}
	}
	return nil
}

// renderOnce draws one frame into an offscreen target and waits for it.
func renderOnce(ctx context.Context, rc *render.Context, v *bimview.Viewer, w, h int, viewProj mgl32.Mat4, timeout time.Duration) error {
	dev := rc.Device()
	tex, err := dev.CreateTexture(&hal.TextureDescriptor{
		Label:         "offscreen",
		Size:          hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        surfaceFormat,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return fmt.Errorf("create offscreen target: %w", err)
	}
	defer dev.DestroyTexture(tex)
	view, err := dev.CreateTextureView(tex, &hal.TextureViewDescriptor{Label: "offscreen_view"})
	if err != nil {
		return fmt.Errorf("create offscreen view: %w", err)
	}
	defer dev.DestroyTextureView(view)

	index, err := v.Render(view, surfaceFormat, frame.Frame{ViewProj: viewProj, Width: w, Height: h})
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return rc.WaitSubmission(ctx, index, timeout)
}

func updateBar(bar *progressbar.ProgressBar, p stream.Progress) {
	if bar == nil {
		return
	}
	if p.Total > 0 && bar.GetMax() != p.Total {
		bar.ChangeMax(p.Total)
	}
	if p.Batched {
		bar.Describe("streaming (batched)")
	}
	_ = bar.Set(p.Processed)
}

func report(w io.Writer, v *bimview.Viewer, elapsed time.Duration) {
	pr := message.NewPrinter(language.English)
	st := v.Stats()
	p := v.Adapter().Progress()
	pr.Fprintf(w, "model %s: %d entities in %v\n", p.ModelID, p.Meshes+p.Instances, elapsed.Round(time.Millisecond))
	pr.Fprintf(w, "  draw calls %d (meshes %d, instanced %d, batches %d)\n",
		st.DrawCalls, st.Meshes, st.InstancedMeshes, st.Batches)
	pr.Fprintf(w, "  vertices %d, triangles %d, gpu memory %d bytes\n", st.Vertices, st.Triangles, st.GPUBytes)
	if p.Duplicates > 0 || p.Errors > 0 {
		pr.Fprintf(w, "  duplicates %d, errors %d\n", p.Duplicates, p.Errors)
	}
	if b := v.Bounds(); b.Valid() {
		size := b.Size()
		pr.Fprintf(w, "  extent %.2f x %.2f x %.2f\n", size[0], size[1], size[2])
	}
	if meta, stats := v.Adapter().Metadata(); meta != nil {
		pr.Fprintf(w, "  schema %s, %d entities (%d with geometry)\n",
			meta.SchemaVersion, meta.EntityCount, meta.GeometryEntityCount)
		if stats != nil {
			pr.Fprintf(w, "  server parse %dms, geometry %dms\n", stats.ParseTimeMS, stats.GeometryTimeMS)
		}
	}
}

func openInput(ctx context.Context, name string) (io.ReadCloser, error) {
	switch {
	case name == "-":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, name, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("GET %s: %s", name, resp.Status)
		}
		return resp.Body, nil
	default:
		return os.Open(name)
	}
}

func parsePoint(s string) (x, y int, err error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid point %q, want x,y", s)
	}
	if x, err = strconv.Atoi(strings.TrimSpace(xs)); err != nil {
		return 0, 0, fmt.Errorf("invalid point %q: %w", s, err)
	}
	if y, err = strconv.Atoi(strings.TrimSpace(ys)); err != nil {
		return 0, 0, fmt.Errorf("invalid point %q: %w", s, err)
	}
	return x, y, nil
}

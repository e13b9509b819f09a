package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/scene"
)

// DefaultBatchThreshold is the number of streamed entities after which an
// Adapter switches from standalone meshes to color batches.
const DefaultBatchThreshold = 500

// ErrRemote wraps error events reported by the parser.
var ErrRemote = errors.New("stream: parser error")

// zUpToYUp maps (x, y, z) to (x, z, -y).
var zUpToYUp = mgl32.Mat4{
	1, 0, 0, 0,
	0, 0, -1, 0,
	0, 1, 0, 0,
	0, 0, 0, 1,
}

// Sink receives streamed geometry. *scene.Store implements it.
type Sink interface {
	Clear()
	ClearRegularMeshes()
	AddMeshData(id uint32, data *scene.MeshData) error
	HasMeshData(id uint32) bool
	MeshData(id uint32) (*scene.MeshData, bool)
	EnsureMesh(id uint32) (*scene.Mesh, error)
	AppendToBatches(chunk []*scene.MeshData) error
	CreateInstancedMesh(geometryID uint64, data *scene.MeshData, instances []scene.Instance) (*scene.InstancedMesh, error)
}

// Progress is a snapshot of an Adapter's work on the current model.
type Progress struct {
	ModelID string
	// Processed and Total come from the parser's progress events.
	Processed int
	Total     int

	Meshes     int
	Instances  int
	Duplicates int
	Errors     int

	Batched bool
	Done    bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBatchThreshold sets how many entities are shown as standalone meshes
// before the model is moved into color batches. n <= 0 batches from the
// first chunk.
func WithBatchThreshold(n int) Option {
	return func(a *Adapter) { a.threshold = n }
}

// WithZUpToYUp enables or disables the (x, y, z) → (x, z, -y) conversion
// applied to every position, normal and instance transform. Enabled by
// default.
func WithZUpToYUp(enabled bool) Option {
	return func(a *Adapter) { a.zUp = enabled }
}

// WithRTCOffset subtracts offset, in source coordinates, from every
// position before conversion. Used for geo-referenced models far from the
// origin.
func WithRTCOffset(offset [3]float64) Option {
	return func(a *Adapter) { a.rtc = offset }
}

// WithDefaultColors replaces chunk colors with zero alpha by the fallback
// color of the entity's IFC type. Enabled by default.
func WithDefaultColors(enabled bool) Option {
	return func(a *Adapter) { a.defaultColors = enabled }
}

// WithProgress registers fn to be called after every handled event.
func WithProgress(fn func(Progress)) Option {
	return func(a *Adapter) { a.onProgress = fn }
}

// Adapter applies a geometry stream to a Sink. An entity id is realized at
// most once per model; later deliveries of the same id are counted as
// duplicates and ignored. Like the Sink it feeds, an Adapter is not safe
// for concurrent use.
type Adapter struct {
	sink Sink

	threshold     int
	zUp           bool
	rtc           [3]float64
	defaultColors bool
	onProgress    func(Progress)

	seen     map[uint32]struct{}
	cached   []uint32
	progress Progress
	metadata *Metadata
	stats    *Stats
}

// NewAdapter returns an adapter feeding sink.
func NewAdapter(sink Sink, opts ...Option) *Adapter {
	a := &Adapter{
		sink:          sink,
		threshold:     DefaultBatchThreshold,
		zUp:           true,
		defaultColors: true,
		seen:          make(map[uint32]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Begin starts a new model. The sink is always cleared first so geometry
// of two models is never mixed.
func (a *Adapter) Begin(modelID string) {
	a.Reset()
	a.progress.ModelID = modelID
	logging.Logger().Info("stream: model started", "model", modelID)
}

// Reset clears the sink and forgets every delivered entity.
func (a *Adapter) Reset() {
	a.sink.Clear()
	a.seen = make(map[uint32]struct{})
	a.cached = nil
	a.metadata, a.stats = nil, nil
	a.progress = Progress{}
}

// Progress returns the current progress snapshot.
func (a *Adapter) Progress() Progress { return a.progress }

// Metadata returns the metadata of the completed model, if any.
func (a *Adapter) Metadata() (*Metadata, *Stats) { return a.metadata, a.stats }

// Ingest realizes a chunk of entity meshes. Invalid meshes are skipped and
// reported in the returned error; the rest of the chunk is still applied.
func (a *Adapter) Ingest(chunks []MeshChunk) error {
	var (
		errs  []error
		fresh []*scene.MeshData
	)
	for i := range chunks {
		c := &chunks[i]
		if a.duplicate(c.ExpressID) {
			a.progress.Duplicates++
			continue
		}
		data := a.meshData(c)
		if err := data.Validate(); err != nil {
			a.progress.Errors++
			errs = append(errs, err)
			continue
		}
		a.seen[c.ExpressID] = struct{}{}
		fresh = append(fresh, data)
	}
	if len(fresh) == 0 {
		return errors.Join(errs...)
	}
	a.progress.Meshes += len(fresh)

	switch {
	case a.progress.Batched:
		errs = append(errs, a.countErr(a.sink.AppendToBatches(fresh)))
	case len(a.cached)+len(fresh) > a.threshold:
		for _, d := range fresh {
			if err := a.sink.AddMeshData(d.EntityID, d); err != nil {
				errs = append(errs, a.countErr(err))
				continue
			}
			a.cached = append(a.cached, d.EntityID)
		}
		errs = append(errs, a.promote())
	default:
		for _, d := range fresh {
			if err := a.sink.AddMeshData(d.EntityID, d); err != nil {
				errs = append(errs, a.countErr(err))
				continue
			}
			a.cached = append(a.cached, d.EntityID)
			if _, err := a.sink.EnsureMesh(d.EntityID); err != nil {
				errs = append(errs, a.countErr(err))
			}
		}
	}
	return errors.Join(errs...)
}

// promote replaces every standalone mesh by color batches built from the
// cached geometry.
func (a *Adapter) promote() error {
	a.sink.ClearRegularMeshes()
	all := make([]*scene.MeshData, 0, len(a.cached))
	for _, id := range a.cached {
		if d, ok := a.sink.MeshData(id); ok {
			all = append(all, d)
		}
	}
	a.progress.Batched = true
	a.cached = nil
	logging.Logger().Info("stream: switched to batched rendering",
		"model", a.progress.ModelID, "entities", len(all), "threshold", a.threshold)
	return a.countErr(a.sink.AppendToBatches(all))
}

// IngestInstanced realizes shared geometries. Instances whose entity was
// already delivered are dropped; a geometry left without instances is
// skipped.
func (a *Adapter) IngestInstanced(chunks []InstancedChunk) error {
	var errs []error
	for i := range chunks {
		c := &chunks[i]
		instances := make([]scene.Instance, 0, len(c.Instances))
		for _, in := range c.Instances {
			if a.duplicate(in.ExpressID) {
				a.progress.Duplicates++
				continue
			}
			a.seen[in.ExpressID] = struct{}{}
			instances = append(instances, scene.Instance{
				EntityID:  in.ExpressID,
				Transform: a.transform(mgl32.Mat4(in.Transform)),
				Color:     a.color(in.Color, c.IfcType),
			})
		}
		if len(instances) == 0 {
			continue
		}
		data := &scene.MeshData{
			EntityID:  instances[0].EntityID,
			IfcType:   c.IfcType,
			Positions: a.positions(c.Positions, false),
			Normals:   a.normals(c.Normals),
			Indices:   c.Indices,
		}
		if _, err := a.sink.CreateInstancedMesh(c.GeometryID, data, instances); err != nil {
			for _, in := range instances {
				delete(a.seen, in.EntityID)
			}
			errs = append(errs, a.countErr(err))
			continue
		}
		a.progress.Instances += len(instances)
	}
	return errors.Join(errs...)
}

// Handle applies one event.
func (a *Adapter) Handle(ev Event) error {
	var err error
	switch ev.Type {
	case EventStart:
		a.progress.Total = ev.TotalEstimate
	case EventProgress:
		a.progress.Processed, a.progress.Total = ev.Processed, ev.Total
	case EventBatch:
		err = a.Ingest(ev.Meshes)
	case EventInstanced:
		err = a.IngestInstanced(ev.Geometries)
	case EventComplete:
		a.metadata, a.stats = ev.Metadata, ev.Stats
		a.progress.Done = true
		a.progress.Processed = a.progress.Total
		logging.Logger().Info("stream: model complete",
			"model", a.progress.ModelID,
			"meshes", a.progress.Meshes,
			"instances", a.progress.Instances,
			"duplicates", a.progress.Duplicates,
			"batched", a.progress.Batched)
	case EventError:
		a.progress.Errors++
		err = fmt.Errorf("%w: %s", ErrRemote, ev.Message)
	default:
		logging.Logger().Debug("stream: ignoring event", "type", string(ev.Type))
	}
	if a.onProgress != nil {
		a.onProgress(a.progress)
	}
	return err
}

// Run handles events until the channel closes or ctx is done. Errors of
// individual events do not stop the stream; they are joined and returned
// at the end.
func (a *Adapter) Run(ctx context.Context, events <-chan Event) error {
	var errs []error
	for {
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case ev, ok := <-events:
			if !ok {
				return errors.Join(errs...)
			}
			if err := a.Handle(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

// Consume decodes events from dec on a helper goroutine and handles them
// on the calling one. A decode error stops the stream.
func (a *Adapter) Consume(ctx context.Context, dec *Decoder) error {
	g, gctx := errgroup.WithContext(ctx)
	events := make(chan Event, 8)
	g.Go(func() error {
		defer close(events)
		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return nil
			}
		}
	})
	runErr := a.Run(gctx, events)
	decodeErr := g.Wait()
	if decodeErr != nil && ctx.Err() == nil {
		// The decode failure cancelled gctx; that cancellation is not news.
		runErr = withoutCanceled(runErr)
	}
	return errors.Join(runErr, decodeErr)
}

func withoutCanceled(err error) error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var keep []error
		for _, e := range joined.Unwrap() {
			if !errors.Is(e, context.Canceled) {
				keep = append(keep, e)
			}
		}
		return errors.Join(keep...)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Adapter) duplicate(id uint32) bool {
	if _, ok := a.seen[id]; ok {
		return true
	}
	return a.sink.HasMeshData(id)
}

func (a *Adapter) countErr(err error) error {
	if err != nil {
		a.progress.Errors++
	}
	return err
}

func (a *Adapter) meshData(c *MeshChunk) *scene.MeshData {
	return &scene.MeshData{
		EntityID:  c.ExpressID,
		IfcType:   c.IfcType,
		Positions: a.positions(c.Positions, true),
		Normals:   a.normals(c.Normals),
		Indices:   c.Indices,
		Color:     a.color(c.Color, c.IfcType),
	}
}

func (a *Adapter) color(c [4]float32, ifcType string) scene.Color {
	if a.defaultColors && c[3] == 0 {
		return scene.DefaultColor(ifcType)
	}
	return scene.Color(c)
}

// positions returns src converted to the viewer frame. shift applies the
// RTC offset; instanced geometry is in local space and gets it through its
// transforms instead.
func (a *Adapter) positions(src []float32, shift bool) []float32 {
	if !a.zUp && (!shift || a.rtc == [3]float64{}) {
		return src
	}
	out := make([]float32, len(src))
	for i := 0; i+2 < len(src); i += 3 {
		x, y, z := src[i], src[i+1], src[i+2]
		if shift {
			x = float32(float64(x) - a.rtc[0])
			y = float32(float64(y) - a.rtc[1])
			z = float32(float64(z) - a.rtc[2])
		}
		if a.zUp {
			y, z = z, -y
		}
		out[i], out[i+1], out[i+2] = x, y, z
	}
	return out
}

func (a *Adapter) normals(src []float32) []float32 {
	if !a.zUp {
		return src
	}
	out := make([]float32, len(src))
	for i := 0; i+2 < len(src); i += 3 {
		out[i], out[i+1], out[i+2] = src[i], src[i+2], -src[i+1]
	}
	return out
}

// transform maps an instance transform from source to viewer frame.
func (a *Adapter) transform(m mgl32.Mat4) mgl32.Mat4 {
	if a.rtc != [3]float64{} {
		m = mgl32.Translate3D(float32(-a.rtc[0]), float32(-a.rtc[1]), float32(-a.rtc[2])).Mul4(m)
	}
	if a.zUp {
		m = zUpToYUp.Mul4(m).Mul4(zUpToYUp.Transpose())
	}
	return m
}

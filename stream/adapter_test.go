package stream

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/bimview/internal/gputest"
	"github.com/gogpu/bimview/render"
	"github.com/gogpu/bimview/scene"
)

func newTestStore(t *testing.T) (*scene.Store, *gputest.Device) {
	t.Helper()
	dev, queue := gputest.New(t)
	rc, err := render.NewContext(dev, queue, render.WithSPIRV(false), render.WithPollInterval(time.Microsecond))
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	s := scene.NewStore(rc)
	t.Cleanup(func() {
		s.Clear()
		rc.Destroy()
	})
	return s, dev
}

// triangle returns a one-triangle chunk lying in the source XY plane.
func triangle(id uint32, c [4]float32) MeshChunk {
	return MeshChunk{
		ExpressID: id,
		IfcType:   "IfcWall",
		Positions: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Normals:   []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:   []uint32{0, 1, 2},
		Color:     c,
	}
}

var (
	red  = [4]float32{1, 0, 0, 1}
	blue = [4]float32{0, 0, 1, 1}
)

func memberIDs(s *scene.Store) []uint32 {
	var ids []uint32
	for _, b := range s.BatchedMeshes() {
		ids = append(ids, b.MemberIDs...)
	}
	slices.Sort(ids)
	return ids
}

func TestIngestBelowThresholdCreatesStandaloneMeshes(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store, WithBatchThreshold(10))
	a.Begin("model-a")

	if err := a.Ingest([]MeshChunk{triangle(1, red), triangle(2, blue)}); err != nil {
		t.Fatal(err)
	}
	if got := len(store.Meshes()); got != 2 {
		t.Errorf("standalone meshes = %d, want 2", got)
	}
	if got := len(store.BatchedMeshes()); got != 0 {
		t.Errorf("batches = %d, want 0", got)
	}
	if p := a.Progress(); p.Meshes != 2 || p.Batched || p.ModelID != "model-a" {
		t.Errorf("progress = %+v", p)
	}
}

func TestIngestIgnoresDuplicates(t *testing.T) {
	store, dev := newTestStore(t)
	a := NewAdapter(store, WithBatchThreshold(10))
	a.Begin("m")

	if err := a.Ingest([]MeshChunk{triangle(1, red), triangle(1, red)}); err != nil {
		t.Fatal(err)
	}
	before := dev.Live()
	if err := a.Ingest([]MeshChunk{triangle(1, blue)}); err != nil {
		t.Fatal(err)
	}
	if got := len(store.Meshes()); got != 1 {
		t.Errorf("meshes = %d, want 1", got)
	}
	if after := dev.Live(); after != before {
		t.Errorf("duplicate allocated resources: %+v -> %+v", before, after)
	}
	if d := a.Progress().Duplicates; d != 2 {
		t.Errorf("duplicates = %d, want 2", d)
	}
	if data, _ := store.MeshData(1); data.Color != scene.Color(red) {
		t.Error("duplicate replaced the first delivery")
	}
}

func TestIngestPromotesPastThreshold(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store, WithBatchThreshold(2))
	a.Begin("m")

	if err := a.Ingest([]MeshChunk{triangle(1, red), triangle(2, red)}); err != nil {
		t.Fatal(err)
	}
	if len(store.Meshes()) != 2 || a.Progress().Batched {
		t.Fatalf("at threshold: meshes = %d, batched = %v", len(store.Meshes()), a.Progress().Batched)
	}

	if err := a.Ingest([]MeshChunk{triangle(3, blue)}); err != nil {
		t.Fatal(err)
	}
	if got := len(store.Meshes()); got != 0 {
		t.Errorf("standalone meshes after promotion = %d, want 0", got)
	}
	if got := len(store.BatchedMeshes()); got != 2 {
		t.Errorf("batches = %d, want 2", got)
	}
	if !a.Progress().Batched {
		t.Error("progress not marked batched")
	}

	if err := a.Ingest([]MeshChunk{triangle(4, red), triangle(2, red)}); err != nil {
		t.Fatal(err)
	}
	if got, want := memberIDs(store), []uint32{1, 2, 3, 4}; !slices.Equal(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}
	if got := len(store.Meshes()); got != 0 {
		t.Errorf("standalone meshes after batched ingest = %d, want 0", got)
	}
}

func TestIngestBatchesImmediatelyWithZeroThreshold(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store, WithBatchThreshold(0))
	a.Begin("m")
	if err := a.Ingest([]MeshChunk{triangle(1, red), triangle(2, red), triangle(3, blue)}); err != nil {
		t.Fatal(err)
	}
	if len(store.Meshes()) != 0 || len(store.BatchedMeshes()) != 2 {
		t.Errorf("meshes = %d, batches = %d; want 0, 2", len(store.Meshes()), len(store.BatchedMeshes()))
	}
}

func TestIngestSkipsInvalidMeshes(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store)
	a.Begin("m")

	bad := triangle(2, red)
	bad.Indices = []uint32{0, 1, 9}
	err := a.Ingest([]MeshChunk{triangle(1, red), bad})

	var gerr *scene.GeometryError
	if !errors.As(err, &gerr) || gerr.EntityID != 2 {
		t.Fatalf("err = %v, want GeometryError for entity 2", err)
	}
	if !store.HasMeshData(1) || store.HasMeshData(2) {
		t.Error("valid mesh not ingested or invalid mesh cached")
	}
	if a.Progress().Errors != 1 {
		t.Errorf("errors = %d, want 1", a.Progress().Errors)
	}
}

func TestCoordinateConversion(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		wantPos  []float32
		wantNorm []float32
	}{
		{
			name:     "z up to y up",
			wantPos:  []float32{0, 0, 0, 1, 0, 0, 0, 0, -1},
			wantNorm: []float32{0, 1, 0, 0, 1, 0, 0, 1, 0},
		},
		{
			name:     "disabled",
			opts:     []Option{WithZUpToYUp(false)},
			wantPos:  []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
			wantNorm: []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		},
		{
			name:     "rtc offset then conversion",
			opts:     []Option{WithRTCOffset([3]float64{1, 0, 2})},
			wantPos:  []float32{-1, -2, 0, 0, -2, 0, -1, -2, -1},
			wantNorm: []float32{0, 1, 0, 0, 1, 0, 0, 1, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			a := NewAdapter(store, tt.opts...)
			a.Begin("m")
			if err := a.Ingest([]MeshChunk{triangle(1, red)}); err != nil {
				t.Fatal(err)
			}
			data, ok := store.MeshData(1)
			if !ok {
				t.Fatal("mesh data not cached")
			}
			if !slices.Equal(data.Positions, tt.wantPos) {
				t.Errorf("positions = %v, want %v", data.Positions, tt.wantPos)
			}
			if !slices.Equal(data.Normals, tt.wantNorm) {
				t.Errorf("normals = %v, want %v", data.Normals, tt.wantNorm)
			}
		})
	}
}

func TestDefaultColors(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store)
	a.Begin("m")
	c := triangle(1, [4]float32{})
	c.IfcType = "IfcWindow"
	if err := a.Ingest([]MeshChunk{c}); err != nil {
		t.Fatal(err)
	}
	data, _ := store.MeshData(1)
	if data.Color != scene.DefaultColor("IfcWindow") {
		t.Errorf("color = %v, want IfcWindow default", data.Color)
	}

	store2, _ := newTestStore(t)
	b := NewAdapter(store2, WithDefaultColors(false))
	b.Begin("m")
	if err := b.Ingest([]MeshChunk{c}); err != nil {
		t.Fatal(err)
	}
	if data, _ := store2.MeshData(1); data.Color != (scene.Color{}) {
		t.Errorf("color = %v, want the chunk color kept", data.Color)
	}
}

func TestIngestInstanced(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store)
	a.Begin("m")

	src := mgl32.Translate3D(1, 2, 3)
	geom := InstancedChunk{
		GeometryID: 77,
		IfcType:    "IfcColumn",
		Positions:  []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Normals:    []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:    []uint32{0, 1, 2},
		Instances: []InstanceChunk{
			{ExpressID: 10, Transform: src, Color: red},
			{ExpressID: 11, Transform: mgl32.Ident4(), Color: blue},
			{ExpressID: 10, Transform: mgl32.Ident4(), Color: blue},
		},
	}
	if err := a.IngestInstanced([]InstancedChunk{geom}); err != nil {
		t.Fatal(err)
	}

	inst := store.InstancedMeshes()
	if len(inst) != 1 {
		t.Fatalf("instanced meshes = %d, want 1", len(inst))
	}
	if !slices.Equal(inst[0].EntityIDs, []uint32{10, 11}) {
		t.Errorf("entity ids = %v, want [10 11]", inst[0].EntityIDs)
	}
	if p := a.Progress(); p.Instances != 2 || p.Duplicates != 1 {
		t.Errorf("progress = %+v", p)
	}

	// Instance 10 moves the triangle to x 1..2, y 3, z -3..-2 in the
	// viewer frame; instance 11 leaves it at the origin.
	b := store.Bounds()
	if !b.Valid() {
		t.Fatal("bounds invalid")
	}
	if b.Min != [3]float64{0, 0, -3} || b.Max != [3]float64{2, 3, 0} {
		t.Errorf("bounds = %+v", b)
	}

	// Entities delivered as instances are duplicates for mesh chunks too.
	if err := a.Ingest([]MeshChunk{triangle(11, red)}); err != nil {
		t.Fatal(err)
	}
	if len(store.Meshes()) != 0 {
		t.Error("instanced entity re-added as a standalone mesh")
	}
}

func TestAdapterTransform(t *testing.T) {
	a := NewAdapter(nil)
	got := a.transform(mgl32.Translate3D(1, 2, 3))
	p := got.Mul4x1(mgl32.Vec4{0, 0, 0, 1})
	if !p.ApproxEqual(mgl32.Vec4{1, 3, -2, 1}) {
		t.Errorf("origin maps to %v, want (1, 3, -2)", p)
	}
	// A source point (0, 1, 0) relative to the instance becomes (0, 0, -1)
	// in the viewer frame; the converted transform must keep that offset.
	q := got.Mul4x1(mgl32.Vec4{0, 0, -1, 1})
	if !q.ApproxEqual(mgl32.Vec4{1, 3, -3, 1}) {
		t.Errorf("offset point maps to %v, want (1, 3, -3)", q)
	}
}

type recordingSink struct {
	*scene.Store
	calls []string
}

func (r *recordingSink) Clear() {
	r.calls = append(r.calls, "clear")
	r.Store.Clear()
}

func (r *recordingSink) ClearRegularMeshes() {
	r.calls = append(r.calls, "clear-regular")
	r.Store.ClearRegularMeshes()
}

func (r *recordingSink) AppendToBatches(chunk []*scene.MeshData) error {
	r.calls = append(r.calls, "append")
	return r.Store.AppendToBatches(chunk)
}

func TestBeginClearsBeforeEveryModel(t *testing.T) {
	store, dev := newTestStore(t)
	sink := &recordingSink{Store: store}
	a := NewAdapter(sink, WithBatchThreshold(0))

	a.Begin("first")
	if err := a.Ingest([]MeshChunk{triangle(1, red)}); err != nil {
		t.Fatal(err)
	}
	a.Begin("second")
	if live := dev.Live(); live.Total() != 0 {
		t.Errorf("live after model switch = %+v", live)
	}
	// The same id belongs to a new model and is not a duplicate.
	if err := a.Ingest([]MeshChunk{triangle(1, blue)}); err != nil {
		t.Fatal(err)
	}
	want := []string{"clear", "clear-regular", "append", "clear", "clear-regular", "append"}
	if !slices.Equal(sink.calls, want) {
		t.Errorf("calls = %v, want %v", sink.calls, want)
	}
	if got := memberIDs(store); !slices.Equal(got, []uint32{1}) {
		t.Errorf("members = %v, want [1]", got)
	}
}

func TestHandleEvents(t *testing.T) {
	store, _ := newTestStore(t)
	var seen []Progress
	a := NewAdapter(store, WithProgress(func(p Progress) { seen = append(seen, p) }))
	a.Begin("m")

	events := []Event{
		{Type: EventStart, TotalEstimate: 2},
		{Type: EventBatch, Meshes: []MeshChunk{triangle(1, red)}},
		{Type: EventProgress, Processed: 1, Total: 2},
		{Type: "heartbeat"},
		{Type: EventComplete, Metadata: &Metadata{SchemaVersion: "IFC4"}, Stats: &Stats{TotalMeshes: 1}},
	}
	for _, ev := range events {
		if err := a.Handle(ev); err != nil {
			t.Fatalf("Handle(%s) failed: %v", ev.Type, err)
		}
	}
	if len(seen) != len(events) {
		t.Errorf("progress callbacks = %d, want %d", len(seen), len(events))
	}
	p := a.Progress()
	if !p.Done || p.Processed != 2 || p.Total != 2 || p.Meshes != 1 {
		t.Errorf("progress = %+v", p)
	}
	if md, st := a.Metadata(); md == nil || md.SchemaVersion != "IFC4" || st == nil || st.TotalMeshes != 1 {
		t.Errorf("metadata = %+v, stats = %+v", md, st)
	}

	err := a.Handle(Event{Type: EventError, Message: "bad entity"})
	if !errors.Is(err, ErrRemote) || !strings.Contains(err.Error(), "bad entity") {
		t.Errorf("err = %v, want ErrRemote", err)
	}
}

func TestRunJoinsErrorsAndHonorsContext(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store)
	a.Begin("m")

	events := make(chan Event, 3)
	events <- Event{Type: EventError, Message: "one"}
	events <- Event{Type: EventBatch, Meshes: []MeshChunk{triangle(1, red)}}
	events <- Event{Type: EventError, Message: "two"}
	close(events)
	err := a.Run(context.Background(), events)
	if !errors.Is(err, ErrRemote) || !strings.Contains(err.Error(), "two") {
		t.Errorf("err = %v, want both remote errors", err)
	}
	if !store.HasMeshData(1) {
		t.Error("errors stopped the stream")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx, make(chan Event)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func encodeNDJSON(t *testing.T, events ...Event) string {
	t.Helper()
	var sb strings.Builder
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		sb.Write(b)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func TestConsume(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store, WithBatchThreshold(1))
	a.Begin("m")

	input := encodeNDJSON(t,
		Event{Type: EventStart, TotalEstimate: 3},
		Event{Type: EventBatch, BatchNumber: 1, Meshes: []MeshChunk{triangle(1, red)}},
		Event{Type: EventBatch, BatchNumber: 2, Meshes: []MeshChunk{triangle(2, red), triangle(3, blue)}},
		Event{Type: EventComplete},
	)
	if err := a.Consume(context.Background(), NewDecoder(strings.NewReader(input))); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if p := a.Progress(); !p.Done || !p.Batched || p.Meshes != 3 {
		t.Errorf("progress = %+v", p)
	}
	if got := memberIDs(store); !slices.Equal(got, []uint32{1, 2, 3}) {
		t.Errorf("members = %v", got)
	}
}

func TestConsumeStopsOnMalformedInput(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAdapter(store)
	a.Begin("m")

	input := encodeNDJSON(t, Event{Type: EventStart, TotalEstimate: 1}) + "{broken\n"
	err := a.Consume(context.Background(), NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("err = %v carries the internal cancellation", err)
	}
}

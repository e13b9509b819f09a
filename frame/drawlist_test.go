package frame

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gogpu/bimview/scene"
)

type fakeSource struct {
	meshes    []*scene.Mesh
	instanced []*scene.InstancedMesh
	batches   []*scene.BatchedMesh
}

func (s *fakeSource) Meshes() []*scene.Mesh                   { return s.meshes }
func (s *fakeSource) InstancedMeshes() []*scene.InstancedMesh { return s.instanced }
func (s *fakeSource) BatchedMeshes() []*scene.BatchedMesh     { return s.batches }

// batchOf builds a batch whose members each own six indices.
func batchOf(ids ...uint32) *scene.BatchedMesh {
	b := &scene.BatchedMesh{Color: scene.Color{1, 1, 1, 1}, MemberIDs: ids}
	for i, id := range ids {
		b.Ranges = append(b.Ranges, scene.MemberRange{EntityID: id, FirstIndex: uint32(i * 6), IndexCount: 6})
	}
	b.IndexCount = uint32(len(ids) * 6)
	return b
}

type span struct {
	first, count uint32
	highlight    bool
}

func batchSpans(draws []Draw) []span {
	var out []span
	for _, d := range draws {
		if d.Kind == KindBatch {
			out = append(out, span{d.FirstIndex, d.IndexCount, d.Highlight})
		}
	}
	return out
}

func TestBuildDrawListBatches(t *testing.T) {
	src := &fakeSource{batches: []*scene.BatchedMesh{batchOf(1, 2, 3, 4)}}

	tests := []struct {
		name  string
		frame Frame
		want  []span
	}{
		{"untouched batch drawn whole", Frame{}, []span{{0, 24, false}}},
		{"hidden middle member", Frame{Hidden: NewIDSet(2)}, []span{{0, 6, false}, {12, 12, false}}},
		{"selected member", Frame{Selected: NewIDSet(3)}, []span{{0, 12, false}, {12, 6, true}, {18, 6, false}}},
		{"isolation", Frame{Isolated: NewIDSet(2, 3)}, []span{{6, 12, false}}},
		{"hidden wins over selection", Frame{Hidden: NewIDSet(4), Selected: NewIDSet(4)}, []span{{0, 18, false}}},
		{"all hidden", Frame{Hidden: NewIDSet(1, 2, 3, 4)}, nil},
		{"isolated outside batch", Frame{Isolated: NewIDSet(99)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := batchSpans(BuildDrawList(src, tt.frame))
			if !slices.Equal(got, tt.want) {
				t.Errorf("spans = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildDrawListMeshes(t *testing.T) {
	src := &fakeSource{meshes: []*scene.Mesh{
		{EntityID: 1, IndexCount: 3, Color: scene.Color{1, 1, 1, 1}},
		{EntityID: 2, IndexCount: 3, Color: scene.Color{1, 1, 1, 0.3}},
		{EntityID: 3, IndexCount: 3, Color: scene.Color{1, 1, 1, 1}},
	}}
	draws := BuildDrawList(src, Frame{Hidden: NewIDSet(3), Selected: NewIDSet(1)})
	if len(draws) != 2 {
		t.Fatalf("draws = %d, want 2", len(draws))
	}
	if draws[0].Mesh.EntityID != 1 || !draws[0].Highlight || draws[0].Translucent {
		t.Errorf("first draw = %+v", draws[0])
	}
	if draws[1].Mesh.EntityID != 2 || !draws[1].Translucent {
		t.Errorf("second draw = %+v, want translucent entity 2", draws[1])
	}
}

func TestBuildDrawListTranslucentLast(t *testing.T) {
	glass := batchOf(10)
	glass.Color = scene.Color{0.6, 0.8, 1, 0.4}
	src := &fakeSource{
		meshes:  []*scene.Mesh{{EntityID: 1, IndexCount: 3, Color: scene.Color{1, 0, 0, 1}}},
		batches: []*scene.BatchedMesh{glass, batchOf(20)},
	}
	var kinds []string
	for _, d := range BuildDrawList(src, Frame{}) {
		kinds = append(kinds, d.Kind.String())
		if d.Batch == glass && !d.Translucent {
			t.Error("glass batch not translucent")
		}
	}
	if want := []string{"mesh", "batch", "batch"}; !slices.Equal(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
	last := BuildDrawList(src, Frame{})[2]
	if last.Batch != glass {
		t.Error("translucent batch not drawn last")
	}
}

func TestBuildDrawListInstances(t *testing.T) {
	m := &scene.InstancedMesh{IndexCount: 36, InstanceCount: 5, EntityIDs: []uint32{1, 2, 3, 4, 5}}
	src := &fakeSource{instanced: []*scene.InstancedMesh{m}}

	draws := BuildDrawList(src, Frame{Hidden: NewIDSet(2), Selected: NewIDSet(5)})
	type run struct {
		first, count uint32
		highlight    bool
	}
	var got []run
	for _, d := range draws {
		if d.IndexCount != 36 {
			t.Errorf("IndexCount = %d, want 36", d.IndexCount)
		}
		got = append(got, run{d.FirstInstance, d.InstanceCount, d.Highlight})
	}
	want := []run{{0, 1, false}, {2, 2, false}, {4, 1, true}}
	if !slices.Equal(got, want) {
		t.Errorf("runs = %v, want %v", got, want)
	}
}

func TestBuildDrawListTranslucentInstances(t *testing.T) {
	opaque, glass := scene.Color{0.6, 0.45, 0.3, 1}, scene.Color{0.6, 0.8, 1, 0.4}
	m := &scene.InstancedMesh{
		IndexCount:    36,
		InstanceCount: 4,
		EntityIDs:     []uint32{1, 2, 3, 4},
		Colors:        []scene.Color{opaque, glass, glass, opaque},
	}
	src := &fakeSource{
		instanced: []*scene.InstancedMesh{m},
		batches:   []*scene.BatchedMesh{batchOf(20)},
	}

	tests := []struct {
		name  string
		frame Frame
		want  []string
	}{
		{"split by alpha", Frame{}, []string{"instanced 0+1", "instanced 3+1", "batch", "instanced 1+2 translucent"}},
		{"translucent selection", Frame{Selected: NewIDSet(3)}, []string{
			"instanced 0+1", "instanced 3+1", "batch", "instanced 1+1 translucent", "instanced 2+1 translucent",
		}},
		{"hidden glass", Frame{Hidden: NewIDSet(2, 3)}, []string{"instanced 0+1", "instanced 3+1", "batch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range BuildDrawList(src, tt.frame) {
				desc := d.Kind.String()
				if d.Kind == KindInstanced {
					desc += fmt.Sprintf(" %d+%d", d.FirstInstance, d.InstanceCount)
				}
				if d.Translucent {
					desc += " translucent"
				}
				got = append(got, desc)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("draws = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIDSet(t *testing.T) {
	var empty IDSet
	if empty.Has(1) {
		t.Error("nil set reports membership")
	}
	s := NewIDSet(4, 4, 9)
	if len(s) != 2 || !s.Has(4) || !s.Has(9) || s.Has(5) {
		t.Errorf("set = %v", s)
	}
}

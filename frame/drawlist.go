package frame

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/bimview/scene"
)

// IDSet is a set of entity ids.
type IDSet map[uint32]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...uint32) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil set is empty.
func (s IDSet) Has(id uint32) bool {
	_, ok := s[id]
	return ok
}

// Frame describes one frame of the draw pass. Visibility and selection
// are resolved against these sets, never stored in the scene.
type Frame struct {
	ViewProj mgl32.Mat4
	Width    int
	Height   int

	ClearColor scene.Color

	// Hidden entities are never drawn.
	Hidden IDSet
	// Isolated, when non-empty, hides every entity not in it.
	Isolated IDSet
	// Selected entities are drawn with HighlightColor.
	Selected       IDSet
	HighlightColor scene.Color
}

func (f *Frame) visible(id uint32) bool {
	if f.Hidden.Has(id) {
		return false
	}
	return len(f.Isolated) == 0 || f.Isolated.Has(id)
}

// Source is the drawable set of a scene. *scene.Store implements it.
type Source interface {
	Meshes() []*scene.Mesh
	InstancedMeshes() []*scene.InstancedMesh
	BatchedMeshes() []*scene.BatchedMesh
}

// Kind selects the drawable tier of a Draw.
type Kind int

const (
	KindMesh Kind = iota
	KindInstanced
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindMesh:
		return "mesh"
	case KindInstanced:
		return "instanced"
	case KindBatch:
		return "batch"
	}
	return "unknown"
}

// Draw is one indexed draw call. Exactly one of Mesh, Instanced and Batch
// is set, matching Kind.
type Draw struct {
	Kind      Kind
	Mesh      *scene.Mesh
	Instanced *scene.InstancedMesh
	Batch     *scene.BatchedMesh

	FirstIndex    uint32
	IndexCount    uint32
	FirstInstance uint32
	InstanceCount uint32

	Highlight   bool
	Translucent bool
}

// BuildDrawList resolves visibility and selection for every drawable of
// src. A batch with no hidden or selected member is drawn whole; otherwise
// it is split into runs of adjacent visible members that share a highlight
// state. Instanced meshes are split the same way by instance, and also where
// instance alpha switches between opaque and translucent. Opaque draws come
// first, translucent draws last, each group in source order.
func BuildDrawList(src Source, f Frame) []Draw {
	var opaque, translucent []Draw
	emit := func(d Draw) {
		if d.Translucent {
			translucent = append(translucent, d)
		} else {
			opaque = append(opaque, d)
		}
	}

	for _, m := range src.Meshes() {
		if !f.visible(m.EntityID) || m.IndexCount == 0 {
			continue
		}
		emit(Draw{
			Kind:          KindMesh,
			Mesh:          m,
			IndexCount:    m.IndexCount,
			InstanceCount: 1,
			Highlight:     f.Selected.Has(m.EntityID),
			Translucent:   m.Color[3] < 1,
		})
	}

	for _, m := range src.InstancedMeshes() {
		alpha := func(i int) bool { return i < len(m.Colors) && m.Colors[i][3] < 1 }
		runs(len(m.EntityIDs), func(i int) uint32 { return m.EntityIDs[i] }, alpha, &f,
			func(first, n int, st runState) {
				emit(Draw{
					Kind:          KindInstanced,
					Instanced:     m,
					IndexCount:    m.IndexCount,
					FirstInstance: uint32(first),
					InstanceCount: uint32(n),
					Highlight:     st.highlight,
					Translucent:   st.translucent,
				})
			})
	}

	for _, b := range src.BatchedMeshes() {
		runs(len(b.Ranges), func(i int) uint32 { return b.Ranges[i].EntityID }, nil, &f,
			func(first, n int, st runState) {
				start := b.Ranges[first]
				end := b.Ranges[first+n-1]
				emit(Draw{
					Kind:          KindBatch,
					Batch:         b,
					FirstIndex:    start.FirstIndex,
					IndexCount:    end.FirstIndex + end.IndexCount - start.FirstIndex,
					InstanceCount: 1,
					Highlight:     st.highlight,
					Translucent:   b.Color[3] < 1,
				})
			})
	}

	return append(opaque, translucent...)
}

// runState is shared by every member of a run.
type runState struct {
	highlight   bool
	translucent bool
}

// runs calls fn for every maximal run of adjacent visible members with the
// same selection state and, when translucent is non-nil, the same
// translucency.
func runs(n int, id func(int) uint32, translucent func(int) bool, f *Frame, fn func(first, count int, st runState)) {
	start := -1
	var cur runState
	for i := 0; i <= n; i++ {
		var (
			vis bool
			st  runState
		)
		if i < n {
			vis = f.visible(id(i))
			if vis {
				st.highlight = f.Selected.Has(id(i))
				st.translucent = translucent != nil && translucent(i)
			}
		}
		if start >= 0 && (!vis || st != cur) {
			fn(start, i-start, cur)
			start = -1
		}
		if vis && start < 0 {
			start, cur = i, st
		}
	}
}

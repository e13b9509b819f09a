package pick

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/scene"
)

// Source is the drawable set of a scene. *scene.Store implements it.
type Source interface {
	Meshes() []*scene.Mesh
	InstancedMeshes() []*scene.InstancedMesh
	BatchedMeshes() []*scene.BatchedMesh
}

// drawItem is one identity draw. Ids idBase..idBase+span-1 belong to it.
type drawItem struct {
	kind      pipelineKind
	vertices  hal.Buffer
	extra     hal.Buffer
	indices   hal.Buffer
	indexes   uint32
	instances uint32
	model     mgl32.Mat4
	idBase    uint32
	span      uint32
}

// meshItems draws standalone meshes with id i+1 for meshes[i].
func meshItems(meshes []*scene.Mesh) []drawItem {
	items := make([]drawItem, 0, len(meshes))
	for i, m := range meshes {
		items = append(items, drawItem{
			kind:     kindMesh,
			vertices: m.VertexBuffer,
			indices:  m.IndexBuffer,
			indexes:  m.IndexCount,
			model:    m.Transform,
			idBase:   uint32(i) + 1,
			span:     1,
		})
	}
	return items
}

// idRange maps a contiguous block of identity values to entity ids.
type idRange struct {
	base uint32
	ids  []uint32
}

// entityTable resolves identity values written by an entity pass.
type entityTable []idRange

func (t entityTable) resolve(value uint32) (uint32, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].base > value }) - 1
	if i < 0 {
		return 0, false
	}
	r := t[i]
	off := value - r.base
	if off >= uint32(len(r.ids)) {
		return 0, false
	}
	return r.ids[off], true
}

// entityItems draws every tier of src with disjoint id blocks and returns
// the table resolving them back to entities.
func entityItems(src Source) ([]drawItem, entityTable) {
	var (
		items []drawItem
		table entityTable
		next  uint32 = 1
	)
	add := func(item drawItem, ids []uint32) {
		if len(ids) == 0 || item.vertices == nil || item.indices == nil {
			return
		}
		item.idBase = next
		item.span = uint32(len(ids))
		items = append(items, item)
		table = append(table, idRange{base: next, ids: ids})
		next += item.span
	}

	for _, m := range src.Meshes() {
		add(drawItem{
			kind:     kindMesh,
			vertices: m.VertexBuffer,
			indices:  m.IndexBuffer,
			indexes:  m.IndexCount,
			model:    m.Transform,
		}, []uint32{m.EntityID})
	}
	for _, m := range src.InstancedMeshes() {
		add(drawItem{
			kind:      kindInstanced,
			vertices:  m.VertexBuffer,
			extra:     m.InstanceBuffer,
			indices:   m.IndexBuffer,
			indexes:   m.IndexCount,
			instances: m.InstanceCount,
			model:     mgl32.Ident4(),
		}, m.EntityIDs)
	}
	for _, b := range src.BatchedMeshes() {
		add(drawItem{
			kind:     kindBatch,
			vertices: b.VertexBuffer,
			extra:    b.MemberBuffer,
			indices:  b.IndexBuffer,
			indexes:  b.IndexCount,
			model:    mgl32.Ident4(),
		}, b.MemberIDs)
	}
	return items, table
}

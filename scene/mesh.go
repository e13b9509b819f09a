package scene

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/wgpu/hal"
)

// VertexStride is the byte size of one interleaved vertex:
// position vec3<f32> followed by normal vec3<f32>.
const VertexStride = 24

// InstanceStride is the byte size of one instance record:
// transform mat4x4<f32> followed by color vec4<f32>.
const InstanceStride = 80

// ErrInvalidGeometry is wrapped by every *GeometryError.
var ErrInvalidGeometry = errors.New("scene: invalid geometry")

// GeometryError identifies the entity whose geometry failed validation.
type GeometryError struct {
	EntityID uint32
	Reason   string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("scene: entity #%d: %s", e.EntityID, e.Reason)
}

func (e *GeometryError) Unwrap() error { return ErrInvalidGeometry }

// MeshData is CPU-side geometry for one entity as delivered by the
// parser. Positions and normals are xyz triplets; indices form triangles.
type MeshData struct {
	EntityID  uint32
	IfcType   string
	Positions []float32
	Normals   []float32
	Indices   []uint32
	Color     Color
}

// VertexCount returns the number of vertices.
func (d *MeshData) VertexCount() int { return len(d.Positions) / 3 }

// TriangleCount returns the number of triangles.
func (d *MeshData) TriangleCount() int { return len(d.Indices) / 3 }

// Validate checks that the component arrays describe consistent triangle
// geometry.
func (d *MeshData) Validate() error {
	fail := func(format string, args ...any) error {
		return &GeometryError{EntityID: d.EntityID, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case len(d.Positions) == 0:
		return fail("no vertices")
	case len(d.Positions)%3 != 0:
		return fail("positions length %d is not a multiple of 3", len(d.Positions))
	case len(d.Normals) != len(d.Positions):
		return fail("normals length %d does not match positions length %d", len(d.Normals), len(d.Positions))
	case len(d.Indices) == 0:
		return fail("no indices")
	case len(d.Indices)%3 != 0:
		return fail("index count %d is not a multiple of 3", len(d.Indices))
	}
	for i, v := range d.Color {
		if math32.IsNaN(v) || math32.Abs(v) > MaxChannel {
			return fail("color channel %d is %v", i, v)
		}
	}
	n := uint32(d.VertexCount())
	for i, idx := range d.Indices {
		if idx >= n {
			return fail("index %d at position %d out of range for %d vertices", idx, i, n)
		}
	}
	return nil
}

// appendInterleaved appends position+normal pairs to dst.
func (d *MeshData) appendInterleaved(dst []float32) []float32 {
	for i := 0; i+2 < len(d.Positions); i += 3 {
		dst = append(dst,
			d.Positions[i], d.Positions[i+1], d.Positions[i+2],
			d.Normals[i], d.Normals[i+1], d.Normals[i+2])
	}
	return dst
}

// Mesh is one entity's standalone drawable.
type Mesh struct {
	EntityID uint32
	IfcType  string

	VertexBuffer  hal.Buffer
	IndexBuffer   hal.Buffer
	UniformBuffer hal.Buffer
	BindGroup     hal.BindGroup

	IndexCount  uint32
	VertexCount uint32

	Transform mgl32.Mat4
	Color     Color
}

func (m *Mesh) gpuBytes() uint64 {
	return uint64(m.VertexCount)*VertexStride + uint64(m.IndexCount)*4 + objectUniformBytes(m.UniformBuffer)
}

// Instance places one occurrence of a shared geometry.
type Instance struct {
	EntityID  uint32
	Transform mgl32.Mat4
	Color     Color
}

// InstancedMesh is one shared geometry drawn once per instance.
type InstancedMesh struct {
	GeometryID uint64
	IfcType    string

	VertexBuffer   hal.Buffer
	IndexBuffer    hal.Buffer
	InstanceBuffer hal.Buffer
	UniformBuffer  hal.Buffer
	BindGroup      hal.BindGroup

	IndexCount    uint32
	VertexCount   uint32
	InstanceCount uint32

	// EntityIDs lists instance owners in instance-buffer order.
	EntityIDs []uint32
	// Colors holds the instance colors in the same order.
	Colors []Color

	bounds Bounds
}

func (m *InstancedMesh) gpuBytes() uint64 {
	return uint64(m.VertexCount)*VertexStride + uint64(m.IndexCount)*4 +
		uint64(m.InstanceCount)*InstanceStride + objectUniformBytes(m.UniformBuffer)
}

// MemberRange is the slice of a batch's index buffer owned by one entity.
type MemberRange struct {
	EntityID   uint32
	FirstIndex uint32
	IndexCount uint32
}

// BatchedMesh merges every entity sharing one color key into a single
// draw. It is rebuilt, never mutated, when members are appended.
type BatchedMesh struct {
	Key   ColorKey
	Color Color

	VertexBuffer hal.Buffer
	IndexBuffer  hal.Buffer
	// MemberBuffer holds one uint32 member index per vertex.
	MemberBuffer  hal.Buffer
	UniformBuffer hal.Buffer
	BindGroup     hal.BindGroup

	IndexCount  uint32
	VertexCount uint32

	// MemberIDs lists entity ids in merge order. Member i owns Ranges[i].
	MemberIDs []uint32
	Ranges    []MemberRange
}

// Member returns the entity id of member i.
func (b *BatchedMesh) Member(i int) (uint32, bool) {
	if i < 0 || i >= len(b.MemberIDs) {
		return 0, false
	}
	return b.MemberIDs[i], true
}

func (b *BatchedMesh) gpuBytes() uint64 {
	return uint64(b.VertexCount)*(VertexStride+4) + uint64(b.IndexCount)*4 + objectUniformBytes(b.UniformBuffer)
}

func objectUniformBytes(b hal.Buffer) uint64 {
	if b == nil {
		return 0
	}
	return objectUniformSize
}

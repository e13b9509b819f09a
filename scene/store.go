package scene

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bimview/internal/gpu"
	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/render"
)

const objectUniformSize = render.ObjectUniformSize

// ErrUnknownEntity is returned when no raw geometry is cached for an id.
var ErrUnknownEntity = errors.New("scene: unknown entity")

// Store owns every GPU resource of the loaded model, in three tiers:
// standalone meshes (one draw per entity), instanced meshes (one draw per
// shared geometry) and color batches (one draw per color key). It also
// keeps the raw geometry of every entity so standalone buffers can be
// realized lazily.
//
// A Store is not safe for concurrent mutation. All calls are expected
// from the goroutine that drives rendering.
type Store struct {
	rc *render.Context

	meshes       []*Mesh
	meshByEntity map[uint32]*Mesh
	instanced    []*InstancedMesh

	meshData map[uint32]*MeshData

	accum      map[ColorKey][]*MeshData
	keyOrder   []ColorKey
	batches    map[ColorKey]*BatchedMesh
	batchedIDs map[uint32]ColorKey

	bounds      Bounds
	boundsDirty bool
}

// NewStore returns an empty store allocating through rc.
func NewStore(rc *render.Context) *Store {
	s := &Store{rc: rc}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.meshes = nil
	s.meshByEntity = make(map[uint32]*Mesh)
	s.instanced = nil
	s.meshData = make(map[uint32]*MeshData)
	s.accum = make(map[ColorKey][]*MeshData)
	s.keyOrder = nil
	s.batches = make(map[ColorKey]*BatchedMesh)
	s.batchedIDs = make(map[uint32]ColorKey)
	s.bounds = Bounds{}
	s.boundsDirty = false
}

// AddMesh registers an already uploaded standalone mesh. A second mesh for
// an entity that already has one is ignored and AddMesh reports false;
// the caller keeps ownership of the rejected mesh.
func (s *Store) AddMesh(m *Mesh) bool {
	if _, dup := s.meshByEntity[m.EntityID]; dup {
		return false
	}
	s.meshes = append(s.meshes, m)
	s.meshByEntity[m.EntityID] = m
	return true
}

// AddInstancedMesh registers an already uploaded instanced mesh.
func (s *Store) AddInstancedMesh(m *InstancedMesh) {
	s.instanced = append(s.instanced, m)
	if m.bounds.Valid() {
		s.bounds.Union(m.bounds)
	}
}

// AddMeshData caches raw geometry for id without touching the GPU. Invalid
// data is rejected and leaves the store unchanged. Replacing an entity's
// geometry destroys its standalone mesh, which is realized again on the
// next EnsureMesh. A batched entity keeps its batch membership: it moves
// to the key of its new color and every affected batch is rebuilt.
func (s *Store) AddMeshData(id uint32, data *MeshData) error {
	if data == nil {
		return fmt.Errorf("scene: nil mesh data for #%d: %w", id, ErrInvalidGeometry)
	}
	old, ok := s.meshData[id]
	if ok && old == data {
		return nil
	}
	if err := data.Validate(); err != nil {
		return err
	}
	if !ok {
		s.cache(id, data)
		return nil
	}
	s.removeMesh(id)
	s.boundsDirty = true
	s.meshData[id] = data
	if _, batched := s.batchedIDs[id]; batched {
		return s.rebatch(id, data)
	}
	return nil
}

// cache stores validated geometry for an entity seen for the first time.
func (s *Store) cache(id uint32, data *MeshData) {
	if !s.boundsDirty {
		s.bounds.ExpandPositions(data.Positions)
	}
	s.meshData[id] = data
}

// rebatch swaps the batched geometry of id for data.
func (s *Store) rebatch(id uint32, data *MeshData) error {
	oldKey, newKey := s.batchedIDs[id], KeyOf(data.Color)
	members := s.accum[oldKey]
	i := slices.IndexFunc(members, func(d *MeshData) bool { return d.EntityID == id })
	if i >= 0 && oldKey == newKey {
		members[i] = data
		return s.rebuildBatch(oldKey)
	}

	var errs []error
	if i >= 0 {
		members = slices.Delete(members, i, i+1)
		if len(members) == 0 {
			s.dropKey(oldKey)
		} else {
			s.accum[oldKey] = members
			errs = append(errs, s.rebuildBatch(oldKey))
		}
	}
	if _, seen := s.accum[newKey]; !seen {
		s.keyOrder = append(s.keyOrder, newKey)
	}
	s.accum[newKey] = append(s.accum[newKey], data)
	s.batchedIDs[id] = newKey
	errs = append(errs, s.rebuildBatch(newKey))
	return errors.Join(errs...)
}

// dropKey destroys the batch of a key that has no members left.
func (s *Store) dropKey(key ColorKey) {
	if b, ok := s.batches[key]; ok {
		delete(s.batches, key)
		s.destroyBatch(b)
	}
	delete(s.accum, key)
	s.keyOrder = slices.DeleteFunc(s.keyOrder, func(k ColorKey) bool { return k == key })
}

// MeshData returns the cached raw geometry for id.
func (s *Store) MeshData(id uint32) (*MeshData, bool) {
	d, ok := s.meshData[id]
	return d, ok
}

// HasMeshData reports whether raw geometry is cached for id.
func (s *Store) HasMeshData(id uint32) bool {
	_, ok := s.meshData[id]
	return ok
}

// Mesh returns the standalone mesh for id, if one is realized.
func (s *Store) Mesh(id uint32) (*Mesh, bool) {
	m, ok := s.meshByEntity[id]
	return m, ok
}

// CreateMesh caches data, uploads it and registers the resulting standalone
// mesh. If the entity already has a standalone mesh it is returned as is
// and nothing is allocated.
func (s *Store) CreateMesh(data *MeshData) (*Mesh, error) {
	if data == nil {
		return nil, fmt.Errorf("scene: nil mesh data: %w", ErrInvalidGeometry)
	}
	if m, ok := s.meshByEntity[data.EntityID]; ok {
		return m, nil
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if !s.HasMeshData(data.EntityID) {
		s.cache(data.EntityID, data)
	}
	m, err := s.UploadMesh(data)
	if err != nil {
		return nil, err
	}
	s.AddMesh(m)
	return m, nil
}

// EnsureMesh realizes the standalone mesh for a cached entity, allocating
// at most once per entity.
func (s *Store) EnsureMesh(id uint32) (*Mesh, error) {
	if m, ok := s.meshByEntity[id]; ok {
		return m, nil
	}
	data, ok := s.meshData[id]
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrUnknownEntity, id)
	}
	return s.CreateMesh(data)
}

// UploadMesh creates the GPU resources of a standalone mesh without
// registering it. The caller owns the result until it is passed to AddMesh.
func (s *Store) UploadMesh(data *MeshData) (*Mesh, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	device, queue := s.rc.Device(), s.rc.Queue()
	m := &Mesh{
		EntityID:    data.EntityID,
		IfcType:     data.IfcType,
		IndexCount:  uint32(len(data.Indices)),
		VertexCount: uint32(data.VertexCount()),
		Transform:   mgl32.Ident4(),
		Color:       data.Color,
	}
	fail := func(err error) (*Mesh, error) {
		s.destroyMesh(m)
		return nil, fmt.Errorf("scene: upload entity #%d: %w", data.EntityID, err)
	}

	var err error
	vertices := data.appendInterleaved(make([]float32, 0, len(data.Positions)*2))
	if m.VertexBuffer, err = gpu.CreateBufferInit(device, queue, "mesh_vertices",
		gputypes.BufferUsageVertex, gpu.Float32Bytes(vertices)); err != nil {
		return fail(err)
	}
	if m.IndexBuffer, err = gpu.CreateBufferInit(device, queue, "mesh_indices",
		gputypes.BufferUsageIndex, gpu.Uint32Bytes(data.Indices)); err != nil {
		return fail(err)
	}
	if m.UniformBuffer, m.BindGroup, err = s.objectUniform("mesh", m.Transform, m.Color); err != nil {
		return fail(err)
	}
	logging.Logger().Debug("scene: mesh uploaded",
		"entity", data.EntityID, "vertices", m.VertexCount, "indices", m.IndexCount)
	return m, nil
}

// CreateInstancedMesh uploads one shared geometry with its instance records
// and registers it.
func (s *Store) CreateInstancedMesh(geometryID uint64, data *MeshData, instances []Instance) (*InstancedMesh, error) {
	if data == nil {
		return nil, fmt.Errorf("scene: nil geometry %d: %w", geometryID, ErrInvalidGeometry)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, &GeometryError{EntityID: data.EntityID, Reason: fmt.Sprintf("geometry %d has no instances", geometryID)}
	}
	device, queue := s.rc.Device(), s.rc.Queue()
	m := &InstancedMesh{
		GeometryID:    geometryID,
		IfcType:       data.IfcType,
		IndexCount:    uint32(len(data.Indices)),
		VertexCount:   uint32(data.VertexCount()),
		InstanceCount: uint32(len(instances)),
		EntityIDs:     make([]uint32, len(instances)),
		Colors:        make([]Color, len(instances)),
	}
	fail := func(err error) (*InstancedMesh, error) {
		s.destroyInstanced(m)
		return nil, fmt.Errorf("scene: upload geometry %d: %w", geometryID, err)
	}

	var local Bounds
	local.ExpandPositions(data.Positions)
	records := make([]byte, len(instances)*InstanceStride)
	for i, inst := range instances {
		m.EntityIDs[i] = inst.EntityID
		m.Colors[i] = inst.Color
		gpu.PutFloat32s(records, i*InstanceStride, inst.Transform[:]...)
		gpu.PutFloat32s(records, i*InstanceStride+64, inst.Color[:]...)
		m.bounds.Union(local.Transformed(inst.Transform))
	}

	var err error
	vertices := data.appendInterleaved(make([]float32, 0, len(data.Positions)*2))
	if m.VertexBuffer, err = gpu.CreateBufferInit(device, queue, "instanced_vertices",
		gputypes.BufferUsageVertex, gpu.Float32Bytes(vertices)); err != nil {
		return fail(err)
	}
	if m.IndexBuffer, err = gpu.CreateBufferInit(device, queue, "instanced_indices",
		gputypes.BufferUsageIndex, gpu.Uint32Bytes(data.Indices)); err != nil {
		return fail(err)
	}
	if m.InstanceBuffer, err = gpu.CreateBufferInit(device, queue, "instanced_records",
		gputypes.BufferUsageVertex, records); err != nil {
		return fail(err)
	}
	if m.UniformBuffer, m.BindGroup, err = s.objectUniform("instanced", mgl32.Ident4(), Color{1, 1, 1, 1}); err != nil {
		return fail(err)
	}
	s.AddInstancedMesh(m)
	return m, nil
}

// AppendToBatches merges a chunk of meshes into the color batches. The
// whole chunk is validated before anything changes. Entities already in a
// batch are skipped. Every color key the chunk touches is rebuilt from its
// full member list; a key whose rebuild fails is left without a batch and
// keeps its members for the next append. Rebuild errors of all keys are
// joined.
func (s *Store) AppendToBatches(chunk []*MeshData) error {
	for i, d := range chunk {
		if d == nil {
			return fmt.Errorf("scene: chunk entry %d is nil: %w", i, ErrInvalidGeometry)
		}
		if err := d.Validate(); err != nil {
			return err
		}
	}

	var touched []ColorKey
	for _, d := range chunk {
		if _, done := s.batchedIDs[d.EntityID]; done {
			continue
		}
		key := KeyOf(d.Color)
		if _, seen := s.accum[key]; !seen {
			s.keyOrder = append(s.keyOrder, key)
		}
		s.accum[key] = append(s.accum[key], d)
		s.batchedIDs[d.EntityID] = key
		if !slices.Contains(touched, key) {
			touched = append(touched, key)
		}
		if !s.HasMeshData(d.EntityID) {
			s.cache(d.EntityID, d)
		}
	}

	var errs []error
	for _, key := range touched {
		if err := s.rebuildBatch(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) rebuildBatch(key ColorKey) error {
	if old, ok := s.batches[key]; ok {
		delete(s.batches, key)
		s.destroyBatch(old)
	}

	members := s.accum[key]
	b := &BatchedMesh{
		Key:       key,
		Color:     members[0].Color,
		MemberIDs: make([]uint32, 0, len(members)),
		Ranges:    make([]MemberRange, 0, len(members)),
	}
	var (
		vertices []float32
		indices  []uint32
		owners   []uint32
	)
	for i, d := range members {
		base := uint32(len(vertices) / 6)
		first := uint32(len(indices))
		vertices = d.appendInterleaved(vertices)
		for _, idx := range d.Indices {
			indices = append(indices, idx+base)
		}
		for range d.VertexCount() {
			owners = append(owners, uint32(i))
		}
		b.MemberIDs = append(b.MemberIDs, d.EntityID)
		b.Ranges = append(b.Ranges, MemberRange{
			EntityID:   d.EntityID,
			FirstIndex: first,
			IndexCount: uint32(len(d.Indices)),
		})
	}
	b.VertexCount = uint32(len(vertices) / 6)
	b.IndexCount = uint32(len(indices))

	device, queue := s.rc.Device(), s.rc.Queue()
	fail := func(err error) error {
		s.destroyBatch(b)
		return fmt.Errorf("scene: rebuild batch %s: %w", key, err)
	}
	var err error
	if b.VertexBuffer, err = gpu.CreateBufferInit(device, queue, "batch_vertices",
		gputypes.BufferUsageVertex, gpu.Float32Bytes(vertices)); err != nil {
		return fail(err)
	}
	if b.IndexBuffer, err = gpu.CreateBufferInit(device, queue, "batch_indices",
		gputypes.BufferUsageIndex, gpu.Uint32Bytes(indices)); err != nil {
		return fail(err)
	}
	if b.MemberBuffer, err = gpu.CreateBufferInit(device, queue, "batch_members",
		gputypes.BufferUsageVertex, gpu.Uint32Bytes(owners)); err != nil {
		return fail(err)
	}
	if b.UniformBuffer, b.BindGroup, err = s.objectUniform("batch", mgl32.Ident4(), b.Color); err != nil {
		return fail(err)
	}
	s.batches[key] = b
	logging.Logger().Debug("scene: batch rebuilt",
		"key", key.String(), "members", len(b.MemberIDs), "vertices", b.VertexCount)
	return nil
}

// objectUniform creates the model+color uniform buffer and its bind group.
func (s *Store) objectUniform(what string, model mgl32.Mat4, color Color) (hal.Buffer, hal.BindGroup, error) {
	layout, err := s.rc.ObjectLayout()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, objectUniformSize)
	gpu.PutFloat32s(data, 0, model[:]...)
	gpu.PutFloat32s(data, 64, color[:]...)

	device := s.rc.Device()
	buf, err := gpu.CreateBufferInit(device, s.rc.Queue(), what+"_uniforms", gputypes.BufferUsageUniform, data)
	if err != nil {
		return nil, nil, err
	}
	group, err := gpu.UniformBindGroup(device, layout, what+"_bind_group", buf, 0, objectUniformSize)
	if err != nil {
		gpu.DestroyBuffer(device, buf, what+" uniforms")
		return nil, nil, err
	}
	return buf, group, nil
}

// ClearRegularMeshes destroys every standalone mesh. Cached geometry,
// instanced meshes and batches are kept.
func (s *Store) ClearRegularMeshes() {
	for _, m := range s.meshes {
		s.destroyMesh(m)
	}
	s.meshes = nil
	clear(s.meshByEntity)
}

// Clear destroys every GPU resource and forgets all cached geometry.
// Calling it on an empty store does nothing.
func (s *Store) Clear() {
	s.ClearRegularMeshes()
	for _, m := range s.instanced {
		s.destroyInstanced(m)
	}
	for _, key := range s.keyOrder {
		if b, ok := s.batches[key]; ok {
			s.destroyBatch(b)
		}
	}
	s.reset()
}

func (s *Store) removeMesh(id uint32) {
	m, ok := s.meshByEntity[id]
	if !ok {
		return
	}
	delete(s.meshByEntity, id)
	s.meshes = slices.DeleteFunc(s.meshes, func(x *Mesh) bool { return x == m })
	s.destroyMesh(m)
}

func (s *Store) destroyMesh(m *Mesh) {
	device := s.rc.Device()
	gpu.DestroyBindGroup(device, m.BindGroup, "mesh bind group")
	gpu.DestroyBuffer(device, m.UniformBuffer, "mesh uniforms")
	gpu.DestroyBuffer(device, m.IndexBuffer, "mesh indices")
	gpu.DestroyBuffer(device, m.VertexBuffer, "mesh vertices")
	m.BindGroup, m.UniformBuffer, m.IndexBuffer, m.VertexBuffer = nil, nil, nil, nil
}

func (s *Store) destroyInstanced(m *InstancedMesh) {
	device := s.rc.Device()
	gpu.DestroyBindGroup(device, m.BindGroup, "instanced bind group")
	gpu.DestroyBuffer(device, m.UniformBuffer, "instanced uniforms")
	gpu.DestroyBuffer(device, m.InstanceBuffer, "instanced records")
	gpu.DestroyBuffer(device, m.IndexBuffer, "instanced indices")
	gpu.DestroyBuffer(device, m.VertexBuffer, "instanced vertices")
	m.BindGroup, m.UniformBuffer, m.InstanceBuffer, m.IndexBuffer, m.VertexBuffer = nil, nil, nil, nil, nil
}

func (s *Store) destroyBatch(b *BatchedMesh) {
	device := s.rc.Device()
	gpu.DestroyBindGroup(device, b.BindGroup, "batch bind group")
	gpu.DestroyBuffer(device, b.UniformBuffer, "batch uniforms")
	gpu.DestroyBuffer(device, b.MemberBuffer, "batch members")
	gpu.DestroyBuffer(device, b.IndexBuffer, "batch indices")
	gpu.DestroyBuffer(device, b.VertexBuffer, "batch vertices")
	b.BindGroup, b.UniformBuffer, b.MemberBuffer, b.IndexBuffer, b.VertexBuffer = nil, nil, nil, nil, nil
}

// Meshes returns the standalone meshes in insertion order. The slice must
// not be modified.
func (s *Store) Meshes() []*Mesh { return s.meshes }

// InstancedMeshes returns the instanced meshes in insertion order.
func (s *Store) InstancedMeshes() []*InstancedMesh { return s.instanced }

// BatchedMeshes returns the batches in the order their color keys were
// first seen. Keys whose last rebuild failed are absent.
func (s *Store) BatchedMeshes() []*BatchedMesh {
	out := make([]*BatchedMesh, 0, len(s.batches))
	for _, key := range s.keyOrder {
		if b, ok := s.batches[key]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Bounds returns the bounds of all cached raw geometry and instanced
// meshes. An empty store returns an invalid Bounds.
func (s *Store) Bounds() Bounds {
	if s.boundsDirty {
		var b Bounds
		for _, d := range s.meshData {
			b.ExpandPositions(d.Positions)
		}
		for _, m := range s.instanced {
			b.Union(m.bounds)
		}
		s.bounds = b
		s.boundsDirty = false
	}
	return s.bounds
}

// Stats summarizes the store contents.
type Stats struct {
	Meshes          int
	InstancedMeshes int
	Batches         int
	BatchedEntities int
	CachedEntities  int
	DrawCalls       int
	Vertices        uint64
	Triangles       uint64
	GPUBytes        uint64
}

// Stats returns counts over the currently realized resources.
func (s *Store) Stats() Stats {
	st := Stats{
		Meshes:          len(s.meshes),
		InstancedMeshes: len(s.instanced),
		Batches:         len(s.batches),
		BatchedEntities: len(s.batchedIDs),
		CachedEntities:  len(s.meshData),
	}
	st.DrawCalls = st.Meshes + st.InstancedMeshes + st.Batches
	for _, m := range s.meshes {
		st.Vertices += uint64(m.VertexCount)
		st.Triangles += uint64(m.IndexCount / 3)
		st.GPUBytes += m.gpuBytes()
	}
	for _, m := range s.instanced {
		st.Vertices += uint64(m.VertexCount) * uint64(m.InstanceCount)
		st.Triangles += uint64(m.IndexCount/3) * uint64(m.InstanceCount)
		st.GPUBytes += m.gpuBytes()
	}
	for _, b := range s.batches {
		st.Vertices += uint64(b.VertexCount)
		st.Triangles += uint64(b.IndexCount / 3)
		st.GPUBytes += b.gpuBytes()
	}
	return st
}

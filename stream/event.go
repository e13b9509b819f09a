// Package stream feeds parser output into a scene.Store while a model is
// still being processed.
//
// The parser side produces a sequence of Events, either in process or as an
// NDJSON or server-sent-event byte stream read by a Decoder. An Adapter
// applies them to a Sink: standalone meshes first, color batches once the
// model grows past the batch threshold, and instanced geometry as it comes.
package stream

// EventType discriminates Events on the wire.
type EventType string

const (
	EventStart     EventType = "start"
	EventProgress  EventType = "progress"
	EventBatch     EventType = "batch"
	EventInstanced EventType = "instanced"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

// Event is one message of the geometry stream. Only the fields of its
// Type are set.
type Event struct {
	Type EventType `json:"type"`

	// start
	TotalEstimate int `json:"total_estimate,omitempty"`

	// progress
	Processed   int    `json:"processed,omitempty"`
	Total       int    `json:"total,omitempty"`
	CurrentType string `json:"current_type,omitempty"`

	// batch
	Meshes      []MeshChunk `json:"meshes,omitempty"`
	BatchNumber int         `json:"batch_number,omitempty"`

	// instanced
	Geometries []InstancedChunk `json:"geometries,omitempty"`

	// complete
	Stats    *Stats    `json:"stats,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	CacheKey string    `json:"cache_key,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// MeshChunk is the geometry of one entity. Coordinates are in the source
// model's frame (Z up).
type MeshChunk struct {
	ExpressID uint32     `json:"express_id"`
	IfcType   string     `json:"ifc_type,omitempty"`
	Positions []float32  `json:"positions"`
	Normals   []float32  `json:"normals"`
	Indices   []uint32   `json:"indices"`
	Color     [4]float32 `json:"color"`
}

// InstancedChunk is one shared geometry with every entity that places it.
type InstancedChunk struct {
	GeometryID uint64          `json:"geometry_id"`
	IfcType    string          `json:"ifc_type,omitempty"`
	Positions  []float32       `json:"positions"`
	Normals    []float32       `json:"normals"`
	Indices    []uint32        `json:"indices"`
	Instances  []InstanceChunk `json:"instances"`
}

// InstanceChunk places one entity. Transform is a column-major 4x4 matrix.
type InstanceChunk struct {
	ExpressID uint32      `json:"express_id"`
	Transform [16]float32 `json:"transform"`
	Color     [4]float32  `json:"color"`
}

// Stats summarizes a finished stream.
type Stats struct {
	TotalMeshes    int   `json:"total_meshes"`
	TotalVertices  int   `json:"total_vertices"`
	TotalTriangles int   `json:"total_triangles"`
	ParseTimeMS    int64 `json:"parse_time_ms"`
	GeometryTimeMS int64 `json:"geometry_time_ms"`
	TotalTimeMS    int64 `json:"total_time_ms"`
	FromCache      bool  `json:"from_cache"`
}

// Metadata describes the source model.
type Metadata struct {
	SchemaVersion       string         `json:"schema_version"`
	EntityCount         int            `json:"entity_count"`
	GeometryEntityCount int            `json:"geometry_entity_count"`
	CoordinateInfo      CoordinateInfo `json:"coordinate_info"`
}

// CoordinateInfo reports the shift the parser already applied.
type CoordinateInfo struct {
	OriginShift     [3]float64 `json:"origin_shift"`
	IsGeoReferenced bool       `json:"is_geo_referenced"`
}

package scene

import (
	"errors"
	"math"
	"testing"
)

func TestMeshDataValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(d *MeshData)
		ok     bool
	}{
		{"valid", func(*MeshData) {}, true},
		{"no vertices", func(d *MeshData) { d.Positions, d.Normals = nil, nil }, false},
		{"ragged positions", func(d *MeshData) { d.Positions = d.Positions[:11] }, false},
		{"normals mismatch", func(d *MeshData) { d.Normals = d.Normals[:9] }, false},
		{"no indices", func(d *MeshData) { d.Indices = nil }, false},
		{"partial triangle", func(d *MeshData) { d.Indices = d.Indices[:5] }, false},
		{"index out of range", func(d *MeshData) { d.Indices[4] = 4 }, false},
		{"bright color", func(d *MeshData) { d.Color = Color{2, 0, 0, 1} }, true},
		{"NaN color", func(d *MeshData) { d.Color[1] = float32(math.NaN()) }, false},
		{"infinite color", func(d *MeshData) { d.Color[3] = float32(math.Inf(1)) }, false},
		{"color out of key range", func(d *MeshData) { d.Color[0] = -40 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := quad(17, 0, red)
			tt.modify(d)
			err := d.Validate()
			if tt.ok {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var gerr *GeometryError
			if !errors.As(err, &gerr) || gerr.EntityID != 17 {
				t.Fatalf("Validate() = %v, want *GeometryError for entity 17", err)
			}
			if !errors.Is(err, ErrInvalidGeometry) {
				t.Error("GeometryError does not wrap ErrInvalidGeometry")
			}
		})
	}
}

func TestMeshDataCounts(t *testing.T) {
	d := quad(1, 0, red)
	if d.VertexCount() != 4 || d.TriangleCount() != 2 {
		t.Errorf("counts = %d, %d; want 4, 2", d.VertexCount(), d.TriangleCount())
	}
}

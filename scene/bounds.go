package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// LargeCoordinateThreshold is the distance from the origin, in model
// units (meters), past which float32 vertex precision degrades visibly.
const LargeCoordinateThreshold = 10000.0

// Bounds is an axis-aligned box in float64 precision. The zero value is
// empty; Valid reports whether any point has been added.
type Bounds struct {
	Min     [3]float64
	Max     [3]float64
	Samples int
}

// Valid reports whether at least one point was added.
func (b Bounds) Valid() bool { return b.Samples > 0 }

// Expand grows the box to include (x, y, z).
func (b *Bounds) Expand(x, y, z float64) {
	if b.Samples == 0 {
		b.Min = [3]float64{x, y, z}
		b.Max = b.Min
		b.Samples = 1
		return
	}
	p := [3]float64{x, y, z}
	for i := range 3 {
		b.Min[i] = math.Min(b.Min[i], p[i])
		b.Max[i] = math.Max(b.Max[i], p[i])
	}
	b.Samples++
}

// ExpandPositions adds every xyz triplet in positions.
func (b *Bounds) ExpandPositions(positions []float32) {
	for i := 0; i+2 < len(positions); i += 3 {
		b.Expand(float64(positions[i]), float64(positions[i+1]), float64(positions[i+2]))
	}
}

// Union grows b to include o.
func (b *Bounds) Union(o Bounds) {
	if !o.Valid() {
		return
	}
	samples := b.Samples
	b.Expand(o.Min[0], o.Min[1], o.Min[2])
	b.Expand(o.Max[0], o.Max[1], o.Max[2])
	b.Samples = samples + o.Samples
}

// Transformed returns the bounds of the eight corners of b under m.
func (b Bounds) Transformed(m mgl32.Mat4) Bounds {
	var out Bounds
	if !b.Valid() {
		return out
	}
	for i := range 8 {
		c := mgl32.Vec4{
			float32(choose(i&1 != 0, b.Max[0], b.Min[0])),
			float32(choose(i&2 != 0, b.Max[1], b.Min[1])),
			float32(choose(i&4 != 0, b.Max[2], b.Min[2])),
			1,
		}
		p := m.Mul4x1(c)
		out.Expand(float64(p[0]), float64(p[1]), float64(p[2]))
	}
	return out
}

func choose(cond bool, a, b float64) float64 {
	if cond {
		return a
	}
	return b
}

// Center returns the midpoint of the box, or the origin when empty.
func (b Bounds) Center() [3]float64 {
	if !b.Valid() {
		return [3]float64{}
	}
	return [3]float64{
		(b.Min[0] + b.Max[0]) / 2,
		(b.Min[1] + b.Max[1]) / 2,
		(b.Min[2] + b.Max[2]) / 2,
	}
}

// Size returns the edge lengths of the box.
func (b Bounds) Size() [3]float64 {
	if !b.Valid() {
		return [3]float64{}
	}
	return [3]float64{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// Radius returns half the box diagonal.
func (b Bounds) Radius() float64 {
	s := b.Size()
	return math.Sqrt(s[0]*s[0]+s[1]*s[1]+s[2]*s[2]) / 2
}

// HasLargeCoordinates reports whether any corner lies farther than
// LargeCoordinateThreshold from the origin on some axis.
func (b Bounds) HasLargeCoordinates() bool {
	if !b.Valid() {
		return false
	}
	for i := range 3 {
		if math.Abs(b.Min[i]) > LargeCoordinateThreshold || math.Abs(b.Max[i]) > LargeCoordinateThreshold {
			return true
		}
	}
	return false
}

// RTCOffset returns the relative-to-center shift for the model: the
// center when coordinates are large, the origin otherwise.
func (b Bounds) RTCOffset() [3]float64 {
	if b.HasLargeCoordinates() {
		return b.Center()
	}
	return [3]float64{}
}

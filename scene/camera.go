package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// clipZToUnit maps OpenGL clip depth (-1..1), as produced by mgl32
// projections, to the 0..1 range used by WebGPU.
var clipZToUnit = mgl32.Mat4{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 0.5, 0,
	0, 0, 0.5, 1,
}

// Perspective returns a WebGPU-depth perspective projection.
func Perspective(fovy, aspect, near, far float32) mgl32.Mat4 {
	return clipZToUnit.Mul4(mgl32.Perspective(fovy, aspect, near, far))
}

// Ortho returns a WebGPU-depth orthographic projection.
func Ortho(left, right, bottom, top, near, far float32) mgl32.Mat4 {
	return clipZToUnit.Mul4(mgl32.Ortho(left, right, bottom, top, near, far))
}

// FitView returns a view-projection that frames b from direction dir
// (pointing from the eye toward the model) with a 45 degree field of view.
// Y is up. An empty box frames the unit cube.
func FitView(b Bounds, dir mgl32.Vec3, aspect float32) mgl32.Mat4 {
	if !b.Valid() {
		b.Expand(-0.5, -0.5, -0.5)
		b.Expand(0.5, 0.5, 0.5)
	}
	c := b.Center()
	center := mgl32.Vec3{float32(c[0]), float32(c[1]), float32(c[2])}
	radius := float32(math.Max(b.Radius(), 1e-3))

	fovy := mgl32.DegToRad(45)
	dist := radius / float32(math.Sin(float64(fovy)/2))
	if dir.Len() == 0 {
		dir = mgl32.Vec3{-1, -1, -1}
	}
	eye := center.Sub(dir.Normalize().Mul(dist))

	near := math.Max(float64(dist-radius)*0.5, 1e-3)
	far := float64(dist+radius) * 1.5
	view := mgl32.LookAtV(eye, center, mgl32.Vec3{0, 1, 0})
	return Perspective(fovy, aspect, float32(near), float32(far)).Mul4(view)
}

package gputest

import (
	"encoding/binary"
	"math"
)

// Float32s decodes little-endian float32 values.
func Float32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Uint32s decodes little-endian uint32 values.
func Uint32s(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// CoverTriangles finds the nearest triangle covering the center of pixel
// (x, y). clip holds clip-space positions; indices are triangle triples
// into clip. Both windings count. Zero-area triangles never cover.
func CoverTriangles(clip [][4]float32, indices []uint32, x, y, width, height uint32) (tri int, depth float32, ok bool) {
	px := float64(x) + 0.5
	py := float64(y) + 0.5
	best := math.Inf(1)
	tri = -1

	for t := 0; t+2 < len(indices); t += 3 {
		var sx, sy, sz [3]float64
		valid := true
		for k := range 3 {
			idx := int(indices[t+k])
			if idx >= len(clip) {
				valid = false
				break
			}
			c := clip[idx]
			if c[3] <= 0 {
				valid = false
				break
			}
			nx := float64(c[0] / c[3])
			ny := float64(c[1] / c[3])
			sz[k] = float64(c[2] / c[3])
			sx[k] = (nx + 1) / 2 * float64(width)
			sy[k] = (1 - ny) / 2 * float64(height)
		}
		if !valid {
			continue
		}
		area := edge(sx[0], sy[0], sx[1], sy[1], sx[2], sy[2])
		if area == 0 {
			continue
		}
		w0 := edge(sx[1], sy[1], sx[2], sy[2], px, py) / area
		w1 := edge(sx[2], sy[2], sx[0], sy[0], px, py) / area
		w2 := edge(sx[0], sy[0], sx[1], sy[1], px, py) / area
		if w0 < 0 || w1 < 0 || w2 < 0 {
			continue
		}
		z := w0*sz[0] + w1*sz[1] + w2*sz[2]
		if z < 0 || z > 1 {
			continue
		}
		if z < best {
			best = z
			tri = t / 3
		}
	}
	if tri < 0 {
		return -1, 0, false
	}
	return tri, float32(best), true
}

func edge(ax, ay, bx, by, px, py float64) float64 {
	return (bx-ax)*(py-ay) - (by-ay)*(px-ax)
}

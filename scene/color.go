package scene

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// Color is a linear RGBA color. Display colors use 0..1 per channel;
// values outside that range still batch apart.
type Color = f32.Vec4

// keyScale sets the quantization step to 1/1000 (three decimal places).
const keyScale = 1000

// keyBits is the width of one packed channel. Channels are stored as
// signed thousandths offset by keyBias.
const (
	keyBits = 16
	keyBias = 1 << (keyBits - 1)
	keyMask = 1<<keyBits - 1
)

// MaxChannel is the largest channel magnitude a ColorKey tells apart.
// MeshData.Validate rejects colors beyond it.
const MaxChannel = float32(keyBias-1) / keyScale

// ColorKey is a color quantized to three decimal places per channel,
// packed into one integer. Colors that round to the same thousandths share
// a key and therefore a batch.
type ColorKey uint64

// KeyOf returns the batching key for c. NaN counts as 0; channels beyond
// MaxChannel saturate.
func KeyOf(c Color) ColorKey {
	var k ColorKey
	for i := range 4 {
		k |= ColorKey(quantize(c[i])) << (keyBits * i)
	}
	return k
}

func quantize(v float32) uint32 {
	if math32.IsNaN(v) {
		return keyBias
	}
	q := math32.Round(v * keyScale)
	switch {
	case q <= -keyBias:
		return 0
	case q >= keyBias-1:
		return keyMask
	}
	return uint32(int32(q) + keyBias)
}

// channel returns channel i in signed thousandths.
func (k ColorKey) channel(i int) int32 {
	return int32(uint32(k>>(keyBits*i))&keyMask) - keyBias
}

// Color returns the quantized color the key stands for.
func (k ColorKey) Color() Color {
	return Color{
		float32(k.channel(0)) / keyScale,
		float32(k.channel(1)) / keyScale,
		float32(k.channel(2)) / keyScale,
		float32(k.channel(3)) / keyScale,
	}
}

// String renders the key as "r,g,b,a" with three decimals.
func (k ColorKey) String() string {
	var sb strings.Builder
	for i := range 4 {
		if i > 0 {
			sb.WriteByte(',')
		}
		q := k.channel(i)
		if q < 0 {
			sb.WriteByte('-')
			q = -q
		}
		fmt.Fprintf(&sb, "%d.%03d", q/keyScale, q%keyScale)
	}
	return sb.String()
}

// DefaultColor returns the fallback display color for an IFC entity type.
// Matching is case-insensitive; unknown types get neutral gray.
func DefaultColor(ifcType string) Color {
	if c, ok := defaultColors[strings.ToUpper(ifcType)]; ok {
		return c
	}
	return Color{0.8, 0.8, 0.8, 1}
}

var defaultColors = map[string]Color{
	"IFCWALL":                 {0.85, 0.85, 0.85, 1},
	"IFCWALLSTANDARDCASE":     {0.85, 0.85, 0.85, 1},
	"IFCSLAB":                 {0.7, 0.7, 0.7, 1},
	"IFCROOF":                 {0.6, 0.5, 0.4, 1},
	"IFCCOLUMN":               {0.6, 0.65, 0.7, 1},
	"IFCBEAM":                 {0.6, 0.65, 0.7, 1},
	"IFCMEMBER":               {0.6, 0.65, 0.7, 1},
	"IFCWINDOW":               {0.6, 0.8, 1, 0.4},
	"IFCDOOR":                 {0.6, 0.45, 0.3, 1},
	"IFCSTAIR":                {0.75, 0.75, 0.75, 1},
	"IFCSTAIRFLIGHT":          {0.75, 0.75, 0.75, 1},
	"IFCRAILING":              {0.4, 0.4, 0.45, 1},
	"IFCPLATE":                {0.8, 0.8, 0.8, 1},
	"IFCCOVERING":             {0.8, 0.8, 0.8, 1},
	"IFCFURNISHINGELEMENT":    {0.5, 0.35, 0.2, 1},
	"IFCSPACE":                {0.2, 0.85, 1, 0.3},
	"IFCOPENINGELEMENT":       {1, 0.42, 0.29, 0.4},
	"IFCSITE":                 {0.4, 0.8, 0.3, 1},
	"IFCBUILDINGELEMENTPROXY": {0.6, 0.6, 0.6, 1},
}

package scene

import (
	"math"
	"testing"
)

func TestKeyOf(t *testing.T) {
	tests := []struct {
		name string
		a, b Color
		same bool
	}{
		{"identical", Color{0.2, 0.4, 0.6, 1}, Color{0.2, 0.4, 0.6, 1}, true},
		{"rounds together", Color{0.1234, 0, 0, 1}, Color{0.1231, 0, 0, 1}, true},
		{"one step apart", Color{0.123, 0, 0, 1}, Color{0.124, 0, 0, 1}, false},
		{"above one is distinct", Color{1.5, 0, 0, 1}, Color{1, 0, 0, 1}, false},
		{"below zero is distinct", Color{0, 0, 0, 1}, Color{-0.5, 0, 0, 1}, false},
		{"sign matters", Color{0.25, 0, 0, 1}, Color{-0.25, 0, 0, 1}, false},
		{"alpha above one", Color{0, 0, 0, 1}, Color{0, 0, 0, 2}, false},
		{"saturates past range", Color{40, 0, 0, 1}, Color{50, 0, 0, 1}, true},
		{"NaN is zero", Color{float32(math.NaN()), 0, 0, 1}, Color{0, 0, 0, 1}, true},
		{"channels are distinct", Color{1, 0, 0, 1}, Color{0, 1, 0, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyOf(tt.a) == KeyOf(tt.b); got != tt.same {
				t.Errorf("KeyOf(%v) == KeyOf(%v) is %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestColorKeyRoundTrip(t *testing.T) {
	k := KeyOf(Color{0.25, 0.5, 0.75, 1})
	if got := k.Color(); got != (Color{0.25, 0.5, 0.75, 1}) {
		t.Errorf("Color() = %v", got)
	}
	if got, want := k.String(), "0.250,0.500,0.750,1.000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	k = KeyOf(Color{-0.5, 1.5, 0, 1})
	if got := k.Color(); got != (Color{-0.5, 1.5, 0, 1}) {
		t.Errorf("Color() = %v", got)
	}
	if got, want := k.String(), "-0.500,1.500,0.000,1.000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDefaultColor(t *testing.T) {
	tests := []struct {
		ifcType string
		want    Color
	}{
		{"IFCWALL", Color{0.85, 0.85, 0.85, 1}},
		{"IfcWindow", Color{0.6, 0.8, 1, 0.4}},
		{"ifcslab", Color{0.7, 0.7, 0.7, 1}},
		{"IFCUNKNOWNTHING", Color{0.8, 0.8, 0.8, 1}},
		{"", Color{0.8, 0.8, 0.8, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.ifcType, func(t *testing.T) {
			if got := DefaultColor(tt.ifcType); got != tt.want {
				t.Errorf("DefaultColor(%q) = %v, want %v", tt.ifcType, got, tt.want)
			}
		})
	}
}

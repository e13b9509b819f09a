package main

import "testing"

func TestParsePoint(t *testing.T) {
	tests := []struct {
		in      string
		x, y    int
		wantErr bool
	}{
		{"640,360", 640, 360, false},
		{" 1 , 2 ", 1, 2, false},
		{"640", 0, 0, true},
		{"a,2", 0, 0, true},
		{"1,b", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			x, y, err := parsePoint(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePoint(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if x != tt.x || y != tt.y {
				t.Errorf("parsePoint(%q) = %d, %d; want %d, %d", tt.in, x, y, tt.x, tt.y)
			}
		})
	}
}

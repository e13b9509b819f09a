package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func decodeAll(t *testing.T, input string) ([]Event, error) {
	t.Helper()
	dec := NewDecoder(strings.NewReader(input))
	var out []Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestDecoderFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []EventType
	}{
		{
			name:  "ndjson",
			input: `{"type":"start","total_estimate":3}` + "\n\n" + `{"type":"complete"}`,
			want:  []EventType{EventStart, EventComplete},
		},
		{
			name: "sse",
			input: ": keep-alive\n" +
				"event: message\n" +
				"data: {\"type\":\"progress\",\"processed\":1,\"total\":2}\n" +
				"\n" +
				"id: 7\n" +
				"data: {\"type\":\"error\",\"message\":\"boom\"}\n\n",
			want: []EventType{EventProgress, EventError},
		},
		{
			name:  "sse multi-line data",
			input: "data: {\"type\":\n" + "data: \"batch\", \"batch_number\": 4}\n",
			want:  []EventType{EventBatch},
		},
		{
			name:  "crlf",
			input: "data: {\"type\":\"start\"}\r\n\r\n",
			want:  []EventType{EventStart},
		},
		{
			name:  "empty",
			input: "\n\n",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := decodeAll(t, tt.input)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("events = %d, want %d", len(events), len(tt.want))
			}
			for i, ev := range events {
				if ev.Type != tt.want[i] {
					t.Errorf("event %d type = %q, want %q", i, ev.Type, tt.want[i])
				}
			}
		})
	}
}

func TestDecoderFields(t *testing.T) {
	input := `{"type":"batch","batch_number":2,"meshes":[{"express_id":42,"ifc_type":"IfcWall",` +
		`"positions":[0,0,0,1,0,0,0,1,0],"normals":[0,0,1,0,0,1,0,0,1],"indices":[0,1,2],"color":[1,0,0,1]}]}` + "\n" +
		`{"type":"complete","cache_key":"abc","stats":{"total_meshes":1,"from_cache":true},` +
		`"metadata":{"schema_version":"IFC4","entity_count":10,"geometry_entity_count":1,` +
		`"coordinate_info":{"origin_shift":[1,2,3],"is_geo_referenced":true}}}`
	events, err := decodeAll(t, input)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	batch := events[0]
	if batch.BatchNumber != 2 || len(batch.Meshes) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	m := batch.Meshes[0]
	if m.ExpressID != 42 || m.IfcType != "IfcWall" || len(m.Positions) != 9 || m.Color != [4]float32{1, 0, 0, 1} {
		t.Errorf("mesh = %+v", m)
	}

	done := events[1]
	if done.CacheKey != "abc" || done.Stats == nil || !done.Stats.FromCache || done.Metadata == nil {
		t.Fatalf("complete = %+v", done)
	}
	if ci := done.Metadata.CoordinateInfo; ci.OriginShift != [3]float64{1, 2, 3} || !ci.IsGeoReferenced {
		t.Errorf("coordinate info = %+v", ci)
	}
}

func TestDecoderMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "{nope\n"},
		{"missing type", `{"message":"x"}` + "\n"},
		{"json line inside sse event", "data: {\"type\":\"start\"}\n{\"type\":\"start\"}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeAll(t, tt.input)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is wrapped by every decode error of a Decoder.
var ErrMalformed = errors.New("stream: malformed event")

// maxEventSize bounds a single event. Batches of large models are big.
const maxEventSize = 256 << 20

var (
	dataField = []byte("data:")
	sseFields = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")}
)

// Decoder reads Events from newline-delimited JSON or from a server-sent
// event stream whose data lines carry JSON. Both forms may be mixed.
type Decoder struct {
	sc   *bufio.Scanner
	line int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxEventSize)
	return &Decoder{sc: sc}
}

// Next returns the next event, or io.EOF once the input is exhausted.
func (d *Decoder) Next() (Event, error) {
	var data []byte
	start := 0
	for d.sc.Scan() {
		d.line++
		line := bytes.TrimRight(d.sc.Bytes(), "\r")
		switch {
		case len(bytes.TrimSpace(line)) == 0:
			if len(data) > 0 {
				return d.decode(data, start)
			}
		case line[0] == ':':
			// SSE comment / keep-alive
		case bytes.HasPrefix(line, dataField):
			payload := bytes.TrimPrefix(bytes.TrimPrefix(line, dataField), []byte(" "))
			if len(data) == 0 {
				start = d.line
			} else {
				data = append(data, '\n')
			}
			data = append(data, payload...)
		case isSSEField(line):
		default:
			if len(data) > 0 {
				return Event{}, fmt.Errorf("%w: line %d: JSON line inside an SSE event", ErrMalformed, d.line)
			}
			return d.decode(line, d.line)
		}
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("stream: read line %d: %w", d.line+1, err)
	}
	if len(data) > 0 {
		return d.decode(data, start)
	}
	return Event{}, io.EOF
}

func (d *Decoder) decode(data []byte, line int) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: line %d: missing type", ErrMalformed, line)
	}
	return ev, nil
}

func isSSEField(line []byte) bool {
	for _, f := range sseFields {
		if bytes.HasPrefix(line, f) {
			return true
		}
	}
	return false
}

package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ContentType is the response content type of an encoded stream.
const ContentType = "text/event-stream"

// Marshal returns the JSON form of a single event (used for websocket frames).
func Marshal(e Event) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, errors.Errorf("wire: unknown event kind %q", e.Kind)
	}
	return json.Marshal(e)
}

// Encode returns the SSE frame for e: "data: <json>\n\n".
func Encode(e Event) ([]byte, error) {
	b, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(b) + 8)
	buf.WriteString("data: ")
	buf.Write(b)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Decoder reads events back from an SSE encoded stream. Only data lines are
// read; comments and other fields are skipped.
type Decoder struct {
	lines *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Decoder{lines: sc}
}

// frame returns the joined data lines of the next frame. A last frame without
// a trailing blank line is still returned.
func (d *Decoder) frame() (string, error) {
	var data []string
	for d.lines.Scan() {
		line := strings.TrimSuffix(d.lines.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	if err := d.lines.Err(); err != nil {
		return "", err
	}
	if len(data) > 0 {
		return strings.Join(data, "\n"), nil
	}
	return "", io.EOF
}

// Next returns the next event, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Event, error) {
	data, err := d.frame()
	if err == io.EOF {
		return Event{}, io.EOF
	}
	if err != nil {
		return Event{}, errors.Wrap(err, "wire: read stream")
	}
	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Event{}, errors.Wrap(err, "wire: decode event")
	}
	if !e.Kind.Valid() {
		return Event{}, errors.Errorf("wire: unknown event kind %q", e.Kind)
	}
	return e, nil
}

// DecodeAll reads every event of a finished stream.
func DecodeAll(r io.Reader) ([]Event, error) {
	d := NewDecoder(r)
	var out []Event
	for {
		e, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

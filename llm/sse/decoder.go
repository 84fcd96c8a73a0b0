// Package sse implements an incremental server-sent-event decoder. Both
// backend families stream completions over SSE, with different framing and
// sentinels; this package only handles the transport framing and leaves
// payload interpretation to the adapters.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched server-sent event. Type is empty for plain
// "data:"-only frames (the OpenAI style); Anthropic sets it per frame.
type Event struct {
	Type string
	Data string
	ID   string
}

// Decoder reads events incrementally from a raw byte stream. Input is
// treated as adversarial: oversize lines, missing fields, interleaved
// comments and partial trailing events must not break the decoder.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r. The caller keeps ownership of the underlying reader
// and closes it to cancel the stream.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete event, or io.EOF when the transport ends.
// An event is dispatched on the first blank line following its fields. A
// partial event cut off by EOF is discarded, per the SSE processing model.
func (d *Decoder) Next() (Event, error) {
	var (
		event    Event
		dataSeen bool
		data     strings.Builder
	)

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				// Final line without newline: process it, then loop once
				// more to hit EOF. Only a blank line dispatches, so the
				// trailing partial event is dropped either way.
				if done := d.field(line, &event, &data, &dataSeen); done && dataSeen {
					event.Data = data.String()
					return event, nil
				}
			}
			return Event{}, err
		}

		if d.field(line, &event, &data, &dataSeen) {
			if !dataSeen && event.Type == "" && event.ID == "" {
				// Stray blank line before any field; keep reading.
				continue
			}
			event.Data = data.String()
			return event, nil
		}
	}
}

// field processes one raw line into the pending event. It returns true when
// the line is a dispatch boundary (blank line).
func (d *Decoder) field(line string, event *Event, data *strings.Builder, dataSeen *bool) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return true
	}
	if strings.HasPrefix(line, ":") {
		// Comment / keepalive.
		return false
	}

	name, value := line, ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		name, value = line[:idx], line[idx+1:]
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "event":
		event.Type = value
	case "data":
		if *dataSeen {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		*dataSeen = true
	case "id":
		event.ID = value
	}
	// Unknown fields (incl. "retry") are ignored.
	return false
}

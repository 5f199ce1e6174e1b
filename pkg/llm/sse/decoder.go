// Package sse provides an incremental decoder for the text/event-stream
// framing used by LLM gateways. Bytes are pushed in whatever chunks the
// transport produces; complete events come out once their terminating blank
// line has been observed, so a frame split across chunks is never emitted
// early or twice.
package sse

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Event is a single SSE event with an optional type and data payload.
type Event struct {
	Type string // value of the "event:" field (may be empty)
	Data string // value of the "data:" field(s), joined with "\n"
}

// Decoder reassembles SSE events from arbitrarily fragmented input.
// The zero value is not usable; call NewDecoder.
type Decoder struct {
	logger *slog.Logger

	buf bytes.Buffer // unterminated partial line carried across Feed calls

	// current (not yet dispatched) frame
	evType    string
	dataLines []string
}

// NewDecoder returns a Decoder. logger may be nil; malformed lines are then
// skipped silently.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{logger: logger}
}

// Feed appends chunk to the internal buffer and returns every event whose
// terminating blank line arrived. Feeding a byte sequence in one call or
// split across many calls yields the same events.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf.Write(chunk)

	var out []Event
	for {
		raw := d.buf.Bytes()
		nl := bytes.IndexByte(raw, '\n')
		if nl < 0 {
			break
		}
		line := string(bytes.TrimRight(raw[:nl], "\r"))
		d.buf.Next(nl + 1)

		if ev, ok := d.consumeLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// consumeLine processes one complete line. It returns an event when the line
// is the blank delimiter of a non-empty frame.
func (d *Decoder) consumeLine(line string) (Event, bool) {
	if line == "" {
		if len(d.dataLines) == 0 && d.evType == "" {
			return Event{}, false
		}
		ev := Event{Type: d.evType, Data: strings.Join(d.dataLines, "\n")}
		d.evType = ""
		d.dataLines = nil
		return ev, true
	}

	// Comment line.
	if line[0] == ':' {
		return Event{}, false
	}

	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		// Violates the field syntax: recover locally, keep the stream alive.
		d.logger.Warn("sse: skipping malformed line", "line", line)
		return Event{}, false
	}

	field := line[:colon]
	value := line[colon+1:]
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.evType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	default:
		// id:, retry:, and anything future — ignored for forward compatibility.
	}
	return Event{}, false
}

// Finish validates that the stream ended on a frame boundary. It returns an
// error when the connection closed mid-frame, leaving an unterminated
// partial record behind.
func (d *Decoder) Finish() error {
	if d.buf.Len() > 0 || len(d.dataLines) > 0 || d.evType != "" {
		return fmt.Errorf("sse: stream ended mid-frame (%d buffered bytes, %d pending data lines)",
			d.buf.Len(), len(d.dataLines))
	}
	return nil
}

// Package streaming provides Server-Sent Events framing.
package streaming

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// SSEEvent represents a single Server-Sent Event.
// This is a pure data structure - no behavior, just values.
type SSEEvent struct {
	Event string `json:"event,omitempty"` // Event type (from "event:" field)
	Data  string `json:"data"`            // Event data (from "data:" field(s))
	ID    string `json:"id,omitempty"`    // Event ID (from "id:" field)
	Retry int    `json:"retry,omitempty"` // Retry timeout in ms (from "retry:" field)
}

// NewJSONEvent builds an event whose data is the JSON encoding of v.
func NewJSONEvent(event string, v any) (SSEEvent, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return SSEEvent{}, err
	}
	return SSEEvent{Event: event, Data: string(b)}, nil
}

// Encode renders the event in wire format, terminated by a blank line.
// Multi-line data is split over several "data:" fields.
func Encode(e SSEEvent) []byte {
	var buf bytes.Buffer
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(e.ID)
		buf.WriteByte('\n')
	}
	if e.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(e.Event)
		buf.WriteByte('\n')
	}
	if e.Retry > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.Itoa(e.Retry))
		buf.WriteByte('\n')
	}
	for _, line := range strings.Split(e.Data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

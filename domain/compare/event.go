package compare

import (
	"github.com/artpar/comparellm/domain/streaming"
	"github.com/artpar/comparellm/domain/usage"
)

// EventKind is the type of a streamed comparison event.
type EventKind string

const (
	EventChunk        EventKind = "chunk"
	EventComplete     EventKind = "complete"
	EventError        EventKind = "error"
	EventSummaryChunk EventKind = "summary-chunk"
	EventSummary      EventKind = "summary"
	EventSummaryError EventKind = "summary-error"
	EventDone         EventKind = "done"
)

// StreamEvent is one event of a streamed comparison, tagged with its source model.
type StreamEvent struct {
	Kind       EventKind
	ModelID    string
	ModelName  string
	Text       string // chunk text, full response, or summary depending on Kind
	TokenUsage usage.TokenUsage
	Err        string
}

// Terminal reports whether the event ends one model's stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// SSE renders the event with the wire payload of its kind.
func (e StreamEvent) SSE() (streaming.SSEEvent, error) {
	var payload any
	switch e.Kind {
	case EventChunk:
		payload = struct {
			ModelID   string `json:"modelId"`
			ModelName string `json:"modelName"`
			Chunk     string `json:"chunk"`
		}{e.ModelID, e.ModelName, e.Text}
	case EventComplete:
		payload = struct {
			ModelID    string           `json:"modelId"`
			ModelName  string           `json:"modelName"`
			Response   string           `json:"response"`
			TokenUsage usage.TokenUsage `json:"tokenUsage"`
		}{e.ModelID, e.ModelName, e.Text, e.TokenUsage}
	case EventError:
		payload = struct {
			ModelID   string `json:"modelId"`
			ModelName string `json:"modelName"`
			Error     string `json:"error"`
		}{e.ModelID, e.ModelName, e.Err}
	case EventSummaryChunk:
		payload = struct {
			Chunk string `json:"chunk"`
		}{e.Text}
	case EventSummary:
		payload = struct {
			Summary string `json:"summary"`
		}{e.Text}
	case EventSummaryError:
		payload = struct {
			Error string `json:"error"`
		}{e.Err}
	default:
		payload = struct{}{}
	}
	return streaming.NewJSONEvent(string(e.Kind), payload)
}

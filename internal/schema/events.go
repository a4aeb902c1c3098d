package schema

import "encoding/json"

// EventKind is a normalized LLM-CLI stream event kind.
type EventKind string

const (
	EventThinking       EventKind = "thinking"
	EventText           EventKind = "text"
	EventResult         EventKind = "result"
	EventToolUse        EventKind = "tool_use"
	EventToolUseStart   EventKind = "tool_use_start"
	EventToolInputDelta EventKind = "tool_input_delta"
	EventToolUseStop    EventKind = "tool_use_stop"
	EventToolResult     EventKind = "tool_result"
	EventOther          EventKind = "event"
)

// StreamEvent is one normalized event from the LLM-CLI stdout stream.
// Raw carries the original JSON line (or nil for synthesized text events).
type StreamEvent struct {
	Kind EventKind       `json:"kind"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

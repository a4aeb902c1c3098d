package schema

import "time"

// Conversation log line types. The log is append-only JSONL keyed by
// (agentId, sessionId); every automatic turn appends an auto-turn marker
// followed by exactly one result or error line.
const (
	EntryUser           = "user"
	EntryAssistant      = "assistant"
	EntrySystem         = "system"
	EntryAutoTurn       = "auto-turn"
	EntryAutoTurnResult = "auto-turn-result"
	EntryAutoTurnError  = "auto-turn-error"
)

// ConversationEntry is one line of a session's conversation log.
type ConversationEntry struct {
	Type       string    `json:"type"`
	Content    string    `json:"content,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

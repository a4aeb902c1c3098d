// Package schema contains the core types shared across openclaw packages.
// Concrete implementations live in their respective packages; this package is
// the single canonical source of truth for the wire and on-disk shapes.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus tracks per-recipient delivery state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// MessageSource identifies where a routed message originated.
type MessageSource string

const (
	SourceInternal  MessageSource = "internal"
	SourceCLI       MessageSource = "cli"
	SourceSlack     MessageSource = "slack"
	SourceTelegram  MessageSource = "telegram"
	SourceEmail     MessageSource = "email"
	SourceWebhook   MessageSource = "webhook"
	SourceHeartbeat MessageSource = "heartbeat"
)

// SessionRef identifies one session of one agent.
type SessionRef struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

// Message is a routed message. Immutable once persisted; only Status is
// rewritten in place by Receive. Handled/HandledBy are recipient-scoped and
// set only on agent copies; DeliveredTo is persisted on agent copies so
// history reconstruction does not need the session logs.
type Message struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	Path       string         `json:"path"`
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     MessageStatus  `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     MessageSource  `json:"source,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`

	Handled     bool         `json:"handled,omitempty"`
	HandledBy   []SessionRef `json:"handledBy,omitempty"`
	DeliveredTo []string     `json:"_deliveredTo,omitempty"`
}

// NewMessage creates a pending Message stamped with a fresh ID and the
// current time. Source defaults to internal.
func NewMessage(from, path, command string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		Path:      path,
		Command:   command,
		Payload:   payload,
		Status:    StatusPending,
		Timestamp: time.Now(),
		Source:    SourceInternal,
	}
}

// RouteResult reports where a single Route call delivered its message.
type RouteResult struct {
	ID                  string       `json:"id"`
	Message             Message      `json:"-"`
	Delivered           bool         `json:"delivered"`
	Unmatched           bool         `json:"unmatched"`
	DeliveredTo         []string     `json:"deliveredTo"`
	DeliveredToSessions []SessionRef `json:"deliveredToSessions"`
}

// HistoryOptions filters History / SessionHistory reads.
type HistoryOptions struct {
	Limit    int
	FromTime time.Time
	ToTime   time.Time
}

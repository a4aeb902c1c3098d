package schema

import "time"

// QuestionStatus is the lifecycle state of a pending ask-user question.
// Transitions are monotonic: pending → answered | answered_late | timed_out.
type QuestionStatus string

const (
	QuestionPending      QuestionStatus = "pending"
	QuestionAnswered     QuestionStatus = "answered"
	QuestionAnsweredLate QuestionStatus = "answered_late"
	QuestionTimedOut     QuestionStatus = "timed_out"
)

// PendingQuestion is one ask-user round-trip persisted in the questions index.
type PendingQuestion struct {
	QuestionID string         `json:"questionId"`
	AgentID    string         `json:"agentId"`
	SessionID  string         `json:"sessionId"`
	Question   string         `json:"question"`
	Options    []string       `json:"options,omitempty"`
	Context    string         `json:"context,omitempty"`
	Status     QuestionStatus `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	AnsweredAt *time.Time     `json:"answeredAt,omitempty"`
}

package schema

import (
	"encoding/json"
	"time"
)

// Subscription is one persisted broker subscription pattern.
// AddedAt survives rewrites so subscription age is stable.
type Subscription struct {
	Pattern string    `json:"pattern"`
	AddedAt time.Time `json:"addedAt"`
}

// AutoRun controls whether the turn manager reacts to deliveries for an
// agent or session. In config files it may be a plain boolean ("enabled
// with defaults") or the full object form.
type AutoRun struct {
	Enabled            bool   `json:"enabled"`
	TriageModel        string `json:"triageModel,omitempty"`
	DebounceMs         int    `json:"debounceMs,omitempty"`
	MaxBatchSize       int    `json:"maxBatchSize,omitempty"`
	TriageTimeoutMs    int    `json:"triageTimeoutMs,omitempty"`
	ExecutionTimeoutMs int    `json:"executionTimeoutMs,omitempty"`
}

// UnmarshalJSON accepts either `true`/`false` or the object form.
func (a *AutoRun) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*a = AutoRun{Enabled: b}
		return nil
	}
	type plain AutoRun
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = AutoRun(p)
	return nil
}

// AutoRun defaults applied when neither level specifies a field.
const (
	DefaultDebounceMs         = 2000
	DefaultMaxBatchSize       = 10
	DefaultTriageTimeoutMs    = 30_000
	DefaultExecutionTimeoutMs = 600_000
)

// ResolveAutoRun merges session-level over agent-level AutoRun and fills
// defaults. Returns nil when neither level enables automatic turns.
func ResolveAutoRun(agentLevel, sessionLevel *AutoRun) *AutoRun {
	base := agentLevel
	if sessionLevel != nil {
		base = sessionLevel
	}
	if base == nil || !base.Enabled {
		return nil
	}
	out := *base
	if out.DebounceMs <= 0 {
		out.DebounceMs = DefaultDebounceMs
	}
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = DefaultMaxBatchSize
	}
	if out.TriageTimeoutMs <= 0 {
		out.TriageTimeoutMs = DefaultTriageTimeoutMs
	}
	if out.ExecutionTimeoutMs <= 0 {
		out.ExecutionTimeoutMs = DefaultExecutionTimeoutMs
	}
	return &out
}

// AgentConfig is the on-disk jvAgent.json document.
type AgentConfig struct {
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	WorkDirs      []string       `json:"workDirs,omitempty"`
	DefaultModel  string         `json:"defaultModel,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	Heartbeat     string         `json:"heartbeat,omitempty"` // cron expression
	AutoRun       *AutoRun       `json:"autoRun,omitempty"`
}

// SessionMeta is the on-disk sessions/<sid>.json document.
type SessionMeta struct {
	ID            string         `json:"id"`
	Title         string         `json:"title,omitempty"`
	IsDefault     bool           `json:"isDefault,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastUsedAt    time.Time      `json:"lastUsedAt"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	WorkDirs      []string       `json:"workDirs,omitempty"`
	AutoRun       *AutoRun       `json:"autoRun,omitempty"`
}

package schema

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Router is the broker surface tools and ingress services are allowed to use.
// Implemented by broker.Broker.
type Router interface {
	Route(from, path string, opts RouteOptions) (RouteResult, error)
	Send(from, toAgentID string, opts RouteOptions) (RouteResult, error)
	Broadcast(from string, opts RouteOptions) (RouteResult, error)
}

// RouteOptions is the caller-supplied part of a routed message.
type RouteOptions struct {
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload,omitempty"`
	Source     MessageSource  `json:"source,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
}

// ServiceStatus describes one supervised service.
type ServiceStatus struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// ServiceStatuser exposes supervisor state to tools.
type ServiceStatuser interface {
	Status() []ServiceStatus
}

// AskUserFunc forwards a question to a human through the control surface and
// blocks until an answer, timeout, or ctx cancellation.
type AskUserFunc func(ctx context.Context, question string, options []string, extra string) (string, error)

// LogSearchFunc searches the durable broker logs of the calling agent.
type LogSearchFunc func(query string, limit int) ([]Message, error)

// ToolContext carries the per-invocation handles injected by the registry.
// Secrets are spliced in at execution time and must never reach the LLM or
// the logs.
type ToolContext struct {
	AgentID     string
	SessionID   string
	ProjectRoot string
	Logger      *slog.Logger
	Broker      Router
	SearchLogs  LogSearchFunc
	Secrets     map[string]string
	AgentConfig *AgentConfig
	Services    ServiceStatuser
	AskUser     AskUserFunc // nil outside control-surface invocations
}

// ToolResult is the uniform result shape of a tool execution.
type ToolResult struct {
	Output  any  `json:"output"`
	IsError bool `json:"isError"`
}

// Tool is the interface all agent-callable tools satisfy. Built-in tools
// and manifest-defined command tools both implement it.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema (as raw JSON bytes) for this tool's input.
	Parameters() json.RawMessage
	Execute(ctx context.Context, input map[string]any, tc ToolContext) ToolResult
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// ---------------------------------------------------------------------------
// message

// MessageTool lets an agent send to a peer agent, route to an arbitrary
// path, or broadcast to the whole fleet.
type MessageTool struct{}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to another agent, route to a path, or broadcast to all agents."
}
func (t *MessageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"to": {"type": "string", "description": "Target agent ID"},
			"path": {"type": "string", "description": "Route path, used instead of 'to'"},
			"command": {"type": "string", "description": "Message command"},
			"payload": {"type": "object", "description": "Optional structured payload"},
			"broadcast": {"type": "boolean", "description": "Send to every agent except yourself"}
		},
		"required": ["command"]
	}`)
}

func (t *MessageTool) Execute(ctx context.Context, input map[string]any, tc schema.ToolContext) schema.ToolResult {
	command, _ := input["command"].(string)
	if command == "" {
		return schema.ToolResult{Output: "command is required", IsError: true}
	}
	payload, _ := input["payload"].(map[string]any)
	opts := schema.RouteOptions{Command: command, Payload: payload}

	var result schema.RouteResult
	var err error
	switch {
	case input["broadcast"] == true:
		result, err = tc.Broker.Broadcast(tc.AgentID, opts)
	case input["path"] != nil:
		path, _ := input["path"].(string)
		result, err = tc.Broker.Route(tc.AgentID, path, opts)
	case input["to"] != nil:
		to, _ := input["to"].(string)
		result, err = tc.Broker.Send(tc.AgentID, to, opts)
	default:
		return schema.ToolResult{Output: "one of to, path, or broadcast is required", IsError: true}
	}
	if err != nil {
		return schema.ToolResult{Output: err.Error(), IsError: true}
	}
	if result.Unmatched {
		return schema.ToolResult{Output: "no subscribers matched; message went to the dead-letter sink", IsError: true}
	}
	return schema.ToolResult{Output: map[string]any{
		"id":                  result.ID,
		"deliveredTo":         result.DeliveredTo,
		"deliveredToSessions": result.DeliveredToSessions,
	}}
}

// ---------------------------------------------------------------------------
// services_status

// ServicesStatusTool reports the supervisor's view of ingress services.
type ServicesStatusTool struct{}

func (t *ServicesStatusTool) Name() string { return "services_status" }
func (t *ServicesStatusTool) Description() string {
	return "List the long-running ingress services and whether each is running."
}
func (t *ServicesStatusTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ServicesStatusTool) Execute(ctx context.Context, input map[string]any, tc schema.ToolContext) schema.ToolResult {
	if tc.Services == nil {
		return schema.ToolResult{Output: "service supervisor is not running", IsError: true}
	}
	return schema.ToolResult{Output: tc.Services.Status()}
}

// ---------------------------------------------------------------------------
// search_logs

// SearchLogsTool searches the calling agent's durable message log.
type SearchLogsTool struct{}

func (t *SearchLogsTool) Name() string { return "search_logs" }
func (t *SearchLogsTool) Description() string {
	return "Search your own message history for entries containing a text fragment."
}
func (t *SearchLogsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Text to look for"},
			"limit": {"type": "integer", "description": "Max results, default 20"}
		},
		"required": ["query"]
	}`)
}

func (t *SearchLogsTool) Execute(ctx context.Context, input map[string]any, tc schema.ToolContext) schema.ToolResult {
	query, _ := input["query"].(string)
	if query == "" {
		return schema.ToolResult{Output: "query is required", IsError: true}
	}
	limit := 20
	if v, ok := input["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	msgs, err := tc.SearchLogs(query, limit)
	if err != nil {
		return schema.ToolResult{Output: err.Error(), IsError: true}
	}
	return schema.ToolResult{Output: msgs}
}

// ---------------------------------------------------------------------------
// ask_user

// AskUserTool pauses the turn and asks a human through the control
// surface. Outside control-surface invocations there is no one to ask.
type AskUserTool struct{}

func (t *AskUserTool) Name() string { return "ask_user" }
func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. Use sparingly."
}
func (t *AskUserTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question to ask"},
			"options": {"type": "array", "items": {"type": "string"}, "description": "Optional multiple-choice answers"},
			"context": {"type": "string", "description": "Optional background shown with the question"}
		},
		"required": ["question"]
	}`)
}

func (t *AskUserTool) Execute(ctx context.Context, input map[string]any, tc schema.ToolContext) schema.ToolResult {
	question, _ := input["question"].(string)
	if question == "" {
		return schema.ToolResult{Output: "question is required", IsError: true}
	}
	if tc.AskUser == nil {
		return schema.ToolResult{Output: "no interactive client is connected to answer questions", IsError: true}
	}

	var options []string
	if raw, ok := input["options"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				options = append(options, s)
			}
		}
	}
	extra, _ := input["context"].(string)

	answer, err := tc.AskUser(ctx, question, options, extra)
	if err != nil {
		return schema.ToolResult{Output: fmt.Sprintf("ask-user failed: %v", err), IsError: true}
	}
	return schema.ToolResult{Output: answer}
}

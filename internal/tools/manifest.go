package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

const defaultCommandTimeout = 60 * time.Second

// manifest is the on-disk YAML shape of a command tool.
type manifest struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Command     string         `yaml:"command"`
	Args        []string       `yaml:"args"`
	Parameters  map[string]any `yaml:"parameters"`
	TimeoutMs   int            `yaml:"timeoutMs"`
}

// CommandTool runs an external command described by a YAML manifest.
// Input is passed as JSON on stdin; the agent's secrets are spliced into
// the child environment here and never shown to the model.
type CommandTool struct {
	name        string
	description string
	command     string
	args        []string
	parameters  json.RawMessage
	timeout     time.Duration
	dir         string
}

func loadManifest(path string) (*CommandTool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" || m.Command == "" {
		return nil, fmt.Errorf("manifest needs name and command")
	}

	params := json.RawMessage(`{"type":"object"}`)
	if m.Parameters != nil {
		if raw, err := json.Marshal(m.Parameters); err == nil {
			params = raw
		}
	}
	timeout := defaultCommandTimeout
	if m.TimeoutMs > 0 {
		timeout = time.Duration(m.TimeoutMs) * time.Millisecond
	}
	return &CommandTool{
		name:        m.Name,
		description: m.Description,
		command:     m.Command,
		args:        m.Args,
		parameters:  params,
		timeout:     timeout,
	}, nil
}

func (t *CommandTool) Name() string                { return t.name }
func (t *CommandTool) Description() string         { return t.description }
func (t *CommandTool) Parameters() json.RawMessage { return t.parameters }

func (t *CommandTool) Execute(ctx context.Context, input map[string]any, tc schema.ToolContext) schema.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stdin, err := json.Marshal(input)
	if err != nil {
		return schema.ToolResult{Output: fmt.Sprintf("encode input: %v", err), IsError: true}
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Dir = tc.ProjectRoot
	cmd.Stdin = bytes.NewReader(stdin)

	env := append(os.Environ(),
		"OPENCLAW_AGENT_ID="+tc.AgentID,
		"OPENCLAW_PROJECT_ROOT="+tc.ProjectRoot,
	)
	if tc.SessionID != "" {
		env = append(env, "OPENCLAW_SESSION_ID="+tc.SessionID)
	}
	for key, value := range tc.Secrets {
		env = append(env, key+"="+value)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		return schema.ToolResult{Output: fmt.Sprintf("%s: %v", out, err), IsError: true}
	}
	return schema.ToolResult{Output: strings.TrimSpace(stdout.String())}
}

// Package llmcli spawns the external LLM CLI binary, parses its
// line-delimited JSON event stream, and enforces timeouts with a
// graceful-terminate then hard-kill escalation.
package llmcli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/schema"
)

const (
	// killGrace is how long a terminated child gets before the hard kill.
	killGrace = 5 * time.Second

	// fallbackTimeout applies when neither config nor options set one.
	fallbackTimeout = 10 * time.Minute
)

// ideEnvPrefixes are environment variable prefixes that would make the
// child believe it is running inside an editor or embedded runtime.
var ideEnvPrefixes = []string{
	"VSCODE_",
	"CURSOR_",
	"JETBRAINS_",
	"INTELLIJ_",
	"ZED_",
	"ELECTRON_",
	"TERM_PROGRAM",
}

// Options controls one subprocess invocation.
type Options struct {
	Model                string
	SystemPrompt         string
	ResumeSessionID      string
	AdditionalDirs       []string
	DisallowedTools      []string
	PermissionMode       string
	NoSessionPersistence bool
	WorkDir              string
	TimeoutMs            int
}

// Result is the outcome of a clean exit.
type Result struct {
	Markdown   string
	DurationMs int64
}

// ExitError reports a nonzero exit, a signal, or a timeout kill.
type ExitError struct {
	Code       int
	Signal     string
	DurationMs int64
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("llm-cli terminated by signal %s after %dms", e.Signal, e.DurationMs)
	}
	return fmt.Sprintf("llm-cli exited with code %d after %dms", e.Code, e.DurationMs)
}

// EventFunc receives each normalized stream event in stdout line order.
type EventFunc func(schema.StreamEvent)

// Runner invokes the configured LLM CLI binary.
type Runner struct {
	binary         string
	defaultModel   string
	defaultTimeout time.Duration
}

// New builds a Runner from the llmcli config section.
func New(cfg config.LLMCLIConfig) *Runner {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	return &Runner{binary: cfg.Binary, defaultModel: cfg.DefaultModel, defaultTimeout: timeout}
}

// Stream runs the binary in streaming mode. Each stdout line is parsed as
// JSON and dispatched to onEvent; non-JSON lines are forwarded verbatim as
// text events. Returns the accumulated markdown on a clean exit.
func (r *Runner) Stream(ctx context.Context, prompt string, opts Options, onEvent EventFunc) (*Result, error) {
	args := r.buildArgs(prompt, opts, "stream-json")
	return r.run(ctx, args, opts, onEvent, false)
}

// Query runs the binary in one-shot mode and returns the envelope's
// result field as markdown.
func (r *Runner) Query(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := r.buildArgs(prompt, opts, "json")
	return r.run(ctx, args, opts, nil, true)
}

func (r *Runner) buildArgs(prompt string, opts Options, outputFormat string) []string {
	args := []string{"-p", prompt, "--output-format", outputFormat}
	if outputFormat == "stream-json" {
		args = append(args, "--verbose")
	}
	model := opts.Model
	if model == "" {
		model = r.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.NoSessionPersistence {
		args = append(args, "--no-session-persistence")
	}
	return args
}

func (r *Runner) run(ctx context.Context, args []string, opts Options, onEvent EventFunc, oneShot bool) (*Result, error) {
	timeout := r.defaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = sanitizeEnv(os.Environ())
	cmd.Stdin = nil
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}

	var markdown strings.Builder
	var resultField string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 8<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev := normalizeLine(line)
		switch ev.Kind {
		case schema.EventText:
			markdown.WriteString(ev.Text)
			if !strings.HasSuffix(ev.Text, "\n") {
				markdown.WriteString("\n")
			}
		case schema.EventResult:
			if ev.Text != "" {
				resultField = ev.Text
			}
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	duration := time.Since(start).Milliseconds()

	if waitErr != nil {
		exitErr := &ExitError{Code: -1, DurationMs: duration}
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			exitErr.Code = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitErr.Signal = ws.Signal().String()
			}
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			slog.Warn("llmcli: subprocess stderr", "binary", r.binary, "stderr", truncateForLog(msg))
		}
		return nil, exitErr
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read stream: %w", scanErr)
	}

	out := markdown.String()
	if oneShot {
		out = resultField
	}
	return &Result{Markdown: out, DurationMs: duration}, nil
}

// sanitizeEnv drops variables that would make the child re-enter an
// editor-embedded mode.
func sanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
outer:
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		for _, prefix := range ideEnvPrefixes {
			if strings.HasPrefix(name, prefix) {
				continue outer
			}
		}
		out = append(out, kv)
	}
	return out
}

func truncateForLog(s string) string {
	if len(s) > 500 {
		return s[:500] + "…"
	}
	return s
}

// normalizeLine maps one raw stdout line to a stream event. Non-JSON and
// unrecognized shapes degrade to text and generic events rather than errors.
func normalizeLine(line string) schema.StreamEvent {
	raw := json.RawMessage(line)
	var envelope struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Text    string `json:"text"`
		Result  string `json:"result"`
		Delta   struct {
			Text string `json:"text"`
		} `json:"delta"`
		Message struct {
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				Thinking string `json:"thinking"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return schema.StreamEvent{Kind: schema.EventText, Text: line}
	}

	switch envelope.Type {
	case "result":
		return schema.StreamEvent{Kind: schema.EventResult, Text: envelope.Result, Raw: raw}
	case "thinking":
		return schema.StreamEvent{Kind: schema.EventThinking, Text: envelope.Text, Raw: raw}
	case "text":
		return schema.StreamEvent{Kind: schema.EventText, Text: envelope.Text, Raw: raw}
	case "tool_use":
		return schema.StreamEvent{Kind: schema.EventToolUse, Raw: raw}
	case "tool_use_start":
		return schema.StreamEvent{Kind: schema.EventToolUseStart, Raw: raw}
	case "tool_input_delta":
		return schema.StreamEvent{Kind: schema.EventToolInputDelta, Text: envelope.Delta.Text, Raw: raw}
	case "tool_use_stop":
		return schema.StreamEvent{Kind: schema.EventToolUseStop, Raw: raw}
	case "tool_result":
		return schema.StreamEvent{Kind: schema.EventToolResult, Raw: raw}
	case "assistant":
		// Assistant envelopes carry content blocks; surface text and
		// thinking blocks, fall through to a generic event otherwise.
		for _, block := range envelope.Message.Content {
			switch block.Type {
			case "text":
				return schema.StreamEvent{Kind: schema.EventText, Text: block.Text, Raw: raw}
			case "thinking":
				return schema.StreamEvent{Kind: schema.EventThinking, Text: block.Thinking, Raw: raw}
			case "tool_use":
				return schema.StreamEvent{Kind: schema.EventToolUse, Raw: raw}
			}
		}
		return schema.StreamEvent{Kind: schema.EventOther, Raw: raw}
	default:
		return schema.StreamEvent{Kind: schema.EventOther, Raw: raw}
	}
}

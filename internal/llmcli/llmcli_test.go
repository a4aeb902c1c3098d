package llmcli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// fakeBinary writes an executable shell script standing in for the LLM CLI.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake binary needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-llm")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRunner(binary string, timeoutMs int) *Runner {
	return New(config.LLMCLIConfig{Binary: binary, TimeoutMs: timeoutMs})
}

// ─── Streaming ─────────────────────────────────────────────────────────────

func TestStream_NormalizesEvents(t *testing.T) {
	bin := fakeBinary(t, `
echo '{"type":"thinking","text":"hmm"}'
echo '{"type":"text","text":"hello"}'
echo '{"type":"tool_use_start"}'
echo '{"type":"tool_result"}'
echo '{"type":"something_new"}'
echo '{"type":"result","result":"final"}'
`)
	var kinds []schema.EventKind
	res, err := newRunner(bin, 5000).Stream(context.Background(), "p", Options{}, func(ev schema.StreamEvent) {
		kinds = append(kinds, ev.Kind)
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []schema.EventKind{
		schema.EventThinking, schema.EventText, schema.EventToolUseStart,
		schema.EventToolResult, schema.EventOther, schema.EventResult,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if res.Markdown != "hello\n" {
		t.Errorf("markdown = %q", res.Markdown)
	}
}

func TestStream_NonJSONLinesBecomeText(t *testing.T) {
	bin := fakeBinary(t, `
echo 'plain output line'
echo '{"type":"text","text":"structured"}'
`)
	var events []schema.StreamEvent
	res, err := newRunner(bin, 5000).Stream(context.Background(), "p", Options{}, func(ev schema.StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Kind != schema.EventText || events[0].Text != "plain output line" {
		t.Errorf("first event = %+v", events[0])
	}
	if res.Markdown != "plain output line\nstructured\n" {
		t.Errorf("markdown = %q", res.Markdown)
	}
}

func TestStream_NonzeroExit(t *testing.T) {
	bin := fakeBinary(t, `exit 3`)
	_, err := newRunner(bin, 5000).Stream(context.Background(), "p", Options{}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || exitErr.Signal != "" {
		t.Errorf("exit error = %+v", exitErr)
	}
}

func TestStream_TimeoutSignalsChild(t *testing.T) {
	bin := fakeBinary(t, `sleep 30`)
	start := time.Now()
	_, err := newRunner(bin, 200).Stream(context.Background(), "p", Options{}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Signal == "" {
		t.Errorf("expected a signal, got %+v", exitErr)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("kill escalation took %v", elapsed)
	}
}

// ─── One-shot query ────────────────────────────────────────────────────────

func TestQuery_ParsesResultEnvelope(t *testing.T) {
	bin := fakeBinary(t, `echo '{"type":"result","result":"YES","is_error":false}'`)
	res, err := newRunner(bin, 5000).Query(context.Background(), "p", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Markdown != "YES" {
		t.Errorf("markdown = %q", res.Markdown)
	}
	if res.DurationMs < 0 {
		t.Errorf("durationMs = %d", res.DurationMs)
	}
}

// ─── Argument construction ─────────────────────────────────────────────────

func TestBuildArgs(t *testing.T) {
	r := New(config.LLMCLIConfig{Binary: "claude", DefaultModel: "m-default"})
	args := r.buildArgs("hi", Options{
		ResumeSessionID: "slack-mon",
		SystemPrompt:    "sys",
		AdditionalDirs:  []string{"/a", "/b"},
		DisallowedTools: []string{"Bash", "Write"},
	}, "stream-json")

	joined := ""
	for _, a := range args {
		joined += a + "\x00"
	}
	for _, want := range []string{
		"-p\x00hi\x00", "--output-format\x00stream-json\x00", "--verbose\x00",
		"--model\x00m-default\x00", "--resume\x00slack-mon\x00",
		"--append-system-prompt\x00sys\x00", "--add-dir\x00/a\x00", "--add-dir\x00/b\x00",
		"--disallowed-tools\x00Bash,Write\x00",
	} {
		if !contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}

	oneShot := r.buildArgs("hi", Options{NoSessionPersistence: true}, "json")
	flat := ""
	for _, a := range oneShot {
		flat += a + "\x00"
	}
	if contains(flat, "--verbose") {
		t.Error("one-shot mode must not request verbose streaming")
	}
	if !contains(flat, "--no-session-persistence") {
		t.Error("one-shot triage must skip session persistence")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// ─── Environment sanitization ──────────────────────────────────────────────

func TestSanitizeEnv(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"VSCODE_PID=123",
		"CURSOR_TRACE_ID=x",
		"TERM_PROGRAM=vscode",
		"HOME=/root",
	}
	out := sanitizeEnv(env)
	for _, kv := range out {
		for _, banned := range []string{"VSCODE_", "CURSOR_", "TERM_PROGRAM"} {
			if len(kv) >= len(banned) && kv[:len(banned)] == banned {
				t.Errorf("sanitized env still carries %q", kv)
			}
		}
	}
	if len(out) != 2 {
		t.Errorf("kept = %v", out)
	}
}

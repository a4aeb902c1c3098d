package tools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *broker.Broker) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent("researcher", nil); err != nil {
		t.Fatal(err)
	}
	bk, err := broker.New(st)
	if err != nil {
		t.Fatal(err)
	}
	return New(st, bk), st, bk
}

func writeManifest(t *testing.T, dir, file, body string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func toolNames(ts []schema.Tool) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name())
	}
	return out
}

// ─── Discovery ─────────────────────────────────────────────────────────────

func TestListAgentTools_IncludesBuiltins(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ts, err := r.ListAgentTools("researcher")
	if err != nil {
		t.Fatal(err)
	}
	names := strings.Join(toolNames(ts), ",")
	for _, want := range []string{"message", "web_fetch", "ask_user", "services_status", "search_logs"} {
		if !strings.Contains(names, want) {
			t.Errorf("missing builtin %q in %s", want, names)
		}
	}
}

func TestListAgentTools_ManifestDiscoveryAndOverride(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	if err := st.CreateAgent("researcher/deep", nil); err != nil {
		t.Fatal(err)
	}

	// Project root defines "deploy"; the parent agent overrides it; the
	// child adds its own tool.
	writeManifest(t, filepath.Join(st.Root(), "tools"), "deploy.yaml",
		"name: deploy\ndescription: root deploy\ncommand: /bin/true\n")
	agentDir, _ := st.AgentDir("researcher")
	writeManifest(t, filepath.Join(agentDir, "tools"), "deploy.yaml",
		"name: deploy\ndescription: agent deploy\ncommand: /bin/true\n")
	childDir, _ := st.AgentDir("researcher/deep")
	writeManifest(t, filepath.Join(childDir, "tools"), "extra.yaml",
		"name: extra\ndescription: child only\ncommand: /bin/true\n")

	childTools, err := r.ListAgentTools("researcher/deep")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]schema.Tool{}
	for _, tool := range childTools {
		byName[tool.Name()] = tool
	}
	if byName["extra"] == nil {
		t.Error("child tool missing")
	}
	if got := byName["deploy"].Description(); got != "agent deploy" {
		t.Errorf("deploy description = %q, want the parent override", got)
	}

	// The parent does not see the child's tool.
	parentTools, _ := r.ListAgentTools("researcher")
	for _, name := range toolNames(parentTools) {
		if name == "extra" {
			t.Error("parent sees child-only tool")
		}
	}
}

func TestManifestCache_ReloadsOnMtimeChange(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	agentDir, _ := st.AgentDir("researcher")
	path := writeManifest(t, filepath.Join(agentDir, "tools"), "t.yaml",
		"name: t\ndescription: v1\ncommand: /bin/true\n")

	tool, err := r.GetTool("researcher", "t")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Description() != "v1" {
		t.Fatalf("description = %q", tool.Description())
	}

	if err := os.WriteFile(path, []byte("name: t\ndescription: v2\ncommand: /bin/true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	tool, err = r.GetTool("researcher", "t")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Description() != "v2" {
		t.Errorf("description = %q, want reloaded v2", tool.Description())
	}
}

func TestLoadManifest_RejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("description: no name or command\n"), 0o644)
	if _, err := loadManifest(path); err == nil {
		t.Error("expected error for manifest without name/command")
	}
}

// ─── Execution ─────────────────────────────────────────────────────────────

func TestCommandTool_SplicesSecretsIntoEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	r, st, _ := newTestRegistry(t)
	agentDir, _ := st.AgentDir("researcher")
	if err := os.WriteFile(filepath.Join(agentDir, "secrets.env"), []byte("API_TOKEN=s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	script := filepath.Join(t.TempDir(), "echo-token.sh")
	os.WriteFile(script, []byte("#!/bin/sh\nprintf '%s' \"$API_TOKEN\"\n"), 0o755)
	writeManifest(t, filepath.Join(agentDir, "tools"), "echo.yaml",
		"name: echo_token\ndescription: test\ncommand: "+script+"\n")

	res := r.ExecuteTool(context.Background(), "researcher", "echo_token", nil, "", nil)
	if res.IsError {
		t.Fatalf("tool failed: %v", res.Output)
	}
	if res.Output != "s3cret" {
		t.Errorf("output = %v, secret not spliced into env", res.Output)
	}
}

func TestCommandTool_NonzeroExitIsError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	r, st, _ := newTestRegistry(t)
	agentDir, _ := st.AgentDir("researcher")
	script := filepath.Join(t.TempDir(), "fail.sh")
	os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755)
	writeManifest(t, filepath.Join(agentDir, "tools"), "fail.yaml",
		"name: fail\ndescription: test\ncommand: "+script+"\n")

	res := r.ExecuteTool(context.Background(), "researcher", "fail", nil, "", nil)
	if !res.IsError {
		t.Fatal("expected IsError")
	}
	if !strings.Contains(res.Output.(string), "boom") {
		t.Errorf("output = %v", res.Output)
	}
}

func TestMessageTool_SendsThroughBroker(t *testing.T) {
	r, st, bk := newTestRegistry(t)
	if err := st.CreateAgent("peer", nil); err != nil {
		t.Fatal(err)
	}
	if err := bk.RebuildIndex(); err != nil {
		t.Fatal(err)
	}

	res := r.ExecuteTool(context.Background(), "researcher", "message",
		map[string]any{"to": "peer", "command": "hello"}, "main", nil)
	if res.IsError {
		t.Fatalf("tool failed: %v", res.Output)
	}
	msgs, err := bk.Receive("peer")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Command != "hello" || msgs[0].From != "researcher" {
		t.Fatalf("delivered = %+v", msgs)
	}
}

func TestAskUserTool_RequiresCallback(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	res := r.ExecuteTool(context.Background(), "researcher", "ask_user",
		map[string]any{"question": "q?"}, "", nil)
	if !res.IsError {
		t.Error("ask_user without a client should error")
	}

	answered := func(ctx context.Context, q string, options []string, extra string) (string, error) {
		return "yes", nil
	}
	res = r.ExecuteTool(context.Background(), "researcher", "ask_user",
		map[string]any{"question": "q?"}, "", answered)
	if res.IsError || res.Output != "yes" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.ExecuteTool(context.Background(), "researcher", "nope", nil, "", nil)
	if !res.IsError {
		t.Error("unknown tool must be an error result")
	}
}

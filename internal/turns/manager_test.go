package turns

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/llmcli"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

// ─── Fakes ─────────────────────────────────────────────────────────────────

type streamCall struct {
	prompt string
	opts   llmcli.Options
}

type fakeRunner struct {
	mu          sync.Mutex
	streamCalls []streamCall
	queryCalls  []string
	streamErr   error
	queryReply  string
	block       chan struct{} // when non-nil, Stream waits on it
}

func (f *fakeRunner) Stream(ctx context.Context, prompt string, opts llmcli.Options, onEvent llmcli.EventFunc) (*llmcli.Result, error) {
	f.mu.Lock()
	f.streamCalls = append(f.streamCalls, streamCall{prompt: prompt, opts: opts})
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &llmcli.Result{Markdown: "done", DurationMs: 5}, nil
}

func (f *fakeRunner) Query(ctx context.Context, prompt string, opts llmcli.Options) (*llmcli.Result, error) {
	f.mu.Lock()
	f.queryCalls = append(f.queryCalls, prompt)
	f.mu.Unlock()
	reply := f.queryReply
	if reply == "" {
		reply = "YES"
	}
	return &llmcli.Result{Markdown: reply}, nil
}

func (f *fakeRunner) streams() []streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]streamCall(nil), f.streamCalls...)
}

func (f *fakeRunner) queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queryCalls)
}

type fakeTriager struct {
	mu     sync.Mutex
	calls  int
	answer bool
	err    error
}

func (f *fakeTriager) Enabled() bool { return true }

func (f *fakeTriager) ShouldAct(ctx context.Context, prompt string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.answer, f.err
}

func (f *fakeTriager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ─── Harness ───────────────────────────────────────────────────────────────

func setup(t *testing.T, autoRun *schema.AutoRun) (*Manager, *broker.Broker, *store.Store, *fakeRunner, *fakeTriager) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent("researcher", &schema.AgentConfig{
		Description:   "digs things up",
		Subscriptions: []schema.Subscription{{Pattern: "slack/**", AddedAt: time.Now()}},
		AutoRun:       autoRun,
	}); err != nil {
		t.Fatal(err)
	}
	bk, err := broker.New(st)
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	triager := &fakeTriager{answer: true}
	m := New(st, bk, runner, triager)
	t.Cleanup(m.cancel)
	return m, bk, st, runner, triager
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ─── Debounce and batching ─────────────────────────────────────────────────

func TestDebounce_CoalescesRapidRoutes(t *testing.T) {
	_, bk, st, runner, triager := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 200})

	for _, cmd := range []string{"m1", "m2", "m3"} {
		if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: cmd, Source: schema.SourceSlack}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	waitFor(t, func() bool { return len(runner.streams()) == 1 })
	time.Sleep(300 * time.Millisecond)

	if triager.callCount() != 1 {
		t.Errorf("triage calls = %d, want 1", triager.callCount())
	}
	calls := runner.streams()
	if len(calls) != 1 {
		t.Fatalf("execution calls = %d, want 1", len(calls))
	}
	for _, cmd := range []string{"m1", "m2", "m3"} {
		if !strings.Contains(calls[0].prompt, cmd) {
			t.Errorf("prompt missing %q:\n%s", cmd, calls[0].prompt)
		}
	}

	entries, err := st.ReadConversation("researcher", "main", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Type != schema.EntryAutoTurn || entries[1].Type != schema.EntryAutoTurnResult {
		t.Fatalf("conversation entries = %+v", entries)
	}
	if len(entries[0].MessageIDs) != 3 {
		t.Errorf("auto-turn messageIds = %v", entries[0].MessageIDs)
	}
}

func TestBatchCap_FlushesBeforeDebounce(t *testing.T) {
	_, bk, _, runner, _ := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 10_000, MaxBatchSize: 5})

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(runner.streams()) == 1 })
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("batch cap flush took %v, should not wait out the debounce window", elapsed)
	}
}

func TestAutoRunDisabled_IgnoresDeliveries(t *testing.T) {
	_, bk, _, runner, triager := setup(t, nil)

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "m"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if len(runner.streams()) != 0 || triager.callCount() != 0 {
		t.Error("disabled autoRun must not trigger turns")
	}
}

// ─── Triage gate ───────────────────────────────────────────────────────────

func TestTriage_RejectSkipsExecution(t *testing.T) {
	m, bk, _, runner, triager := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 50})
	triager.answer = false

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "spam"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Stats().TriageRejected == 1 })
	time.Sleep(100 * time.Millisecond)

	if len(runner.streams()) != 0 {
		t.Error("rejected triage must not execute")
	}
	stats := m.Stats()
	if stats.TriageCount != 1 || stats.TriageAccepted != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTriage_AcceptResumesTargetSession(t *testing.T) {
	m, bk, _, runner, _ := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 50})

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "go"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(runner.streams()) == 1 })

	call := runner.streams()[0]
	if call.opts.ResumeSessionID != "main" {
		t.Errorf("resumeSessionId = %q", call.opts.ResumeSessionID)
	}
	if m.Stats().TriageAccepted != 1 {
		t.Errorf("stats = %+v", m.Stats())
	}
}

func TestTriage_ErrorDefaultsToAct(t *testing.T) {
	m, bk, _, runner, triager := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 50})
	triager.err = context.DeadlineExceeded

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "go"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(runner.streams()) == 1 })
	if m.Stats().TriageErrors != 1 {
		t.Errorf("stats = %+v", m.Stats())
	}
}

// ─── Session cascade attribution ───────────────────────────────────────────

func TestSessionDelivery_ResumesThatSession(t *testing.T) {
	_, bk, st, runner, _ := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 50})
	if _, err := st.CreateSession("researcher", "slack-mon", nil); err != nil {
		t.Fatal(err)
	}
	if err := bk.SubscribeSession("researcher", "slack-mon", "slack/team/#g"); err != nil {
		t.Fatal(err)
	}

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "m1", Source: schema.SourceSlack}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(runner.streams()) == 1 })

	call := runner.streams()[0]
	if call.opts.ResumeSessionID != "slack-mon" {
		t.Errorf("resumeSessionId = %q, want the handling session", call.opts.ResumeSessionID)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(runner.streams()); n != 1 {
		t.Errorf("execution calls = %d; a handled delivery must not also trigger main", n)
	}
}

// ─── Serialization ─────────────────────────────────────────────────────────

func TestSerialization_CoalescesArrivalsDuringActiveTurn(t *testing.T) {
	_, bk, _, runner, _ := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 50})
	runner.block = make(chan struct{})

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "first"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(runner.streams()) == 1 })

	// Arrivals during the active turn go to the rerun buffer.
	for _, cmd := range []string{"second", "third"} {
		if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: cmd}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(150 * time.Millisecond)
	if len(runner.streams()) != 1 {
		t.Fatal("second turn started while first was active")
	}

	close(runner.block)
	waitFor(t, func() bool { return len(runner.streams()) == 2 })
	time.Sleep(200 * time.Millisecond)

	calls := runner.streams()
	if len(calls) != 2 {
		t.Fatalf("execution calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].prompt, "second") || !strings.Contains(calls[1].prompt, "third") {
		t.Errorf("rerun batch not coalesced:\n%s", calls[1].prompt)
	}
}

// ─── Heartbeats ────────────────────────────────────────────────────────────

func TestHeartbeat_RoutesSyntheticTick(t *testing.T) {
	m, bk, st, _, _ := setup(t, nil)
	if _, err := st.UpdateAgent("researcher", map[string]any{"heartbeat": "*/5 * * * *"}); err != nil {
		t.Fatal(err)
	}

	m.fireHeartbeat("researcher", "*/5 * * * *")

	msgs, err := bk.Receive("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("heartbeat deliveries = %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Command != "heartbeat" || msg.Source != schema.SourceHeartbeat || msg.From != "system/heartbeat" {
		t.Errorf("heartbeat message = %+v", msg)
	}
	if msg.Payload["scheduled"] != true || msg.Payload["cron"] != "*/5 * * * *" {
		t.Errorf("heartbeat payload = %v", msg.Payload)
	}
}

func TestHeartbeat_PromptForm(t *testing.T) {
	tick := schema.NewMessage("system/heartbeat", "agent/researcher", "heartbeat", nil)
	tick.Source = schema.SourceHeartbeat
	prompt := buildExecutionPrompt([]schema.Message{tick})
	if !strings.Contains(prompt, "Heartbeat check") {
		t.Errorf("prompt = %q", prompt)
	}

	// A mixed batch uses the normal listing form.
	other := schema.NewMessage("x", "agent/researcher", "work", nil)
	prompt = buildExecutionPrompt([]schema.Message{tick, other})
	if strings.Contains(prompt, "Heartbeat check") {
		t.Error("mixed batch must not use the heartbeat form")
	}
}

func TestRefreshHeartbeats_SkipsInvalidCron(t *testing.T) {
	m, _, st, _, _ := setup(t, nil)
	if _, err := st.UpdateAgent("researcher", map[string]any{"heartbeat": "not a cron"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent("steady", &schema.AgentConfig{Heartbeat: "0 * * * *"}); err != nil {
		t.Fatal(err)
	}

	if err := m.RefreshHeartbeats(); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heartbeats["researcher"]; ok {
		t.Error("invalid cron must be skipped")
	}
	if _, ok := m.heartbeats["steady"]; !ok {
		t.Error("valid cron missing from schedule")
	}
}

// ─── Execution failures and manual trigger ─────────────────────────────────

func TestExecutionError_RecordsAutoTurnError(t *testing.T) {
	m, bk, st, runner, _ := setup(t, &schema.AutoRun{Enabled: true, DebounceMs: 50})
	runner.streamErr = &llmcli.ExitError{Code: -1, Signal: "terminated", DurationMs: 604}

	if _, err := bk.Route("sys", "slack/team/#g", schema.RouteOptions{Command: "m"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Stats().TurnsFailed == 1 })

	entries, err := st.ReadConversation("researcher", "main", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Type != schema.EntryAutoTurnError {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].DurationMs != 604 || entries[1].Error == "" {
		t.Errorf("error entry = %+v", entries[1])
	}
}

func TestTriggerTurn_BypassesTriage(t *testing.T) {
	m, _, st, runner, triager := setup(t, nil)

	msg := schema.NewMessage("ctl", "agent/researcher", "manual", nil)
	if err := m.TriggerTurn("researcher", "main", []schema.Message{msg}); err != nil {
		t.Fatal(err)
	}
	if triager.callCount() != 0 {
		t.Error("manual trigger must bypass triage")
	}
	if len(runner.streams()) != 1 {
		t.Fatalf("execution calls = %d", len(runner.streams()))
	}
	entries, err := st.ReadConversation("researcher", "main", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Type != schema.EntryAutoTurnResult {
		t.Fatalf("entries = %+v", entries)
	}
}

package control

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/llmcli"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
	"github.com/jeebsjenkins/openclaw/internal/tools"
)

const testToken = "sesame"

// streamStep is one scripted event of the fake runner.
type streamStep struct {
	event schema.StreamEvent
	gate  chan struct{} // wait here before emitting, when non-nil
}

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	opts    []llmcli.Options
	steps   []streamStep
	result  string
}

func (f *fakeRunner) Stream(ctx context.Context, prompt string, opts llmcli.Options, onEvent llmcli.EventFunc) (*llmcli.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	steps := f.steps
	f.mu.Unlock()

	for _, step := range steps {
		if step.gate != nil {
			<-step.gate
		}
		if onEvent != nil {
			onEvent(step.event)
		}
	}
	return &llmcli.Result{Markdown: f.result, DurationMs: 42}, nil
}

func (f *fakeRunner) Query(ctx context.Context, prompt string, opts llmcli.Options) (*llmcli.Result, error) {
	return &llmcli.Result{Markdown: f.result}, nil
}

func (f *fakeRunner) allPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeTitler struct{ title string }

func (f *fakeTitler) Enabled() bool { return f.title != "" }
func (f *fakeTitler) Title(context.Context, string) (string, error) {
	return f.title, nil
}

type harness struct {
	server *Server
	store  *store.Store
	runner *fakeRunner
	url    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bk, err := broker.New(st)
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{result: "done."}
	s := New(config.ControlConfig{Token: testToken}, st, bk, tools.New(st, bk), runner, &fakeTitler{})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{
		server: s,
		store:  st,
		runner: runner,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// recvType reads frames until one of the wanted type arrives.
func recvType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := recv(t, conn)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("frame of type %q never arrived", want)
	return nil
}

func authedConn(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	conn := dial(t, h)
	send(t, conn, map[string]any{"type": "auth", "token": testToken})
	if frame := recv(t, conn); frame["type"] != "auth.ok" {
		t.Fatalf("auth reply = %v", frame)
	}
	return conn
}

// ─── Authentication ────────────────────────────────────────────────────────

func TestAuth_ValidToken(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h)
	send(t, conn, map[string]any{"type": "auth", "token": testToken, "reqId": "r1"})
	frame := recv(t, conn)
	if frame["type"] != "auth.ok" || frame["reqId"] != "r1" {
		t.Errorf("frame = %v", frame)
	}
}

func TestAuth_InvalidTokenCloses(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h)
	send(t, conn, map[string]any{"type": "auth", "token": "wrong"})
	if frame := recv(t, conn); frame["type"] != "auth.error" {
		t.Fatalf("frame = %v", frame)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != closeAuthFailed {
		t.Errorf("close = %v, want code %d", err, closeAuthFailed)
	}
}

func TestAuth_NonAuthFirstFrameCloses(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h)
	send(t, conn, map[string]any{"type": "ping"})
	if frame := recv(t, conn); frame["type"] != "auth.error" {
		t.Errorf("frame = %v", frame)
	}
}

// ─── Dispatch ──────────────────────────────────────────────────────────────

func TestDispatch_UnknownType(t *testing.T) {
	h := newHarness(t)
	conn := authedConn(t, h)
	send(t, conn, map[string]any{"type": "bogus", "reqId": "r9"})
	frame := recv(t, conn)
	if frame["type"] != "error" || frame["error"] != "Unknown message type: bogus" {
		t.Errorf("frame = %v", frame)
	}
	if frame["reqId"] != "r9" {
		t.Errorf("reqId = %v", frame["reqId"])
	}
}

func TestPing_EchoesReqID(t *testing.T) {
	h := newHarness(t)
	conn := authedConn(t, h)
	send(t, conn, map[string]any{"type": "ping", "reqId": "abc"})
	frame := recv(t, conn)
	if frame["type"] != "pong" || frame["reqId"] != "abc" {
		t.Errorf("frame = %v", frame)
	}
}

// ─── Agent and broker operations ───────────────────────────────────────────

func TestAgentLifecycleOverWire(t *testing.T) {
	h := newHarness(t)
	conn := authedConn(t, h)

	send(t, conn, map[string]any{"type": "agent.create", "reqId": "1", "id": "scout",
		"config": map[string]any{"name": "Scout",
			"subscriptions": []map[string]any{{"pattern": "slack/**"}}}})
	if frame := recv(t, conn); frame["type"] != "agent.create.ok" {
		t.Fatalf("create = %v", frame)
	}

	send(t, conn, map[string]any{"type": "agent.list", "reqId": "2"})
	frame := recvType(t, conn, "agent.list.result")
	agents := frame["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("agents = %v", agents)
	}

	send(t, conn, map[string]any{"type": "agent.instructions.set", "reqId": "3",
		"id": "scout", "instructions": "Watch the channels."})
	if frame := recv(t, conn); frame["type"] != "agent.instructions.set.ok" {
		t.Fatalf("set = %v", frame)
	}
	send(t, conn, map[string]any{"type": "agent.instructions.get", "reqId": "4", "id": "scout"})
	frame = recvType(t, conn, "agent.instructions.get.result")
	if frame["instructions"] != "Watch the channels." {
		t.Errorf("instructions = %v", frame["instructions"])
	}

	send(t, conn, map[string]any{"type": "msg.route", "reqId": "5",
		"from": "cli/test", "path": "slack/general", "command": "hello"})
	frame = recvType(t, conn, "msg.route.ok")
	if frame["delivered"] != true {
		t.Errorf("route = %v", frame)
	}

	send(t, conn, map[string]any{"type": "msg.receive", "reqId": "6", "agent": "scout"})
	frame = recvType(t, conn, "msg.receive.result")
	msgs := frame["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[0].(map[string]any)["command"] != "hello" {
		t.Errorf("message = %v", msgs[0])
	}
}

func TestMsgListen_PushesEvents(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	conn := authedConn(t, h)

	send(t, conn, map[string]any{"type": "msg.listen", "reqId": "1", "agent": "scout"})
	recvType(t, conn, "msg.listen.ok")

	send(t, conn, map[string]any{"type": "msg.send", "reqId": "2",
		"from": "cli/test", "to": "scout", "command": "nudge"})

	frame := recvType(t, conn, "msg.event")
	msg := frame["message"].(map[string]any)
	if msg["command"] != "nudge" {
		t.Errorf("event message = %v", msg)
	}
}

// ─── Session streaming ─────────────────────────────────────────────────────

func TestSessionStart_StreamsAndLogs(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	h.runner.steps = []streamStep{
		{event: schema.StreamEvent{Kind: schema.EventThinking, Text: "hmm"}},
		{event: schema.StreamEvent{Kind: schema.EventText, Text: "working on it"}},
	}
	conn := authedConn(t, h)

	send(t, conn, map[string]any{"type": "session.start", "reqId": "1",
		"agent": "scout", "session": "main", "prompt": "summarize today"})

	started := recvType(t, conn, "session.started")
	if started["sessionId"] != "main" {
		t.Fatalf("started = %v", started)
	}
	if frame := recvType(t, conn, "session.thinking"); frame["text"] != "hmm" {
		t.Errorf("thinking = %v", frame)
	}
	if frame := recvType(t, conn, "session.text"); frame["text"] != "working on it" {
		t.Errorf("text = %v", frame)
	}
	done := recvType(t, conn, "session.done")
	if done["result"] != "done." {
		t.Errorf("done = %v", done)
	}

	entries, err := h.store.ReadConversation("scout", "main", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Type != schema.EntryUser || entries[1].Type != schema.EntryAssistant {
		t.Errorf("conversation = %+v", entries)
	}
}

func TestSessionStart_ResolvesRunnerOptions(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	extra := t.TempDir()
	if _, err := h.store.UpdateSession("scout", "main", map[string]any{"workDirs": []string{extra}}); err != nil {
		t.Fatal(err)
	}
	conn := authedConn(t, h)

	send(t, conn, map[string]any{"type": "session.start", "reqId": "1",
		"agent": "scout", "session": "main", "prompt": "go"})
	recvType(t, conn, "session.done")

	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	if len(h.runner.opts) != 1 {
		t.Fatalf("opts = %+v", h.runner.opts)
	}
	opts := h.runner.opts[0]
	if opts.PermissionMode != "acceptEdits" {
		t.Errorf("PermissionMode = %q", opts.PermissionMode)
	}
	if len(opts.DisallowedTools) != 1 || opts.DisallowedTools[0] != "AskUserQuestion" {
		t.Errorf("DisallowedTools = %v", opts.DisallowedTools)
	}
	found := false
	for _, dir := range opts.AdditionalDirs {
		if dir == extra {
			found = true
		}
	}
	if !found {
		t.Errorf("session workDirs missing from AdditionalDirs: %v", opts.AdditionalDirs)
	}
}

func TestSessionContinue_SetsResume(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	conn := authedConn(t, h)

	send(t, conn, map[string]any{"type": "session.continue", "reqId": "1",
		"agent": "scout", "session": "main", "prompt": "and then?"})
	recvType(t, conn, "session.done")

	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	if len(h.runner.opts) != 1 || h.runner.opts[0].ResumeSessionID != "main" {
		t.Errorf("opts = %+v", h.runner.opts)
	}
}

func TestSessionContinue_UnknownSessionFails(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	conn := authedConn(t, h)
	send(t, conn, map[string]any{"type": "session.continue", "reqId": "1",
		"agent": "scout", "session": "ghost", "prompt": "hi"})
	if frame := recv(t, conn); frame["type"] != "session.continue.error" {
		t.Errorf("frame = %v", frame)
	}
}

func TestSessionAbort_SuppressesRemainingFrames(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	gate := make(chan struct{})
	h.runner.steps = []streamStep{
		{event: schema.StreamEvent{Kind: schema.EventText, Text: "first"}},
		{event: schema.StreamEvent{Kind: schema.EventText, Text: "second"}, gate: gate},
	}
	conn := authedConn(t, h)

	send(t, conn, map[string]any{"type": "session.start", "reqId": "1",
		"agent": "scout", "session": "main", "prompt": "go"})
	recvType(t, conn, "session.started")
	recvType(t, conn, "session.text")

	send(t, conn, map[string]any{"type": "session.abort", "reqId": "2", "session": "main"})
	recvType(t, conn, "session.abort.ok")
	close(gate)

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var frame map[string]any
	for conn.ReadJSON(&frame) == nil {
		if frame["type"] == "session.text" || frame["type"] == "session.done" {
			t.Fatalf("frame after abort: %v", frame)
		}
	}
}

// ─── Ask-user round trip ───────────────────────────────────────────────────

func TestAskUser_RoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := authedConn(t, h)

	type askResult struct {
		answer string
		err    error
	}
	results := make(chan askResult, 1)
	ask := h.server.askUserFor("scout", "main")
	go func() {
		answer, err := ask(context.Background(), "Deploy to prod?", []string{"yes", "no"}, "")
		results <- askResult{answer, err}
	}()

	frame := recvType(t, conn, "ask-user")
	if frame["question"] != "Deploy to prod?" || frame["agentId"] != "scout" {
		t.Fatalf("frame = %v", frame)
	}
	qid := frame["questionId"].(string)

	send(t, conn, map[string]any{"type": "ask-user.response", "reqId": "1",
		"questionId": qid, "answer": "yes"})
	ok := recvType(t, conn, "ask-user.response.ok")
	if ok["late"] != false {
		t.Errorf("ok = %v", ok)
	}

	select {
	case res := <-results:
		if res.err != nil || res.answer != "yes" {
			t.Errorf("ask result = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ask never resolved")
	}
}

func TestAskUser_UnknownQuestion(t *testing.T) {
	h := newHarness(t)
	conn := authedConn(t, h)
	send(t, conn, map[string]any{"type": "ask-user.response", "reqId": "1",
		"questionId": "nope", "answer": "yes"})
	if frame := recv(t, conn); frame["type"] != "ask-user.response.error" {
		t.Errorf("frame = %v", frame)
	}
}

func TestAskUser_LateAnswerInjectedIntoNextTurn(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	h.server.askTimeout = 50 * time.Millisecond
	conn := authedConn(t, h)

	ask := h.server.askUserFor("scout", "main")
	_, err := ask(context.Background(), "Which region?", nil, "")
	if err == nil {
		t.Fatal("expected timeout")
	}

	q, ok := h.server.questions.get(findQuestionID(t, h))
	if !ok || q.Status != schema.QuestionTimedOut {
		t.Fatalf("question = %+v", q)
	}

	send(t, conn, map[string]any{"type": "ask-user.response", "reqId": "1",
		"questionId": q.QuestionID, "answer": "eu-west"})
	late := recvType(t, conn, "ask-user.response.ok")
	if late["late"] != true {
		t.Fatalf("late = %v", late)
	}

	// The salvaged answer lands in the session's directory, not the index.
	sessionDir, err := h.store.GetSessionDir("scout", "main")
	if err != nil {
		t.Fatal(err)
	}
	lateFile := filepath.Join(sessionDir, lateAnswersFile)
	if _, err := os.Stat(lateFile); err != nil {
		t.Fatalf("late-answers file: %v", err)
	}
	if data, err := os.ReadFile(h.server.questions.path); err == nil && strings.Contains(string(data), "eu-west") {
		t.Errorf("answer leaked into the question index: %s", data)
	}

	send(t, conn, map[string]any{"type": "session.start", "reqId": "2",
		"agent": "scout", "session": "main", "prompt": "continue the rollout"})
	recvType(t, conn, "session.done")

	prompts := h.runner.allPrompts()
	if len(prompts) != 1 {
		t.Fatalf("prompts = %v", prompts)
	}
	if !strings.Contains(prompts[0], "eu-west") || !strings.Contains(prompts[0], "Which region?") {
		t.Errorf("late answer missing from prompt:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[0], "continue the rollout") {
		t.Errorf("original prompt missing:\n%s", prompts[0])
	}

	// Consumed: a second turn gets the bare prompt.
	send(t, conn, map[string]any{"type": "session.start", "reqId": "3",
		"agent": "scout", "session": "main", "prompt": "status?"})
	recvType(t, conn, "session.done")
	prompts = h.runner.allPrompts()
	if strings.Contains(prompts[1], "eu-west") {
		t.Errorf("late answer delivered twice:\n%s", prompts[1])
	}
	if _, err := os.Stat(lateFile); !os.IsNotExist(err) {
		t.Errorf("late-answers file not consumed: %v", err)
	}
}

func TestAskUser_AnswerAfterTimeoutFiredIsLate(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateAgent("scout", nil); err != nil {
		t.Fatal(err)
	}
	conn := authedConn(t, h)

	// A waiter can still be registered for a moment after its question
	// timed out; the answer must take the late path, not the channel.
	ch := make(chan string, 1)
	h.server.questions.add(schema.PendingQuestion{QuestionID: "q-race", AgentID: "scout",
		SessionID: "main", Question: "Proceed?", Status: schema.QuestionTimedOut, CreatedAt: time.Now()})
	h.server.mu.Lock()
	h.server.waiters["q-race"] = ch
	h.server.mu.Unlock()

	send(t, conn, map[string]any{"type": "ask-user.response", "reqId": "1",
		"questionId": "q-race", "answer": "go ahead"})
	ok := recvType(t, conn, "ask-user.response.ok")
	if ok["late"] != true {
		t.Fatalf("ok = %v", ok)
	}

	select {
	case a := <-ch:
		t.Fatalf("stale waiter received answer %q", a)
	default:
	}
	if q, _ := h.server.questions.get("q-race"); q.Status != schema.QuestionAnsweredLate {
		t.Errorf("status = %q", q.Status)
	}
	if late := h.server.takeLateAnswers("scout", "main"); len(late) != 1 || late[0].Answer != "go ahead" {
		t.Errorf("late = %+v", late)
	}
}

func findQuestionID(t *testing.T, h *harness) string {
	t.Helper()
	h.server.questions.mu.Lock()
	defer h.server.questions.mu.Unlock()
	if len(h.server.questions.state.Questions) == 0 {
		t.Fatal("no questions recorded")
	}
	return h.server.questions.state.Questions[0].QuestionID
}

// ─── Persistence of the question index ─────────────────────────────────────

func TestQuestionIndex_SurvivesReload(t *testing.T) {
	root := t.TempDir()
	idx := newQuestionIndex(root)
	idx.add(schema.PendingQuestion{QuestionID: "q1", AgentID: "scout", SessionID: "main",
		Question: "Which branch?", Status: schema.QuestionPending, CreatedAt: time.Now()})
	if !idx.transition("q1", schema.QuestionPending, schema.QuestionTimedOut) {
		t.Fatal("pending transition refused")
	}

	reloaded := newQuestionIndex(root)
	q, ok := reloaded.get("q1")
	if !ok || q.Status != schema.QuestionTimedOut {
		t.Fatalf("question = %+v", q)
	}
	if reloaded.transition("q1", schema.QuestionPending, schema.QuestionAnswered) {
		t.Error("stale transition succeeded")
	}
}

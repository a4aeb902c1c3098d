package turns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/llmcli"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/shared/stringutils"
	"github.com/jeebsjenkins/openclaw/internal/triage"
)

const payloadPreviewLen = 200

// runTurn executes one triage + execution cycle for a batch.
func (m *Manager) runTurn(key Key, batch []schema.Message, settings schema.AutoRun, withTriage bool) {
	if len(batch) == 0 {
		return
	}
	if withTriage && !m.shouldAct(key, batch, settings) {
		return
	}
	if err := m.execute(key, batch, settings); err != nil {
		slog.Warn("turns: execution failed", "agent", key.AgentID, "session", key.SessionID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Stage 1: triage

// shouldAct asks the triage model whether the batch deserves a full turn.
// Any triage failure defaults to acting.
func (m *Manager) shouldAct(key Key, batch []schema.Message, settings schema.AutoRun) bool {
	m.mu.Lock()
	m.stats.TriageCount++
	m.mu.Unlock()

	prompt := m.buildTriagePrompt(key, batch)
	ctx, cancel := context.WithTimeout(m.ctx, time.Duration(settings.TriageTimeoutMs)*time.Millisecond)
	defer cancel()

	act, err := m.askTriage(ctx, prompt, settings)
	if err != nil {
		slog.Warn("turns: triage failed, defaulting to act", "agent", key.AgentID, "err", err)
		m.mu.Lock()
		m.stats.TriageErrors++
		m.stats.TriageAccepted++
		m.mu.Unlock()
		return true
	}

	m.mu.Lock()
	if act {
		m.stats.TriageAccepted++
	} else {
		m.stats.TriageRejected++
	}
	m.mu.Unlock()
	return act
}

func (m *Manager) askTriage(ctx context.Context, prompt string, settings schema.AutoRun) (bool, error) {
	if m.triage != nil && m.triage.Enabled() {
		return m.triage.ShouldAct(ctx, prompt)
	}
	res, err := m.runner.Query(ctx, prompt, llmcli.Options{
		Model:                settings.TriageModel,
		NoSessionPersistence: true,
		TimeoutMs:            settings.TriageTimeoutMs,
	})
	if err != nil {
		return false, err
	}
	return triage.ParseDecision(res.Markdown), nil
}

func (m *Manager) buildTriagePrompt(key Key, batch []schema.Message) string {
	description := ""
	if cfg, err := m.store.GetAgent(key.AgentID); err == nil {
		description = cfg.Description
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent %q", key.AgentID)
	if description != "" {
		fmt.Fprintf(&b, " (%s)", description)
	}
	fmt.Fprintf(&b, ", session %q, received %d new message(s):\n", key.SessionID, len(batch))
	for _, msg := range batch {
		fmt.Fprintf(&b, "- [%s] %s → %s: %s %s\n",
			msg.Source, msg.From, msg.Path, msg.Command, payloadPreview(msg.Payload))
	}
	b.WriteString("\nShould this agent act on these messages now? Answer YES or NO on the first line.")
	return b.String()
}

func payloadPreview(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return stringutils.Truncate(string(raw), payloadPreviewLen)
}

// ---------------------------------------------------------------------------
// Stage 2: execution

// execute runs the LLM CLI for a batch and records the auto-turn triple
// in the session's conversation log.
func (m *Manager) execute(key Key, batch []schema.Message, settings schema.AutoRun) error {
	ids := make([]string, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.ID)
	}
	if err := m.store.AppendConversation(key.AgentID, key.SessionID, schema.ConversationEntry{
		Type:       schema.EntryAutoTurn,
		MessageIDs: ids,
	}); err != nil {
		slog.Warn("turns: conversation marker failed", "agent", key.AgentID, "err", err)
	}

	opts, err := m.executionOptions(key, settings)
	if err != nil {
		m.recordError(key, err, 0)
		return err
	}

	prompt := buildExecutionPrompt(batch)
	res, err := m.runner.Stream(m.ctx, prompt, opts, nil)
	if err != nil {
		var exitErr *llmcli.ExitError
		duration := int64(0)
		if errors.As(err, &exitErr) {
			duration = exitErr.DurationMs
		}
		m.recordError(key, err, duration)
		return err
	}

	if logErr := m.store.AppendConversation(key.AgentID, key.SessionID, schema.ConversationEntry{
		Type:       schema.EntryAutoTurnResult,
		Content:    res.Markdown,
		DurationMs: res.DurationMs,
	}); logErr != nil {
		slog.Warn("turns: conversation result failed", "agent", key.AgentID, "err", logErr)
	}
	return nil
}

func (m *Manager) recordError(key Key, err error, durationMs int64) {
	m.mu.Lock()
	m.stats.TurnsFailed++
	m.mu.Unlock()
	if logErr := m.store.AppendConversation(key.AgentID, key.SessionID, schema.ConversationEntry{
		Type:       schema.EntryAutoTurnError,
		Error:      err.Error(),
		DurationMs: durationMs,
	}); logErr != nil {
		slog.Warn("turns: conversation error entry failed", "agent", key.AgentID, "err", logErr)
	}
}

// executionOptions assembles the CLI invocation: the memory-tier system
// prompt, the session resume directive, and the work directories.
func (m *Manager) executionOptions(key Key, settings schema.AutoRun) (llmcli.Options, error) {
	cfg, err := m.store.GetAgent(key.AgentID)
	if err != nil {
		return llmcli.Options{}, err
	}

	opts := llmcli.Options{
		Model:           cfg.DefaultModel,
		ResumeSessionID: key.SessionID,
		TimeoutMs:       settings.ExecutionTimeoutMs,
	}

	var system []string
	if chain, err := m.store.InstructionsChain(key.AgentID); err == nil && chain != "" {
		system = append(system, chain)
	}
	for _, tier := range []func() (string, error){
		m.store.SystemMemory,
		func() (string, error) { return m.store.AgentMemory(key.AgentID) },
		func() (string, error) { return m.store.SessionMemory(key.AgentID, key.SessionID) },
	} {
		if text, err := tier(); err == nil && strings.TrimSpace(text) != "" {
			system = append(system, text)
		}
	}
	opts.SystemPrompt = strings.Join(system, "\n\n")

	if dir, err := m.store.AgentDir(key.AgentID); err == nil {
		opts.WorkDir = dir
	}
	if sessionDir, err := m.store.GetSessionDir(key.AgentID, key.SessionID); err == nil {
		opts.AdditionalDirs = append(opts.AdditionalDirs, sessionDir)
	}
	opts.AdditionalDirs = append(opts.AdditionalDirs, cfg.WorkDirs...)
	if meta, err := m.store.GetSession(key.AgentID, key.SessionID); err == nil {
		opts.AdditionalDirs = append(opts.AdditionalDirs, meta.WorkDirs...)
	}
	return opts, nil
}

// buildExecutionPrompt lists the batch, or takes the heartbeat form when
// the batch is a single heartbeat tick.
func buildExecutionPrompt(batch []schema.Message) string {
	if len(batch) == 1 && batch[0].Source == schema.SourceHeartbeat {
		return "Heartbeat check. Review your memory and pending work. " +
			"If something needs doing, do it now; otherwise note that all is quiet and exit."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You received %d new message(s):\n\n", len(batch))
	for _, msg := range batch {
		fmt.Fprintf(&b, "- [%s] from %s on %s: %s", msg.Source, msg.From, msg.Path, msg.Command)
		if preview := payloadPreview(msg.Payload); preview != "" {
			fmt.Fprintf(&b, " %s", preview)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nHandle these messages according to your instructions.")
	return b.String()
}

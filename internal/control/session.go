package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jeebsjenkins/openclaw/internal/llmcli"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/shared/stringutils"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

const titleFallbackLen = 100

type sessionRequest struct {
	Agent   string `json:"agent"`
	Session string `json:"session,omitempty"`
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
}

// handleSessionStart starts a streamed turn in a (possibly new) session.
func (s *Server) handleSessionStart(c *client, reqID string, raw json.RawMessage) {
	s.startSession(c, reqID, raw, false)
}

// handleSessionContinue resumes the LLM-CLI conversation of an existing
// session instead of starting a fresh one.
func (s *Server) handleSessionContinue(c *client, reqID string, raw json.RawMessage) {
	s.startSession(c, reqID, raw, true)
}

func (s *Server) startSession(c *client, reqID string, raw json.RawMessage, resume bool) {
	frameType := "session.start"
	if resume {
		frameType = "session.continue"
	}

	var req sessionRequest
	json.Unmarshal(raw, &req)
	if req.Prompt == "" {
		c.replyErr(reqID, frameType, errors.New("prompt is required"))
		return
	}
	if _, err := s.store.GetAgent(req.Agent); err != nil {
		c.replyErr(reqID, frameType, err)
		return
	}

	sid := req.Session
	if sid == "" {
		sid = uuid.NewString()
	}
	meta, err := s.store.GetSession(req.Agent, sid)
	if err != nil {
		if resume || !errors.Is(err, store.ErrNotFound) {
			c.replyErr(reqID, frameType, err)
			return
		}
		meta, err = s.store.CreateSession(req.Agent, sid, nil)
		if err != nil {
			c.replyErr(reqID, frameType, err)
			return
		}
	}

	// Answers that arrived after their ask-user timed out are delivered
	// at the top of this turn's prompt.
	prompt := req.Prompt
	if late := s.takeLateAnswers(req.Agent, sid); len(late) > 0 {
		var b strings.Builder
		b.WriteString("The user answered earlier questions after the timeout:\n")
		for _, la := range late {
			fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", la.Question, la.Answer)
		}
		b.WriteString("\n")
		b.WriteString(req.Prompt)
		prompt = b.String()
	}

	opts, err := s.sessionOptions(req.Agent, sid, req.Model, resume)
	if err != nil {
		c.replyErr(reqID, frameType, err)
		return
	}

	c.reply(reqID, map[string]any{"type": "session.started", "agent": req.Agent, "sessionId": sid})
	ss := c.trackSession(sid)

	if err := s.store.AppendConversation(req.Agent, sid, schema.ConversationEntry{
		Type:    schema.EntryUser,
		Content: prompt,
	}); err == nil && meta.Title == "" {
		go s.titleSession(req.Agent, sid, req.Prompt)
	}

	go s.runSession(c, ss, req.Agent, sid, prompt, opts)
}

// runSession drives one streamed LLM-CLI invocation, forwarding each event
// as a frame until the run finishes or the client aborts.
func (s *Server) runSession(c *client, ss *streamSession, agentID, sid, prompt string, opts llmcli.Options) {
	res, err := s.runner.Stream(context.Background(), prompt, opts, func(ev schema.StreamEvent) {
		if ss.isAborted() {
			return
		}
		frame := map[string]any{
			"type":      "session." + string(ev.Kind),
			"agent":     agentID,
			"sessionId": sid,
		}
		if ev.Text != "" {
			frame["text"] = ev.Text
		}
		if len(ev.Raw) > 0 {
			frame["raw"] = json.RawMessage(ev.Raw)
		}
		c.push(frame)
	})
	if err != nil {
		if !ss.isAborted() {
			c.push(map[string]any{"type": "session.error", "agent": agentID, "sessionId": sid, "error": err.Error()})
		}
		_ = s.store.AppendConversation(agentID, sid, schema.ConversationEntry{
			Type:  schema.EntrySystem,
			Error: err.Error(),
		})
		return
	}

	_ = s.store.AppendConversation(agentID, sid, schema.ConversationEntry{
		Type:       schema.EntryAssistant,
		Content:    res.Markdown,
		DurationMs: res.DurationMs,
	})
	if meta, metaErr := s.store.GetSession(agentID, sid); metaErr == nil {
		_ = s.store.SaveSession(agentID, meta)
	}
	if !ss.isAborted() {
		c.push(map[string]any{
			"type":       "session.done",
			"agent":      agentID,
			"sessionId":  sid,
			"result":     res.Markdown,
			"durationMs": res.DurationMs,
		})
	}
}

func (s *Server) handleSessionAbort(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		Session string `json:"session"`
	}
	json.Unmarshal(raw, &req)

	c.mu.Lock()
	ss := c.sessions[req.Session]
	c.mu.Unlock()
	if ss == nil {
		c.replyErr(reqID, "session.abort", fmt.Errorf("no active stream for session %q", req.Session))
		return
	}
	ss.abort()
	c.reply(reqID, map[string]any{"type": "session.abort.ok", "sessionId": req.Session})
}

// sessionOptions mirrors the auto-turn invocation: memory-tier system
// prompt, work directories, and the resume directive when continuing.
func (s *Server) sessionOptions(agentID, sid, model string, resume bool) (llmcli.Options, error) {
	cfg, err := s.store.GetAgent(agentID)
	if err != nil {
		return llmcli.Options{}, err
	}

	opts := llmcli.Options{Model: model}
	if opts.Model == "" {
		opts.Model = cfg.DefaultModel
	}
	if resume {
		opts.ResumeSessionID = sid
	}

	var system []string
	if chain, err := s.store.InstructionsChain(agentID); err == nil && chain != "" {
		system = append(system, chain)
	}
	for _, tier := range []func() (string, error){
		s.store.SystemMemory,
		func() (string, error) { return s.store.AgentMemory(agentID) },
		func() (string, error) { return s.store.SessionMemory(agentID, sid) },
	} {
		if text, err := tier(); err == nil && strings.TrimSpace(text) != "" {
			system = append(system, text)
		}
	}
	tools, _ := s.registry.ListAgentTools(agentID)
	if docs := toolDocs(tools); docs != "" {
		system = append(system, docs)
	}
	opts.SystemPrompt = strings.Join(system, "\n\n")

	for _, tool := range tools {
		if tool.Name() == "ask_user" {
			// Questions flow through the control surface, so the CLI runs
			// unattended: edits auto-accepted, its own interactive prompt
			// built-in disabled.
			opts.PermissionMode = "acceptEdits"
			opts.DisallowedTools = []string{"AskUserQuestion"}
			break
		}
	}

	if dir, err := s.store.AgentDir(agentID); err == nil {
		opts.WorkDir = dir
	}
	if sessionDir, err := s.store.GetSessionDir(agentID, sid); err == nil {
		opts.AdditionalDirs = append(opts.AdditionalDirs, sessionDir)
	}
	opts.AdditionalDirs = append(opts.AdditionalDirs, cfg.WorkDirs...)
	if meta, err := s.store.GetSession(agentID, sid); err == nil {
		opts.AdditionalDirs = append(opts.AdditionalDirs, meta.WorkDirs...)
	}
	return opts, nil
}

// toolDocs summarizes the agent's effective tool set for the system prompt.
func toolDocs(list []schema.Tool) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools (invoke by name through the tool runner):\n")
	for _, tool := range list {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name(), tool.Description())
	}
	return b.String()
}

// titleSession generates a short title for a fresh session and announces
// it to every connected client.
func (s *Server) titleSession(agentID, sid, prompt string) {
	title := ""
	if s.titler != nil && s.titler.Enabled() {
		if t, err := s.titler.Title(context.Background(), prompt); err == nil {
			title = t
		}
	}
	if title == "" {
		title = stringutils.Truncate(stringutils.FirstLine(prompt), titleFallbackLen)
	}
	if title == "" {
		return
	}

	if _, err := s.store.UpdateSession(agentID, sid, map[string]any{"title": title}); err != nil {
		return
	}
	s.broadcast(map[string]any{"type": "session.title", "agent": agentID, "sessionId": sid, "title": title})
}

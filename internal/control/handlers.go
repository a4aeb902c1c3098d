package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// registerHandlers wires every frame type to its handler. Unknown types
// are answered by the dispatcher with a generic error frame.
func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		"ping": func(c *client, reqID string, _ json.RawMessage) {
			c.reply(reqID, map[string]any{"type": "pong"})
		},

		"agent.list":             s.handleAgentList,
		"agent.get":              s.handleAgentGet,
		"agent.create":           s.handleAgentCreate,
		"agent.update":           s.handleAgentUpdate,
		"agent.delete":           s.handleAgentDelete,
		"agent.instructions.get": s.handleInstructionsGet,
		"agent.instructions.set": s.handleInstructionsSet,

		"session.list":     s.handleSessionList,
		"session.start":    s.handleSessionStart,
		"session.continue": s.handleSessionContinue,
		"session.abort":    s.handleSessionAbort,

		"conversation.history": s.handleConversationHistory,

		"msg.send":            s.handleMsgSend,
		"msg.route":           s.handleMsgRoute,
		"msg.broadcast":       s.handleMsgBroadcast,
		"msg.receive":         s.handleMsgReceive,
		"msg.history":         s.handleMsgHistory,
		"msg.listen":          s.handleMsgListen,
		"msg.subscribe":       s.handleMsgSubscribe,
		"msg.unsubscribe":     s.handleMsgUnsubscribe,
		"msg.unmatched":       s.handleMsgUnmatched,
		"msg.unmatched.clear": s.handleMsgUnmatchedClear,

		"msg.session.receive":     s.handleMsgSessionReceive,
		"msg.session.history":     s.handleMsgSessionHistory,
		"msg.session.listen":      s.handleMsgSessionListen,
		"msg.session.subscribe":   s.handleMsgSessionSubscribe,
		"msg.session.unsubscribe": s.handleMsgSessionUnsubscribe,

		"agent.tools.list":   s.handleToolsList,
		"agent.tool.execute": s.handleToolExecute,

		"logs.search": s.handleLogsSearch,

		"ask-user.response": s.handleAskUserResponse,
	}
}

// ---------------------------------------------------------------------------
// Agents

func (s *Server) handleAgentList(c *client, reqID string, _ json.RawMessage) {
	ids, err := s.store.ListAgents()
	if err != nil {
		c.replyErr(reqID, "agent.list", err)
		return
	}
	agents := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry := map[string]any{"id": id}
		if cfg, err := s.store.GetAgent(id); err == nil {
			entry["name"] = cfg.Name
			entry["description"] = cfg.Description
		}
		agents = append(agents, entry)
	}
	c.reply(reqID, map[string]any{"type": "agent.list.result", "agents": agents})
}

func (s *Server) handleAgentGet(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &req)
	cfg, err := s.store.GetAgent(req.ID)
	if err != nil {
		c.replyErr(reqID, "agent.get", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "agent.get.result", "id": req.ID, "config": cfg})
}

func (s *Server) handleAgentCreate(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		ID     string              `json:"id"`
		Config *schema.AgentConfig `json:"config,omitempty"`
	}
	json.Unmarshal(raw, &req)
	if err := s.store.CreateAgent(req.ID, req.Config); err != nil {
		c.replyErr(reqID, "agent.create", err)
		return
	}
	if err := s.broker.RebuildIndex(); err != nil {
		c.replyErr(reqID, "agent.create", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "agent.create.ok", "id": req.ID})
}

func (s *Server) handleAgentUpdate(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		ID     string         `json:"id"`
		Config map[string]any `json:"config"`
	}
	json.Unmarshal(raw, &req)
	cfg, err := s.store.UpdateAgent(req.ID, req.Config)
	if err != nil {
		c.replyErr(reqID, "agent.update", err)
		return
	}
	if err := s.broker.RebuildIndex(); err != nil {
		c.replyErr(reqID, "agent.update", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "agent.update.ok", "id": req.ID, "config": cfg})
}

func (s *Server) handleAgentDelete(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &req)
	if err := s.store.DeleteAgent(req.ID); err != nil {
		c.replyErr(reqID, "agent.delete", err)
		return
	}
	if err := s.broker.RebuildIndex(); err != nil {
		c.replyErr(reqID, "agent.delete", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "agent.delete.ok", "id": req.ID})
}

func (s *Server) handleInstructionsGet(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		ID    string `json:"id"`
		Chain bool   `json:"chain,omitempty"`
	}
	json.Unmarshal(raw, &req)
	var text string
	var err error
	if req.Chain {
		text, err = s.store.InstructionsChain(req.ID)
	} else {
		text, err = s.store.Instructions(req.ID)
	}
	if err != nil {
		c.replyErr(reqID, "agent.instructions.get", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "agent.instructions.get.result", "id": req.ID, "instructions": text})
}

func (s *Server) handleInstructionsSet(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		ID           string `json:"id"`
		Instructions string `json:"instructions"`
	}
	json.Unmarshal(raw, &req)
	if err := s.store.SetInstructions(req.ID, req.Instructions); err != nil {
		c.replyErr(reqID, "agent.instructions.set", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "agent.instructions.set.ok", "id": req.ID})
}

// ---------------------------------------------------------------------------
// Sessions and conversation history

func (s *Server) handleSessionList(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		Agent string `json:"agent"`
	}
	json.Unmarshal(raw, &req)
	sessions, err := s.store.ListSessions(req.Agent)
	if err != nil {
		c.replyErr(reqID, "session.list", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "session.list.result", "agent": req.Agent, "sessions": sessions})
}

func (s *Server) handleConversationHistory(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		Agent   string `json:"agent"`
		Session string `json:"session"`
		Limit   int    `json:"limit,omitempty"`
	}
	json.Unmarshal(raw, &req)
	entries, err := s.store.ReadConversation(req.Agent, req.Session, req.Limit)
	if err != nil {
		c.replyErr(reqID, "conversation.history", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "conversation.history.result", "entries": entries})
}

// ---------------------------------------------------------------------------
// Broker wrappers

type routeRequest struct {
	From       string         `json:"from"`
	To         string         `json:"to,omitempty"`
	Path       string         `json:"path,omitempty"`
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload,omitempty"`
	Source     string         `json:"source,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
}

func (r routeRequest) opts() schema.RouteOptions {
	return schema.RouteOptions{
		Command:    r.Command,
		Payload:    r.Payload,
		Source:     schema.MessageSource(r.Source),
		ExternalID: r.ExternalID,
	}
}

func (s *Server) replyRoute(c *client, reqID, frameType string, result schema.RouteResult, err error) {
	if err != nil {
		c.replyErr(reqID, frameType, err)
		return
	}
	c.reply(reqID, map[string]any{
		"type":                frameType + ".ok",
		"id":                  result.ID,
		"delivered":           result.Delivered,
		"unmatched":           result.Unmatched,
		"deliveredTo":         result.DeliveredTo,
		"deliveredToSessions": result.DeliveredToSessions,
	})
}

func (s *Server) handleMsgSend(c *client, reqID string, raw json.RawMessage) {
	var req routeRequest
	json.Unmarshal(raw, &req)
	result, err := s.broker.Send(req.From, req.To, req.opts())
	s.replyRoute(c, reqID, "msg.send", result, err)
}

func (s *Server) handleMsgRoute(c *client, reqID string, raw json.RawMessage) {
	var req routeRequest
	json.Unmarshal(raw, &req)
	result, err := s.broker.Route(req.From, req.Path, req.opts())
	s.replyRoute(c, reqID, "msg.route", result, err)
}

func (s *Server) handleMsgBroadcast(c *client, reqID string, raw json.RawMessage) {
	var req routeRequest
	json.Unmarshal(raw, &req)
	result, err := s.broker.Broadcast(req.From, req.opts())
	s.replyRoute(c, reqID, "msg.broadcast", result, err)
}

type agentSessionRequest struct {
	Agent    string `json:"agent"`
	Session  string `json:"session,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	FromTime string `json:"fromTime,omitempty"`
	ToTime   string `json:"toTime,omitempty"`
}

func (r agentSessionRequest) historyOpts() schema.HistoryOptions {
	opts := schema.HistoryOptions{Limit: r.Limit}
	if t, err := time.Parse(time.RFC3339, r.FromTime); err == nil {
		opts.FromTime = t
	}
	if t, err := time.Parse(time.RFC3339, r.ToTime); err == nil {
		opts.ToTime = t
	}
	return opts
}

func (s *Server) handleMsgReceive(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	msgs, err := s.broker.Receive(req.Agent)
	if err != nil {
		c.replyErr(reqID, "msg.receive", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.receive.result", "messages": msgs})
}

func (s *Server) handleMsgHistory(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	msgs, err := s.broker.History(req.Agent, req.historyOpts())
	if err != nil {
		c.replyErr(reqID, "msg.history", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.history.result", "messages": msgs})
}

func (s *Server) handleMsgListen(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	cancel, err := s.broker.Listen(req.Agent, func(msg schema.Message) {
		c.push(map[string]any{"type": "msg.event", "agent": req.Agent, "message": msg})
	})
	if err != nil {
		c.replyErr(reqID, "msg.listen", err)
		return
	}
	c.trackListener(cancel)
	c.reply(reqID, map[string]any{"type": "msg.listen.ok", "agent": req.Agent})
}

func (s *Server) handleMsgSubscribe(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	if err := s.broker.Subscribe(req.Agent, req.Pattern); err != nil {
		c.replyErr(reqID, "msg.subscribe", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.subscribe.ok"})
}

func (s *Server) handleMsgUnsubscribe(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	if err := s.broker.Unsubscribe(req.Agent, req.Pattern); err != nil {
		c.replyErr(reqID, "msg.unsubscribe", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.unsubscribe.ok"})
}

func (s *Server) handleMsgUnmatched(c *client, reqID string, _ json.RawMessage) {
	msgs, err := s.broker.Unmatched()
	if err != nil {
		c.replyErr(reqID, "msg.unmatched", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.unmatched.result", "messages": msgs})
}

func (s *Server) handleMsgUnmatchedClear(c *client, reqID string, _ json.RawMessage) {
	if err := s.broker.ClearUnmatched(); err != nil {
		c.replyErr(reqID, "msg.unmatched.clear", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.unmatched.clear.ok"})
}

func (s *Server) handleMsgSessionReceive(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	msgs, err := s.broker.ReceiveSession(req.Agent, req.Session)
	if err != nil {
		c.replyErr(reqID, "msg.session.receive", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.session.receive.result", "messages": msgs})
}

func (s *Server) handleMsgSessionHistory(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	msgs, err := s.broker.SessionHistory(req.Agent, req.Session, req.historyOpts())
	if err != nil {
		c.replyErr(reqID, "msg.session.history", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.session.history.result", "messages": msgs})
}

func (s *Server) handleMsgSessionListen(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	cancel, err := s.broker.ListenSession(req.Agent, req.Session, func(msg schema.Message) {
		c.push(map[string]any{"type": "msg.session.event", "agent": req.Agent, "session": req.Session, "message": msg})
	})
	if err != nil {
		c.replyErr(reqID, "msg.session.listen", err)
		return
	}
	c.trackListener(cancel)
	c.reply(reqID, map[string]any{"type": "msg.session.listen.ok"})
}

func (s *Server) handleMsgSessionSubscribe(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	if err := s.broker.SubscribeSession(req.Agent, req.Session, req.Pattern); err != nil {
		c.replyErr(reqID, "msg.session.subscribe", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.session.subscribe.ok"})
}

func (s *Server) handleMsgSessionUnsubscribe(c *client, reqID string, raw json.RawMessage) {
	var req agentSessionRequest
	json.Unmarshal(raw, &req)
	if err := s.broker.UnsubscribeSession(req.Agent, req.Session, req.Pattern); err != nil {
		c.replyErr(reqID, "msg.session.unsubscribe", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "msg.session.unsubscribe.ok"})
}

// ---------------------------------------------------------------------------
// Tools and logs

func (s *Server) handleToolsList(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		Agent string `json:"agent"`
	}
	json.Unmarshal(raw, &req)
	list, err := s.registry.ListAgentTools(req.Agent)
	if err != nil {
		c.replyErr(reqID, "agent.tools.list", err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, tool := range list {
		out = append(out, map[string]any{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Parameters(),
		})
	}
	c.reply(reqID, map[string]any{"type": "agent.tools.list.result", "tools": out})
}

func (s *Server) handleToolExecute(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		Agent   string         `json:"agent"`
		Session string         `json:"session,omitempty"`
		Tool    string         `json:"tool"`
		Input   map[string]any `json:"input,omitempty"`
	}
	json.Unmarshal(raw, &req)

	// Control-surface invocations get the ask-user callback.
	askUser := s.askUserFor(req.Agent, req.Session)
	result := s.registry.ExecuteTool(context.Background(), req.Agent, req.Tool, req.Input, req.Session, askUser)
	c.reply(reqID, map[string]any{
		"type":    "agent.tool.execute.result",
		"output":  result.Output,
		"isError": result.IsError,
	})
}

func (s *Server) handleLogsSearch(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		Agent string `json:"agent"`
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	json.Unmarshal(raw, &req)
	msgs, err := s.broker.SearchLogs(req.Agent, req.Query, req.Limit)
	if err != nil {
		c.replyErr(reqID, "logs.search", err)
		return
	}
	c.reply(reqID, map[string]any{"type": "logs.search.result", "messages": msgs})
}

package turns

import (
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

const heartbeatSender = "system/heartbeat"

var heartbeatParser = robfigcron.NewParser(
	robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow,
)

// RefreshHeartbeats rebuilds the cron schedule from every agent's
// heartbeat field. Invalid expressions are logged and skipped; agents
// whose heartbeat was removed lose their entry.
func (m *Manager) RefreshHeartbeats() error {
	agents, err := m.store.ListAgents()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for _, id := range agents {
		cfg, err := m.store.GetAgent(id)
		if err != nil || cfg.Heartbeat == "" {
			continue
		}
		sched, err := heartbeatParser.Parse(cfg.Heartbeat)
		if err != nil {
			slog.Warn("turns: invalid heartbeat cron, skipping", "agent", id, "expr", cfg.Heartbeat, "err", err)
			continue
		}
		seen[id] = true
		if entryID, ok := m.heartbeats[id]; ok {
			m.cron.Remove(entryID)
		}
		agentID, expr := id, cfg.Heartbeat
		m.heartbeats[id] = m.cron.Schedule(sched, robfigcron.FuncJob(func() {
			m.fireHeartbeat(agentID, expr)
		}))
	}

	for id, entryID := range m.heartbeats {
		if !seen[id] {
			m.cron.Remove(entryID)
			delete(m.heartbeats, id)
		}
	}

	slog.Info("turns: heartbeats scheduled", "count", len(m.heartbeats))
	return nil
}

// fireHeartbeat routes one synthetic tick to the agent's own address.
func (m *Manager) fireHeartbeat(agentID, expr string) {
	_, err := m.broker.Route(heartbeatSender, "agent/"+agentID, schema.RouteOptions{
		Command: "heartbeat",
		Source:  schema.SourceHeartbeat,
		Payload: map[string]any{
			"scheduled": true,
			"cron":      expr,
			"firedAt":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		slog.Warn("turns: heartbeat route failed", "agent", agentID, "err", err)
	}
}

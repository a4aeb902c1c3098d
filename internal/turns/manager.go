// Package turns decides when agents act. It observes broker deliveries,
// debounces them per (agent, session), triages each batch, and runs one
// serialized execution turn per session against the LLM CLI.
package turns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/llmcli"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

// Key identifies one debounce/execution lane.
type Key struct {
	AgentID   string
	SessionID string
}

// Runner is the LLM-CLI surface the manager drives.
type Runner interface {
	Stream(ctx context.Context, prompt string, opts llmcli.Options, onEvent llmcli.EventFunc) (*llmcli.Result, error)
	Query(ctx context.Context, prompt string, opts llmcli.Options) (*llmcli.Result, error)
}

// Triager is the cheap yes/no classifier. When it is nil or disabled the
// manager falls back to the LLM CLI in one-shot mode.
type Triager interface {
	Enabled() bool
	ShouldAct(ctx context.Context, prompt string) (bool, error)
}

// Stats counts triage and turn outcomes.
type Stats struct {
	TriageCount    int64
	TriageAccepted int64
	TriageRejected int64
	TriageErrors   int64
	TurnsStarted   int64
	TurnsFailed    int64
}

// queue is the per-key debounce state. While a turn is active, new
// arrivals land in rerun and are re-enqueued when the turn ends.
type queue struct {
	items    []schema.Message
	timer    *time.Timer
	active   bool
	rerun    []schema.Message
	settings schema.AutoRun
}

// Manager owns the debounce queues, the heartbeat schedule, and the
// per-key turn serialization.
type Manager struct {
	store  *store.Store
	broker *broker.Broker
	runner Runner
	triage Triager

	mu     sync.Mutex
	cond   *sync.Cond
	queues map[Key]*queue
	stats  Stats

	cron       *robfigcron.Cron
	heartbeats map[string]robfigcron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Manager into the broker's delivery notifications.
func New(st *store.Store, bk *broker.Broker, runner Runner, triage Triager) *Manager {
	m := &Manager{
		store:      st,
		broker:     bk,
		runner:     runner,
		triage:     triage,
		queues:     map[Key]*queue{},
		cron:       robfigcron.New(),
		heartbeats: map[string]robfigcron.EntryID{},
	}
	m.cond = sync.NewCond(&m.mu)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	bk.OnRoute(m.handleRoute)
	return m
}

// Start schedules heartbeats and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.RefreshHeartbeats(); err != nil {
		slog.Warn("turns: heartbeat schedule failed", "err", err)
	}
	m.cron.Start()
	slog.Info("turns: started", "heartbeats", len(m.heartbeats))

	<-ctx.Done()

	<-m.cron.Stop().Done()
	m.cancel()
	m.mu.Lock()
	for _, q := range m.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	return ctx.Err()
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// handleRoute is the broker delivery observer. It attributes each
// delivery to (agent, session) lanes and enqueues where autoRun allows.
func (m *Manager) handleRoute(result schema.RouteResult) {
	if result.Unmatched {
		return
	}
	seen := map[Key]bool{}
	for _, ref := range result.DeliveredToSessions {
		key := Key{AgentID: ref.AgentID, SessionID: ref.SessionID}
		if !seen[key] {
			seen[key] = true
			m.enqueue(key, result.Message)
		}
	}
	for _, agentID := range result.DeliveredTo {
		handled := false
		for _, ref := range result.DeliveredToSessions {
			if ref.AgentID == agentID {
				handled = true
				break
			}
		}
		if handled {
			continue
		}
		key := Key{AgentID: agentID, SessionID: store.DefaultSession}
		if !seen[key] {
			seen[key] = true
			m.enqueue(key, result.Message)
		}
	}
}

// enqueue adds one message to a lane's debounce queue, flushing early
// when the batch cap is reached.
func (m *Manager) enqueue(key Key, msg schema.Message) {
	settings := m.resolveAutoRun(key)
	if settings == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	if q == nil {
		q = &queue{}
		m.queues[key] = q
	}
	q.settings = *settings

	if q.active {
		q.rerun = append(q.rerun, msg)
		return
	}

	q.items = append(q.items, msg)
	if len(q.items) >= q.settings.MaxBatchSize {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		m.flushLocked(key, q)
		return
	}

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(time.Duration(q.settings.DebounceMs)*time.Millisecond, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if q := m.queues[key]; q != nil && !q.active && len(q.items) > 0 {
			m.flushLocked(key, q)
		}
	})
}

// flushLocked drains the queue and starts a turn. Caller holds m.mu.
func (m *Manager) flushLocked(key Key, q *queue) {
	batch := q.items
	q.items = nil
	q.active = true
	settings := q.settings
	m.stats.TurnsStarted++

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTurn(key, batch, settings, true)
		m.finishTurn(key)
	}()
}

// finishTurn releases the lane and re-enqueues anything that arrived
// while the turn was running, coalescing it into one next batch.
func (m *Manager) finishTurn(key Key) {
	m.mu.Lock()
	q := m.queues[key]
	var rerun []schema.Message
	if q != nil {
		q.active = false
		rerun = q.rerun
		q.rerun = nil
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, msg := range rerun {
		m.enqueue(key, msg)
	}
}

// TriggerTurn bypasses triage and runs the execution stage directly,
// waiting for any active turn on the same lane to finish first.
func (m *Manager) TriggerTurn(agentID, sessionID string, msgs []schema.Message) error {
	key := Key{AgentID: agentID, SessionID: sessionID}

	m.mu.Lock()
	q := m.queues[key]
	if q == nil {
		q = &queue{}
		m.queues[key] = q
	}
	for q.active {
		m.cond.Wait()
	}
	q.active = true
	settings := q.settings
	m.stats.TurnsStarted++
	m.mu.Unlock()

	resolved := schema.ResolveAutoRun(&settings, nil)
	if resolved == nil {
		resolved = schema.ResolveAutoRun(&schema.AutoRun{Enabled: true}, nil)
	}

	err := m.execute(key, msgs, *resolved)
	m.finishTurn(key)
	return err
}

// resolveAutoRun merges session over agent autoRun for a lane. Missing
// sessions fall back to the agent level.
func (m *Manager) resolveAutoRun(key Key) *schema.AutoRun {
	cfg, err := m.store.GetAgent(key.AgentID)
	if err != nil {
		slog.Warn("turns: agent config unreadable", "agent", key.AgentID, "err", err)
		return nil
	}
	var sessionLevel *schema.AutoRun
	if meta, err := m.store.GetSession(key.AgentID, key.SessionID); err == nil {
		sessionLevel = meta.AutoRun
	}
	return schema.ResolveAutoRun(cfg.AutoRun, sessionLevel)
}

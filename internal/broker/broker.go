// Package broker implements the path-addressed message broker: glob
// subscription matching, durable per-recipient JSONL logs, an unmatched
// sink, and real-time fan-out to in-process listeners.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/pathmatch"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

// ErrAutoSubscription is returned when a caller tries to remove an agent's
// automatic `agent/{id}` subscription.
var ErrAutoSubscription = errors.New("cannot unsubscribe from the automatic agent subscription")

// ErrEmptyPath is returned when a route path normalizes to nothing.
var ErrEmptyPath = errors.New("route path is empty")

// OnRouteFunc observes every delivered route result. Observers run
// synchronously after persistence so their view never races ahead of disk.
type OnRouteFunc func(schema.RouteResult)

// Broker owns the subscription indices and the durable message logs.
// All state is guarded by a single mutex; disk writes happen under it so
// per-recipient logs are appended in route-call order.
type Broker struct {
	store *store.Store
	logs  *logDir

	mu          sync.Mutex
	autoSubs    map[string]string                        // agentID → "agent/{id}"
	agentSubs   map[string]map[string]time.Time          // agentID → pattern → addedAt
	sessionSubs map[schema.SessionRef]map[string]time.Time // session → pattern → addedAt

	agentListeners   map[string]map[int]func(schema.Message)
	sessionListeners map[schema.SessionRef]map[int]func(schema.Message)
	nextListenerID   int

	onRoute []OnRouteFunc
}

// New creates a Broker over st and builds the subscription index.
func New(st *store.Store) (*Broker, error) {
	b := &Broker{
		store:            st,
		logs:             newLogDir(st.Root()),
		agentListeners:   map[string]map[int]func(schema.Message){},
		sessionListeners: map[schema.SessionRef]map[int]func(schema.Message){},
	}
	if err := b.RebuildIndex(); err != nil {
		return nil, err
	}
	return b, nil
}

// OnRoute registers a delivery observer.
func (b *Broker) OnRoute(fn OnRouteFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRoute = append(b.onRoute, fn)
}

// RebuildIndex re-reads every agent and session subscription from disk.
// Fresh tables are built first and swapped in, so readers never observe a
// half-built index. Automatic subscriptions are recomputed, never persisted.
func (b *Broker) RebuildIndex() error {
	agents, err := b.store.ListAgents()
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	auto := map[string]string{}
	agentSubs := map[string]map[string]time.Time{}
	sessionSubs := map[schema.SessionRef]map[string]time.Time{}

	for _, id := range agents {
		auto[id] = "agent/" + id

		cfg, err := b.store.GetAgent(id)
		if err != nil {
			slog.Warn("broker: skipping unreadable agent", "agent", id, "err", err)
			continue
		}
		if len(cfg.Subscriptions) > 0 {
			m := map[string]time.Time{}
			for _, sub := range cfg.Subscriptions {
				m[sub.Pattern] = sub.AddedAt
			}
			agentSubs[id] = m
		}

		sessions, err := b.store.ListSessions(id)
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if len(sess.Subscriptions) == 0 {
				continue
			}
			ref := schema.SessionRef{AgentID: id, SessionID: sess.ID}
			m := map[string]time.Time{}
			for _, sub := range sess.Subscriptions {
				m[sub.Pattern] = sub.AddedAt
			}
			sessionSubs[ref] = m
		}
	}

	b.mu.Lock()
	b.autoSubs = auto
	b.agentSubs = agentSubs
	b.sessionSubs = sessionSubs
	b.mu.Unlock()

	slog.Info("broker: index rebuilt", "agents", len(auto), "sessionSubs", len(sessionSubs))
	return nil
}

// ---------------------------------------------------------------------------
// Routing

// Route delivers one message to every matching session and agent.
func (b *Broker) Route(from, path string, opts schema.RouteOptions) (schema.RouteResult, error) {
	normalized := pathmatch.Normalize(path)
	if normalized == "" {
		return schema.RouteResult{}, ErrEmptyPath
	}

	msg := schema.NewMessage(from, normalized, opts.Command, opts.Payload)
	if opts.Source != "" {
		msg.Source = opts.Source
	}
	msg.ExternalID = opts.ExternalID

	b.mu.Lock()
	defer b.mu.Unlock()

	// Matching sessions.
	var sessions []schema.SessionRef
	for ref, patterns := range b.sessionSubs {
		for pattern := range patterns {
			if pathmatch.Match(pattern, normalized) {
				sessions = append(sessions, ref)
				break
			}
		}
	}

	// Matching agents: the routed path acts as a pattern against each
	// auto-subscription target, so `agent/**` fans out to every agent while
	// `agent/{id}` stays an exact address. Broadcast-style paths never
	// deliver back to the sender.
	excludeSender := hasAgentPrefix(normalized) && normalized != "agent/"+from
	agentSet := map[string]bool{}
	for id, autoPath := range b.autoSubs {
		if autoPath == normalized || pathmatch.Match(normalized, autoPath) {
			agentSet[id] = true
		}
	}
	for id, patterns := range b.agentSubs {
		for pattern := range patterns {
			if pathmatch.Match(pattern, normalized) {
				agentSet[id] = true
				break
			}
		}
	}
	if excludeSender {
		delete(agentSet, from)
	}

	result := schema.RouteResult{ID: msg.ID, Message: msg}

	if len(sessions) == 0 && len(agentSet) == 0 {
		result.Unmatched = true
		result.DeliveredTo = []string{}
		result.DeliveredToSessions = []schema.SessionRef{}
		if err := b.logs.appendUnmatched(msg, "no_subscribers"); err != nil {
			slog.Error("broker: unmatched sink write failed", "err", err)
		}
		return result, nil
	}

	// Session copies first so agent copies can carry handled/handledBy.
	handledBy := map[string][]schema.SessionRef{}
	for _, ref := range sessions {
		copyMsg := msg
		if err := b.logs.appendSession(ref, copyMsg); err != nil {
			slog.Error("broker: session log append failed", "agent", ref.AgentID, "session", ref.SessionID, "err", err)
			continue
		}
		result.DeliveredToSessions = append(result.DeliveredToSessions, ref)
		handledBy[ref.AgentID] = append(handledBy[ref.AgentID], ref)
		b.fireSessionLocked(ref, copyMsg)
	}

	agentIDs := make([]string, 0, len(agentSet))
	for id := range agentSet {
		agentIDs = append(agentIDs, id)
	}
	for id := range agentSet {
		copyMsg := msg
		copyMsg.HandledBy = handledBy[id]
		copyMsg.Handled = len(copyMsg.HandledBy) > 0
		copyMsg.DeliveredTo = agentIDs
		if err := b.logs.appendAgent(id, copyMsg); err != nil {
			slog.Error("broker: agent log append failed", "agent", id, "err", err)
			continue
		}
		result.DeliveredTo = append(result.DeliveredTo, id)
		b.fireAgentLocked(id, copyMsg)
	}

	if result.DeliveredTo == nil {
		result.DeliveredTo = []string{}
	}
	if result.DeliveredToSessions == nil {
		result.DeliveredToSessions = []schema.SessionRef{}
	}
	result.Delivered = len(result.DeliveredTo) > 0 || len(result.DeliveredToSessions) > 0

	for _, fn := range b.onRoute {
		fn(result)
	}
	return result, nil
}

// Send routes directly to one agent's auto-subscription path.
func (b *Broker) Send(from, toAgentID string, opts schema.RouteOptions) (schema.RouteResult, error) {
	return b.Route(from, "agent/"+toAgentID, opts)
}

// Broadcast routes to every agent except the sender.
func (b *Broker) Broadcast(from string, opts schema.RouteOptions) (schema.RouteResult, error) {
	return b.Route(from, "agent/**", opts)
}

func hasAgentPrefix(path string) bool {
	return len(path) > 6 && path[:6] == "agent/"
}

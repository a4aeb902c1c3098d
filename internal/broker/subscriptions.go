package broker

import (
	"fmt"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

// Subscribe adds a custom pattern for an agent and persists it to the
// agent's config, preserving addedAt for patterns that already existed.
// Subscribing to the agent's own auto-subscription succeeds as a no-op.
func (b *Broker) Subscribe(agentID, pattern string) error {
	norm, err := store.ValidateID(agentID)
	if err != nil {
		return err
	}
	if pattern == "" {
		return fmt.Errorf("empty subscription pattern")
	}

	b.mu.Lock()
	if b.autoSubs[norm] == pattern {
		b.mu.Unlock()
		return nil
	}
	if b.agentSubs[norm] == nil {
		b.agentSubs[norm] = map[string]time.Time{}
	}
	inserted := false
	if _, exists := b.agentSubs[norm][pattern]; !exists {
		b.agentSubs[norm][pattern] = time.Now()
		inserted = true
	}
	subs := subscriptionList(b.agentSubs[norm])
	b.mu.Unlock()

	if err := b.persistAgentSubs(norm, subs); err != nil {
		// The live index must not route on a subscription the agent's
		// config never recorded.
		if inserted {
			b.mu.Lock()
			delete(b.agentSubs[norm], pattern)
			if len(b.agentSubs[norm]) == 0 {
				delete(b.agentSubs, norm)
			}
			b.mu.Unlock()
		}
		return err
	}
	return nil
}

// Unsubscribe removes a custom pattern. Removing the auto-subscription
// fails with ErrAutoSubscription.
func (b *Broker) Unsubscribe(agentID, pattern string) error {
	norm, err := store.ValidateID(agentID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.autoSubs[norm] == pattern {
		b.mu.Unlock()
		return ErrAutoSubscription
	}
	if m := b.agentSubs[norm]; m != nil {
		delete(m, pattern)
		if len(m) == 0 {
			delete(b.agentSubs, norm)
		}
	}
	subs := subscriptionList(b.agentSubs[norm])
	b.mu.Unlock()

	return b.persistAgentSubs(norm, subs)
}

// SubscribeSession adds a pattern for one session and persists it to the
// session's metadata.
func (b *Broker) SubscribeSession(agentID, sessionID, pattern string) error {
	ref, err := b.validateRef(agentID, sessionID)
	if err != nil {
		return err
	}
	if pattern == "" {
		return fmt.Errorf("empty subscription pattern")
	}

	b.mu.Lock()
	if b.sessionSubs[ref] == nil {
		b.sessionSubs[ref] = map[string]time.Time{}
	}
	inserted := false
	if _, exists := b.sessionSubs[ref][pattern]; !exists {
		b.sessionSubs[ref][pattern] = time.Now()
		inserted = true
	}
	subs := subscriptionList(b.sessionSubs[ref])
	b.mu.Unlock()

	if err := b.persistSessionSubs(ref, subs); err != nil {
		if inserted {
			b.mu.Lock()
			delete(b.sessionSubs[ref], pattern)
			if len(b.sessionSubs[ref]) == 0 {
				delete(b.sessionSubs, ref)
			}
			b.mu.Unlock()
		}
		return err
	}
	return nil
}

// UnsubscribeSession removes a session pattern.
func (b *Broker) UnsubscribeSession(agentID, sessionID, pattern string) error {
	ref, err := b.validateRef(agentID, sessionID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if m := b.sessionSubs[ref]; m != nil {
		delete(m, pattern)
		if len(m) == 0 {
			delete(b.sessionSubs, ref)
		}
	}
	subs := subscriptionList(b.sessionSubs[ref])
	b.mu.Unlock()

	return b.persistSessionSubs(ref, subs)
}

// Subscriptions returns an agent's custom patterns (the auto-subscription
// is implicit and never listed).
func (b *Broker) Subscriptions(agentID string) []schema.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return subscriptionList(b.agentSubs[agentID])
}

// SessionSubscriptions returns a session's patterns.
func (b *Broker) SessionSubscriptions(agentID, sessionID string) []schema.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return subscriptionList(b.sessionSubs[schema.SessionRef{AgentID: agentID, SessionID: sessionID}])
}

func (b *Broker) validateRef(agentID, sessionID string) (schema.SessionRef, error) {
	norm, err := store.ValidateID(agentID)
	if err != nil {
		return schema.SessionRef{}, err
	}
	sid, err := store.ValidateSessionID(sessionID)
	if err != nil {
		return schema.SessionRef{}, err
	}
	return schema.SessionRef{AgentID: norm, SessionID: sid}, nil
}

func (b *Broker) persistAgentSubs(agentID string, subs []schema.Subscription) error {
	cfg, err := b.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	cfg.Subscriptions = subs
	return b.store.SaveAgent(agentID, cfg)
}

func (b *Broker) persistSessionSubs(ref schema.SessionRef, subs []schema.Subscription) error {
	meta, err := b.store.GetSession(ref.AgentID, ref.SessionID)
	if err != nil {
		return err
	}
	meta.Subscriptions = subs
	return b.store.SaveSession(ref.AgentID, meta)
}

func subscriptionList(m map[string]time.Time) []schema.Subscription {
	if len(m) == 0 {
		return nil
	}
	out := make([]schema.Subscription, 0, len(m))
	for pattern, addedAt := range m {
		out = append(out, schema.Subscription{Pattern: pattern, AddedAt: addedAt})
	}
	return out
}

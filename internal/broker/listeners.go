package broker

import (
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

// CancelFunc releases a listener registration.
type CancelFunc func()

// Listen registers a real-time callback for every message delivered to an
// agent's log. The callback runs on its own goroutine so listeners may call
// back into the broker.
func (b *Broker) Listen(agentID string, cb func(schema.Message)) (CancelFunc, error) {
	norm, err := store.ValidateID(agentID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListenerID
	b.nextListenerID++
	if b.agentListeners[norm] == nil {
		b.agentListeners[norm] = map[int]func(schema.Message){}
	}
	b.agentListeners[norm][id] = cb

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.agentListeners[norm], id)
	}, nil
}

// ListenSession is Listen scoped to one session.
func (b *Broker) ListenSession(agentID, sessionID string, cb func(schema.Message)) (CancelFunc, error) {
	ref, err := b.validateRef(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListenerID
	b.nextListenerID++
	if b.sessionListeners[ref] == nil {
		b.sessionListeners[ref] = map[int]func(schema.Message){}
	}
	b.sessionListeners[ref][id] = cb

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.sessionListeners[ref], id)
	}, nil
}

func (b *Broker) fireAgentLocked(agentID string, msg schema.Message) {
	for _, cb := range b.agentListeners[agentID] {
		go cb(msg)
	}
}

func (b *Broker) fireSessionLocked(ref schema.SessionRef, msg schema.Message) {
	for _, cb := range b.sessionListeners[ref] {
		go cb(msg)
	}
}

package broker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

const (
	messagesDir   = ".messages"
	unmatchedFile = "broker-unmatched.jsonl"
)

// logDir owns the append-only per-recipient JSONL files under .messages/.
// The broker is the single writer; callers hold the broker mutex.
type logDir struct {
	dir string
}

func newLogDir(root string) *logDir {
	return &logDir{dir: filepath.Join(root, messagesDir)}
}

func (l *logDir) agentPath(agentID string) string {
	return filepath.Join(l.dir, "agent--"+store.EncodeID(agentID)+".jsonl")
}

func (l *logDir) sessionPath(ref schema.SessionRef) string {
	return filepath.Join(l.dir, "session--"+store.EncodeID(ref.AgentID)+"--"+ref.SessionID+".jsonl")
}

func (l *logDir) appendAgent(agentID string, msg schema.Message) error {
	return l.appendLine(l.agentPath(agentID), msg)
}

func (l *logDir) appendSession(ref schema.SessionRef, msg schema.Message) error {
	return l.appendLine(l.sessionPath(ref), msg)
}

// unmatchedEntry is one dead-letter line.
type unmatchedEntry struct {
	Reason  string         `json:"reason"`
	Message schema.Message `json:"message"`
}

func (l *logDir) appendUnmatched(msg schema.Message, reason string) error {
	return l.appendLine(filepath.Join(l.dir, unmatchedFile), unmatchedEntry{Reason: reason, Message: msg})
}

func (l *logDir) appendLine(path string, v any) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode log line: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(buf.Bytes())
	return err
}

// readAll parses every message line of a log, skipping malformed ones.
func (l *logDir) readAll(path string) ([]schema.Message, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []schema.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg schema.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("broker: skipping malformed log line", "file", filepath.Base(path), "err", err)
			continue
		}
		out = append(out, msg)
	}
	return out, scanner.Err()
}

// rewrite replaces the whole log file. Acceptable for a single-process
// single-writer workload; the observable contract is only that Receive
// flips pending to delivered.
func (l *logDir) rewrite(path string, msgs []schema.Message) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ---------------------------------------------------------------------------
// Broker read surface

// Receive returns the agent's pending messages and marks them delivered.
func (b *Broker) Receive(agentID string) ([]schema.Message, error) {
	if _, err := store.ValidateID(agentID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainPending(b.logs.agentPath(agentID))
}

// ReceiveSession is Receive scoped to one session's log.
func (b *Broker) ReceiveSession(agentID, sessionID string) ([]schema.Message, error) {
	if _, err := store.ValidateID(agentID); err != nil {
		return nil, err
	}
	sid, err := store.ValidateSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainPending(b.logs.sessionPath(schema.SessionRef{AgentID: agentID, SessionID: sid}))
}

func (b *Broker) drainPending(path string) ([]schema.Message, error) {
	msgs, err := b.logs.readAll(path)
	if err != nil {
		return nil, err
	}
	var delivered []schema.Message
	changed := false
	for i := range msgs {
		if msgs[i].Status == schema.StatusPending {
			msgs[i].Status = schema.StatusDelivered
			delivered = append(delivered, msgs[i])
			changed = true
		}
	}
	if changed {
		if err := b.logs.rewrite(path, msgs); err != nil {
			return nil, fmt.Errorf("rewrite log: %w", err)
		}
	}
	return delivered, nil
}

// History returns the agent's durable log filtered by opts.
func (b *Broker) History(agentID string, opts schema.HistoryOptions) ([]schema.Message, error) {
	if _, err := store.ValidateID(agentID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, err := b.logs.readAll(b.logs.agentPath(agentID))
	if err != nil {
		return nil, err
	}
	return filterHistory(msgs, opts), nil
}

// SessionHistory returns one session's durable log filtered by opts.
func (b *Broker) SessionHistory(agentID, sessionID string, opts schema.HistoryOptions) ([]schema.Message, error) {
	if _, err := store.ValidateID(agentID); err != nil {
		return nil, err
	}
	sid, err := store.ValidateSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, err := b.logs.readAll(b.logs.sessionPath(schema.SessionRef{AgentID: agentID, SessionID: sid}))
	if err != nil {
		return nil, err
	}
	return filterHistory(msgs, opts), nil
}

func filterHistory(msgs []schema.Message, opts schema.HistoryOptions) []schema.Message {
	var out []schema.Message
	for _, m := range msgs {
		if !opts.FromTime.IsZero() && m.Timestamp.Before(opts.FromTime) {
			continue
		}
		if !opts.ToTime.IsZero() && m.Timestamp.After(opts.ToTime) {
			continue
		}
		out = append(out, m)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// Unmatched returns the dead-letter sink contents.
func (b *Broker) Unmatched() ([]schema.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := filepath.Join(b.logs.dir, unmatchedFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []schema.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var e unmatchedEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e.Message)
	}
	return out, scanner.Err()
}

// ClearUnmatched truncates the dead-letter sink.
func (b *Broker) ClearUnmatched() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(filepath.Join(b.logs.dir, unmatchedFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SearchLogs scans an agent's durable log for messages whose command,
// path or payload text contains query. Used by the tool registry.
func (b *Broker) SearchLogs(agentID, query string, limit int) ([]schema.Message, error) {
	msgs, err := b.History(agentID, schema.HistoryOptions{})
	if err != nil {
		return nil, err
	}
	var out []schema.Message
	for _, m := range msgs {
		raw, _ := json.Marshal(m)
		if bytes.Contains(raw, []byte(query)) {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

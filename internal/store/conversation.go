package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// AppendConversation appends one entry to the session's JSONL conversation
// log, stamping Timestamp if unset. The log is append-only; nothing rewrites it.
func (s *Store) AppendConversation(agentID, sessionID string, entry schema.ConversationEntry) error {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	sid, err := ValidateSessionID(sessionID)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	dir := filepath.Join(agentDir, sessionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return fmt.Errorf("encode conversation entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, sid+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()
	_, err = f.Write(buf.Bytes())
	return err
}

// ReadConversation returns up to limit most-recent entries (0 = all).
// Malformed lines are skipped, not fatal.
func (s *Store) ReadConversation(agentID, sessionID string, limit int) ([]schema.ConversationEntry, error) {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	sid, err := ValidateSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(agentDir, sessionsDir, sid+".jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []schema.ConversationEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e schema.ConversationEntry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("store: skipping malformed conversation line", "agent", agentID, "session", sid, "err", err)
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// DefaultSession is the session every agent owns from creation.
const DefaultSession = "main"

// ValidateSessionID rejects empty, traversal and multi-segment session IDs.
func ValidateSessionID(sessionID string) (string, error) {
	norm, err := ValidateID(sessionID)
	if err != nil {
		return "", err
	}
	if strings.Contains(norm, "/") {
		return "", &PathError{ID: sessionID, Reason: "session id must be a single segment"}
	}
	return norm, nil
}

// GetSessionDir returns the on-disk session root (<agent>/sessions/<sid>),
// creating it with its workspace, tmp and memory subdirectories.
func (s *Store) GetSessionDir(agentID, sessionID string) (string, error) {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return "", err
	}
	sid, err := ValidateSessionID(sessionID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(agentDir, sessionsDir, sid)
	for _, sub := range []string{"workspace", "tmp", memoryDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create session dir: %w", err)
		}
	}
	return dir, nil
}

// GetSession reads one session's metadata.
func (s *Store) GetSession(agentID, sessionID string) (*schema.SessionMeta, error) {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	sid, err := ValidateSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(agentDir, sessionsDir, sid+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s/%s: %w", agentID, sid, ErrNotFound)
		}
		return nil, err
	}
	var meta schema.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse session %s/%s: %w", agentID, sid, err)
	}
	if meta.ID == "" {
		meta.ID = sid
	}
	return &meta, nil
}

// CreateSession creates a new named session. Fails if it already exists.
func (s *Store) CreateSession(agentID, sessionID string, meta *schema.SessionMeta) (*schema.SessionMeta, error) {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetAgent(agentID); err != nil {
		return nil, err
	}
	sid, err := ValidateSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetSession(agentID, sid); err == nil {
		return nil, fmt.Errorf("session %s/%s already exists", agentID, sid)
	}

	now := time.Now()
	out := schema.SessionMeta{ID: sid, CreatedAt: now, LastUsedAt: now}
	if meta != nil {
		out.Title = meta.Title
		out.Subscriptions = meta.Subscriptions
		out.WorkDirs = meta.WorkDirs
		out.AutoRun = meta.AutoRun
	}
	out.IsDefault = sid == DefaultSession

	if err := s.writeSessionMeta(agentDir, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveSession upserts metadata and stamps LastUsedAt.
func (s *Store) SaveSession(agentID string, meta *schema.SessionMeta) error {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	sid, err := ValidateSessionID(meta.ID)
	if err != nil {
		return err
	}
	meta.ID = sid
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	meta.LastUsedAt = time.Now()
	return s.writeSessionMeta(agentDir, meta)
}

// UpdateSession shallow-merges partial into the stored metadata.
func (s *Store) UpdateSession(agentID, sessionID string, partial map[string]any) (*schema.SessionMeta, error) {
	meta, err := s.GetSession(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	raw, _ := json.Marshal(meta)
	_ = json.Unmarshal(raw, &merged)
	for k, v := range partial {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var next schema.SessionMeta
	if err := json.Unmarshal(out, &next); err != nil {
		return nil, fmt.Errorf("merge session %s/%s: %w", agentID, sessionID, err)
	}
	next.ID = meta.ID
	next.IsDefault = meta.IsDefault
	if err := s.SaveSession(agentID, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// ListSessions returns all sessions of an agent: the default session first,
// then the rest by LastUsedAt descending.
func (s *Store) ListSessions(agentID string) ([]schema.SessionMeta, error) {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	entries, err := filepath.Glob(filepath.Join(agentDir, sessionsDir, "*.json"))
	if err != nil {
		return nil, err
	}
	var out []schema.SessionMeta
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta schema.SessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue // corrupt metadata is treated as absent
		}
		if meta.ID == "" {
			meta.ID = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out, nil
}

// DeleteSession removes a session's metadata, log and directory.
// The default session can only go by deleting the whole agent.
func (s *Store) DeleteSession(agentID, sessionID string) error {
	agentDir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	sid, err := ValidateSessionID(sessionID)
	if err != nil {
		return err
	}
	if sid == DefaultSession {
		return fmt.Errorf("session %s/%s: the default session cannot be deleted", agentID, sid)
	}
	if _, err := s.GetSession(agentID, sid); err != nil {
		return err
	}
	base := filepath.Join(agentDir, sessionsDir, sid)
	_ = os.Remove(base + ".json")
	_ = os.Remove(base + ".jsonl")
	return os.RemoveAll(base)
}

func (s *Store) writeSessionMeta(agentDir string, meta *schema.SessionMeta) error {
	dir := filepath.Join(agentDir, sessionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(filepath.Join(dir, meta.ID+".json"), data, 0o644)
}

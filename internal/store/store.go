// Package store manages the on-disk hierarchy of agents and sessions.
//
// Layout (rooted at the project root):
//
//	SYSTEM.md
//	<agentPath>/
//	  jvAgent.json        agent config
//	  CLAUDE.md           instructions
//	  memory/notes.md  workspace/  tmp/  tools/
//	  sessions/main.json  main.jsonl  <sid>/workspace ...
//	  secrets.env
//
// Agents nest: an agent directory may contain child agent directories, each
// recognized by its own jvAgent.json.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

const (
	ConfigFile       = "jvAgent.json"
	InstructionsFile = "CLAUDE.md"
	SystemFile       = "SYSTEM.md"
	SecretsFile      = "secrets.env"
	sessionsDir      = "sessions"
	memoryDir        = "memory"
	notesFile        = "notes.md"
)

// reservedNames are directory names inside an agent dir that are never
// themselves agents and are skipped during scans.
var reservedNames = map[string]bool{
	sessionsDir: true,
	memoryDir:   true,
	"workspace": true,
	"tmp":       true,
	"tools":     true,
	"services":  true,
	"templates": true,
	".messages": true,
}

// ErrNotFound is returned for missing agents and sessions.
var ErrNotFound = errors.New("not found")

// Store owns every read and write under the project root. The broker and
// turn manager mutate agent and session configs only through it.
type Store struct {
	root        string // absolute
	templateDir string // agent scaffold template, may be empty
}

// New creates a Store rooted at the absolute project root.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &Store{
		root:        abs,
		templateDir: filepath.Join(abs, "templates", "agent"),
	}, nil
}

// Root returns the absolute project root.
func (s *Store) Root() string { return s.root }

// AgentDir resolves an agent ID to its directory without requiring it to exist.
func (s *Store) AgentDir(agentID string) (string, error) {
	return resolve(s.root, agentID)
}

// ---------------------------------------------------------------------------
// Agent CRUD

// ListAgents walks the tree and returns the IDs of every directory holding a
// jvAgent.json, in lexical order. Reserved and hidden directories are skipped.
func (s *Store) ListAgents() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, treat as absent
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != s.root && (reservedNames[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		if path == s.root {
			return nil
		}
		if _, err := os.Stat(filepath.Join(path, ConfigFile)); err == nil {
			rel, rerr := filepath.Rel(s.root, path)
			if rerr == nil {
				ids = append(ids, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// GetAgent reads an agent's config.
func (s *Store) GetAgent(agentID string) (*schema.AgentConfig, error) {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("read agent %q: %w", agentID, err)
	}
	var cfg schema.AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent %q config: %w", agentID, err)
	}
	return &cfg, nil
}

// CreateAgent scaffolds a new agent from the template, applies overrides from
// cfg, and creates the default main session. Fails if the agent exists.
func (s *Store) CreateAgent(agentID string, cfg *schema.AgentConfig) error {
	norm, err := ValidateID(agentID)
	if err != nil {
		return err
	}
	dir, err := resolve(s.root, norm)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		return fmt.Errorf("agent %q already exists", norm)
	}

	if err := s.scaffold(dir, norm, cfg); err != nil {
		return err
	}

	// Overrides are written after cloning so the template never wins.
	if cfg != nil {
		if err := s.writeAgentConfig(dir, cfg); err != nil {
			return err
		}
	}

	now := time.Now()
	main := schema.SessionMeta{
		ID:         "main",
		IsDefault:  true,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.writeSessionMeta(dir, &main); err != nil {
		return err
	}

	slog.Info("store: agent created", "agent", norm)
	return nil
}

// UpdateAgent shallow-merges partial into the stored config and writes it back.
func (s *Store) UpdateAgent(agentID string, partial map[string]any) (*schema.AgentConfig, error) {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	raw, _ := json.Marshal(cfg)
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
		return nil, fmt.Errorf("merge agent %q config: %w", agentID, err)
	}
	var next schema.AgentConfig
	if err := json.Unmarshal(out, &next); err != nil {
		return nil, fmt.Errorf("merge agent %q config: %w", agentID, err)
	}
	if err := s.writeAgentConfig(dir, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// SaveAgent writes cfg verbatim. Used by the broker for subscription changes.
func (s *Store) SaveAgent(agentID string, cfg *schema.AgentConfig) error {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	return s.writeAgentConfig(dir, cfg)
}

// DeleteAgent removes the agent's entire subtree, child agents included.
func (s *Store) DeleteAgent(agentID string) error {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	if dir == s.root {
		return &PathError{ID: agentID, Reason: "refusing to delete project root"}
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete agent %q: %w", agentID, err)
	}
	slog.Info("store: agent deleted", "agent", agentID)
	return nil
}

// ---------------------------------------------------------------------------
// Instructions and secrets

// Instructions returns the agent's own CLAUDE.md content, or "".
func (s *Store) Instructions(agentID string) (string, error) {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, InstructionsFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetInstructions overwrites the agent's CLAUDE.md.
func (s *Store) SetInstructions(agentID, text string) error {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, InstructionsFile), []byte(text), 0o644)
}

// InstructionsChain concatenates CLAUDE.md from the root ancestor down to the
// agent itself, blank-line separated. Missing files contribute nothing.
func (s *Store) InstructionsChain(agentID string) (string, error) {
	norm, err := ValidateID(agentID)
	if err != nil {
		return "", err
	}
	segs := strings.Split(norm, "/")
	var parts []string
	for i := 1; i <= len(segs); i++ {
		text, err := s.Instructions(strings.Join(segs[:i], "/"))
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, strings.TrimRight(text, "\n"))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// Secrets parses the agent's secrets.env into a map. Missing file yields an
// empty map. Values never appear in logs.
func (s *Store) Secrets(agentID string) (map[string]string, error) {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	data, err := os.ReadFile(filepath.Join(dir, SecretsFile))
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Internal writers

func (s *Store) writeAgentConfig(dir string, cfg *schema.AgentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644)
}

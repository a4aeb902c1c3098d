package store

import (
	"os"
	"path/filepath"
)

// Memory tiers: system (SYSTEM.md at the root), agent (memory/notes.md) and
// session (sessions/<sid>/memory/notes.md). Getters return "" for a missing
// note so callers can always concatenate.

// SystemMemory returns the project-wide SYSTEM.md content.
func (s *Store) SystemMemory() (string, error) {
	return readOptional(filepath.Join(s.root, SystemFile))
}

// SetSystemMemory overwrites SYSTEM.md.
func (s *Store) SetSystemMemory(text string) error {
	return os.WriteFile(filepath.Join(s.root, SystemFile), []byte(text), 0o644)
}

// AgentMemory returns the agent-level memory note.
func (s *Store) AgentMemory(agentID string) (string, error) {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return "", err
	}
	return readOptional(filepath.Join(dir, memoryDir, notesFile))
}

// SetAgentMemory overwrites the agent-level memory note.
func (s *Store) SetAgentMemory(agentID, text string) error {
	dir, err := resolve(s.root, agentID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, memoryDir), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, memoryDir, notesFile), []byte(text), 0o644)
}

// SessionMemory returns the session-level memory note.
func (s *Store) SessionMemory(agentID, sessionID string) (string, error) {
	dir, err := s.GetSessionDir(agentID, sessionID)
	if err != nil {
		return "", err
	}
	return readOptional(filepath.Join(dir, memoryDir, notesFile))
}

// SetSessionMemory overwrites the session-level memory note.
func (s *Store) SetSessionMemory(agentID, sessionID, text string) error {
	dir, err := s.GetSessionDir(agentID, sessionID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, memoryDir, notesFile), []byte(text), 0o644)
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// scaffold clones the template directory into dir, interpolating
// {{id}}, {{name}} and {{description}} in every file. Files that already
// exist are never overwritten. Without a template it creates the bare
// skeleton directly.
func (s *Store) scaffold(dir, agentID string, cfg *schema.AgentConfig) error {
	name := agentID
	description := ""
	if cfg != nil {
		if cfg.Name != "" {
			name = cfg.Name
		}
		description = cfg.Description
	}
	vars := map[string]string{
		"id":          agentID,
		"name":        name,
		"description": description,
	}

	for _, sub := range []string{memoryDir, "workspace", "tmp", "tools", sessionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("scaffold %s: %w", sub, err)
		}
	}

	if info, err := os.Stat(s.templateDir); err == nil && info.IsDir() {
		if err := s.cloneTemplate(dir, vars); err != nil {
			return err
		}
	}

	// Skeleton files the template may not provide.
	defaults := map[string]string{
		ConfigFile:       "{\n  \"description\": \"" + jsonEscape(description) + "\"\n}\n",
		InstructionsFile: "# " + name + "\n",
		filepath.Join(memoryDir, notesFile): "",
	}
	for rel, content := range defaults {
		path := filepath.Join(dir, rel)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("scaffold %s: %w", rel, err)
		}
	}
	return nil
}

func (s *Store) cloneTemplate(dir string, vars map[string]string) error {
	return filepath.WalkDir(s.templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.templateDir, path)
		if err != nil || rel == "." {
			return nil
		}
		target := filepath.Join(dir, interpolate(rel, vars))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if _, err := os.Stat(target); err == nil {
			return nil // never overwrite
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, []byte(interpolate(string(data), vars)), 0o644)
	})
}

// interpolate substitutes {{key}} placeholders.
func interpolate(text string, vars map[string]string) string {
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	return text
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

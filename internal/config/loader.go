package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const fileName = "jvConfig.json"

// ConfigPath returns the configuration file path for a project root.
func ConfigPath(root string) string {
	return filepath.Join(root, fileName)
}

// Load reads and parses the config file under root.
// A missing file yields the defaults; a malformed one warns and yields the
// defaults so a bad edit never takes the server down.
func Load(root string) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	cfg := DefaultConfig()
	cfg.ProjectRoot = abs

	data, err := os.ReadFile(ConfigPath(abs))
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		fmt.Printf("Warning: failed to parse %s: %v\n", ConfigPath(abs), err)
		fmt.Println("Using default configuration.")
		cfg = DefaultConfig()
		cfg.ProjectRoot = abs
		return &cfg, nil
	}

	cfg.ProjectRoot = abs
	return &cfg, nil
}

// Save writes cfg to its project root as indented JSON.
func Save(cfg *Config) error {
	if err := os.MkdirAll(cfg.ProjectRoot, 0o755); err != nil {
		return fmt.Errorf("create project root: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(ConfigPath(cfg.ProjectRoot), data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

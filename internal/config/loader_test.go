package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Control.Port != 18791 {
		t.Errorf("expected default port, got %d", cfg.Control.Port)
	}
	if cfg.ProjectRoot != dir {
		t.Errorf("expected root %q, got %q", dir, cfg.ProjectRoot)
	}
}

func TestLoad_MalformedFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLMCLI.Binary != "claude" {
		t.Errorf("expected default binary, got %q", cfg.LLMCLI.Binary)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ProjectRoot = dir
	cfg.Control.Token = "secret"
	cfg.Gateway.URL = "wss://gw.example/ws"

	if err := Save(&cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Control.Token != "secret" {
		t.Errorf("token not persisted: %q", got.Control.Token)
	}
	if got.Gateway.URL != "wss://gw.example/ws" {
		t.Errorf("gateway url not persisted: %q", got.Gateway.URL)
	}
}

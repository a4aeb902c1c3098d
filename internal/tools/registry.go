// Package tools implements hierarchical per-agent tool discovery and
// execution. Tools come from two places: built-ins compiled into the
// binary, and YAML manifests discovered under tools/ directories. The
// discovery order is bundled → project root → parent chain root-to-self,
// later entries overriding earlier ones by name.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

const toolsDirName = "tools"

// Registry resolves and executes tools for agents.
type Registry struct {
	store  *store.Store
	broker *broker.Broker
	logger *slog.Logger

	builtins []schema.Tool

	mu       sync.Mutex
	services schema.ServiceStatuser
	cache    map[string]*cachedManifest
}

type cachedManifest struct {
	modTime time.Time
	tool    schema.Tool
}

// New builds a Registry with the bundled tool set.
func New(st *store.Store, bk *broker.Broker) *Registry {
	r := &Registry{
		store:  st,
		broker: bk,
		logger: slog.Default(),
		cache:  map[string]*cachedManifest{},
	}
	r.builtins = []schema.Tool{
		&MessageTool{},
		&WebFetchTool{},
		&ServicesStatusTool{},
		&SearchLogsTool{},
		&AskUserTool{},
	}
	return r
}

// SetServices late-binds the service supervisor handle. The supervisor
// starts after the registry, so this is set exactly once during bootstrap.
func (r *Registry) SetServices(s schema.ServiceStatuser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = s
}

// ListAgentTools returns the agent's effective tool set: bundled tools,
// project-root manifests, then parent-chain manifests root → self, with
// later entries overriding earlier ones by name.
func (r *Registry) ListAgentTools(agentID string) ([]schema.Tool, error) {
	byName := map[string]schema.Tool{}
	for _, t := range r.builtins {
		byName[t.Name()] = t
	}

	for _, dir := range r.toolDirs(agentID) {
		for _, t := range r.loadManifestDir(dir) {
			byName[t.Name()] = t
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]schema.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	return out, nil
}

// GetTool resolves one tool by name for an agent.
func (r *Registry) GetTool(agentID, name string) (schema.Tool, error) {
	all, err := r.ListAgentTools(agentID)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found for agent %q", name, agentID)
}

// ExecuteTool runs one tool with the enriched per-invocation context.
// Secrets are read here, at execution time, and never surface earlier.
func (r *Registry) ExecuteTool(ctx context.Context, agentID, toolName string, input map[string]any, sessionID string, askUser schema.AskUserFunc) schema.ToolResult {
	tool, err := r.GetTool(agentID, toolName)
	if err != nil {
		return schema.ToolResult{Output: err.Error(), IsError: true}
	}

	secrets, err := r.store.Secrets(agentID)
	if err != nil {
		r.logger.Warn("tools: secrets unreadable", "agent", agentID, "err", err)
		secrets = map[string]string{}
	}
	cfg, err := r.store.GetAgent(agentID)
	if err != nil {
		return schema.ToolResult{Output: fmt.Sprintf("agent %q: %v", agentID, err), IsError: true}
	}

	r.mu.Lock()
	services := r.services
	r.mu.Unlock()

	tc := schema.ToolContext{
		AgentID:     agentID,
		SessionID:   sessionID,
		ProjectRoot: r.store.Root(),
		Logger:      r.logger.With("agent", agentID, "tool", toolName),
		Broker:      r.broker,
		SearchLogs: func(query string, limit int) ([]schema.Message, error) {
			return r.broker.SearchLogs(agentID, query, limit)
		},
		Secrets:     secrets,
		AgentConfig: cfg,
		Services:    services,
		AskUser:     askUser,
	}
	return tool.Execute(ctx, input, tc)
}

// toolDirs lists manifest directories in precedence order: project root
// first, then the agent's ancestor chain from root to self.
func (r *Registry) toolDirs(agentID string) []string {
	dirs := []string{filepath.Join(r.store.Root(), toolsDirName)}

	norm, err := store.ValidateID(agentID)
	if err != nil {
		return dirs
	}
	segments := strings.Split(norm, "/")
	for i := 1; i <= len(segments); i++ {
		ancestor := strings.Join(segments[:i], "/")
		if dir, err := r.store.AgentDir(ancestor); err == nil {
			dirs = append(dirs, filepath.Join(dir, toolsDirName))
		}
	}
	return dirs
}

// loadManifestDir parses every *.yaml manifest in dir, reusing cached
// entries whose mtime has not moved.
func (r *Registry) loadManifestDir(dir string) []schema.Tool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []schema.Tool
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}

		r.mu.Lock()
		cached, ok := r.cache[path]
		r.mu.Unlock()
		if ok && cached.modTime.Equal(info.ModTime()) {
			out = append(out, cached.tool)
			continue
		}

		tool, err := loadManifest(path)
		if err != nil {
			r.logger.Warn("tools: skipping bad manifest", "path", path, "err", err)
			continue
		}
		r.mu.Lock()
		r.cache[path] = &cachedManifest{modTime: info.ModTime(), tool: tool}
		r.mu.Unlock()
		out = append(out, tool)
	}
	return out
}

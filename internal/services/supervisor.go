// Package services supervises the long-running ingress services declared
// under services/*.yaml: it starts them, restarts them when their manifest
// changes on disk, stops them when the manifest vanishes, and exposes a
// status view to the services_status tool.
package services

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

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

const servicesDirName = "services"

// Manifest is one services/<name>.yaml document.
type Manifest struct {
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"` // slack | telegram | webhook
	Description string            `yaml:"description"`
	Settings    map[string]string `yaml:"settings"`
}

// Service is one runnable ingress. Start blocks until ctx is cancelled.
type Service interface {
	Name() string
	Kind() string
	Start(ctx context.Context) error
}

// running tracks one started service instance.
type running struct {
	service Service
	cancel  context.CancelFunc
	modTime time.Time
	done    chan struct{}

	mu      sync.Mutex
	lastErr error
	stopped bool
}

// Supervisor owns the service lifecycle. One service failing never takes
// down the others or the supervisor itself.
type Supervisor struct {
	dir    string
	router schema.Router

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*running // manifest path → instance
}

// New builds a Supervisor over <projectRoot>/services.
func New(projectRoot string, router schema.Router) *Supervisor {
	return &Supervisor{
		dir:     filepath.Join(projectRoot, servicesDirName),
		router:  router,
		entries: map[string]*running{},
	}
}

// Start launches everything currently on disk, then watches the services
// directory and hot-reloads on changes. Blocks until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.Refresh()
	slog.Info("services: started", "count", len(s.Status()))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("services: watcher unavailable, hot reload disabled", "err", err)
		<-ctx.Done()
		s.StopAll()
		return ctx.Err()
	}
	defer watcher.Close()
	_ = os.MkdirAll(s.dir, 0o755)
	if err := watcher.Add(s.dir); err != nil {
		slog.Warn("services: cannot watch directory", "dir", s.dir, "err", err)
	}

	// Editors fire bursts of events per save; coalesce them.
	var pending *time.Timer
	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			s.StopAll()
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				<-ctx.Done()
				s.StopAll()
				return ctx.Err()
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, s.Refresh)
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				slog.Warn("services: watcher error", "err", err)
			}
		}
	}
}

// Refresh reconciles running services against the manifests on disk:
// vanished manifests stop, changed manifests restart, new ones start.
func (s *Supervisor) Refresh() {
	manifests := s.scan()

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, entry := range s.entries {
		m, stillThere := manifests[path]
		if stillThere && m.modTime.Equal(entry.modTime) {
			continue
		}
		entry.cancel()
		entry.mu.Lock()
		entry.stopped = true
		entry.mu.Unlock()
		delete(s.entries, path)
		if stillThere {
			slog.Info("services: restarting changed service", "name", entry.service.Name())
		} else {
			slog.Info("services: stopping removed service", "name", entry.service.Name())
		}
	}

	for path, m := range manifests {
		if _, ok := s.entries[path]; ok {
			continue
		}
		svc, err := s.build(m.manifest)
		if err != nil {
			slog.Warn("services: cannot build service", "path", path, "err", err)
			continue
		}
		s.startLocked(path, svc, m.modTime)
	}
}

// StopAll cancels every running service and waits briefly for exits.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	entries := make([]*running, 0, len(s.entries))
	for path, entry := range s.entries {
		entry.cancel()
		entry.mu.Lock()
		entry.stopped = true
		entry.mu.Unlock()
		entries = append(entries, entry)
		delete(s.entries, path)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.done:
		case <-time.After(2 * time.Second):
			slog.Warn("services: service slow to stop", "name", entry.service.Name())
		}
	}
}

// Status implements schema.ServiceStatuser.
func (s *Supervisor) Status() []schema.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schema.ServiceStatus, 0, len(s.entries))
	for _, entry := range s.entries {
		entry.mu.Lock()
		status := schema.ServiceStatus{
			Name:    entry.service.Name(),
			Kind:    entry.service.Kind(),
			Running: !entry.stopped && entry.lastErr == nil,
		}
		if entry.lastErr != nil {
			status.Error = entry.lastErr.Error()
		}
		entry.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type scanned struct {
	manifest Manifest
	modTime  time.Time
}

func (s *Supervisor) scan() map[string]scanned {
	out := map[string]scanned{}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(s.dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			slog.Warn("services: skipping bad manifest", "path", path, "err", err)
			continue
		}
		if m.Name == "" {
			m.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		out[path] = scanned{manifest: m, modTime: info.ModTime()}
	}
	return out
}

func (s *Supervisor) build(m Manifest) (Service, error) {
	switch m.Kind {
	case "slack":
		return newSlackService(m, s.router), nil
	case "telegram":
		return newTelegramService(m, s.router), nil
	case "webhook":
		return newWebhookService(m, s.router), nil
	default:
		return nil, fmt.Errorf("unknown service kind %q", m.Kind)
	}
}

// startLocked launches one service under the supervisor context. Caller
// holds s.mu.
func (s *Supervisor) startLocked(path string, svc Service, modTime time.Time) {
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	entry := &running{service: svc, cancel: cancel, modTime: modTime, done: make(chan struct{})}
	s.entries[path] = entry

	go func() {
		defer close(entry.done)
		slog.Info("services: starting", "name", svc.Name(), "kind", svc.Kind())
		err := svc.Start(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("services: service exited with error", "name", svc.Name(), "err", err)
			entry.mu.Lock()
			entry.lastErr = err
			entry.mu.Unlock()
		}
	}()
}

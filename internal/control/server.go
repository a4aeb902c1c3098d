// Package control implements the framed-JSON duplex control surface:
// token auth over a persistent websocket, a per-type handler registry,
// session streaming, broker wrappers, and the ask-user round-trip.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/store"
	"github.com/jeebsjenkins/openclaw/internal/tools"
	"github.com/jeebsjenkins/openclaw/internal/turns"
)

const (
	authTimeout  = 5 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second

	defaultAskTimeout = 5 * time.Minute
)

// Titler generates short session titles; implemented by triage.Client.
type Titler interface {
	Enabled() bool
	Title(ctx context.Context, prompt string) (string, error)
}

// handlerFunc processes one authenticated frame.
type handlerFunc func(c *client, reqID string, raw json.RawMessage)

// Server is the control surface listener.
type Server struct {
	cfg      config.ControlConfig
	store    *store.Store
	broker   *broker.Broker
	registry *tools.Registry
	runner   turns.Runner
	titler   Titler

	questions  *questionIndex
	askTimeout time.Duration
	lateMu     sync.Mutex // serializes late-answers file writes

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	mu      sync.Mutex
	clients map[*client]struct{}
	waiters map[string]chan string // questionId → answer
}

// New builds a Server. The handler registry is fixed at construction.
func New(cfg config.ControlConfig, st *store.Store, bk *broker.Broker, registry *tools.Registry, runner turns.Runner, titler Titler) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		broker:     bk,
		registry:   registry,
		runner:     runner,
		titler:     titler,
		questions:  newQuestionIndex(st.Root()),
		askTimeout: defaultAskTimeout,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:    map[*client]struct{}{},
		waiters:    map[string]chan string{},
	}
	s.registerHandlers()
	return s
}

// Start listens until ctx is cancelled. An empty token disables the
// surface entirely rather than running open.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Token == "" {
		slog.Warn("control: no token configured, surface disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("control: listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAllClients()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("control: serve: %w", err)
	}
}

// Handler returns the websocket endpoint for embedding in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("control: upgrade failed", "err", err)
		return
	}
	c := newClient(s, conn)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	go c.run()
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// broadcast pushes one frame to every authenticated client.
func (s *Server) broadcast(frame map[string]any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if c.isAuthed() {
			c.push(frame)
		}
	}
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

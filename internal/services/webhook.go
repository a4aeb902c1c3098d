package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/pathmatch"
	"github.com/jeebsjenkins/openclaw/internal/schema"
)

// WebhookService exposes a local HTTP endpoint; every request becomes one
// routed message. Responses are always 2xx once routing has been
// attempted, so upstream retry policy stays with the caller.
type WebhookService struct {
	name       string
	addr       string
	pathPrefix string
	router     schema.Router
}

func newWebhookService(m Manifest, router schema.Router) *WebhookService {
	host := m.Settings["host"]
	if host == "" {
		host = "127.0.0.1"
	}
	port := m.Settings["port"]
	if port == "" {
		port = "18792"
	}
	prefix := m.Settings["pathPrefix"]
	if prefix == "" {
		prefix = "webhook"
	}
	return &WebhookService{
		name:       m.Name,
		addr:       net.JoinHostPort(host, port),
		pathPrefix: prefix,
		router:     router,
	}
}

func (w *WebhookService) Name() string { return w.name }
func (w *WebhookService) Kind() string { return "webhook" }

func (w *WebhookService) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              w.addr,
		Handler:           w.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("webhook: listening", "service", w.name, "addr", w.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook: serve: %w", err)
	}
}

func (w *WebhookService) handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err == nil && len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil {
				payload = map[string]any{"body": string(body)}
			}
		}

		command := req.URL.Query().Get("command")
		if command == "" {
			command = "webhook"
		}
		path := pathmatch.Normalize(w.pathPrefix + "/" + strings.TrimPrefix(req.URL.Path, "/"))

		result, err := w.router.Route("webhook/"+w.name, path, schema.RouteOptions{
			Command:    command,
			Payload:    payload,
			Source:     schema.SourceWebhook,
			ExternalID: req.Header.Get("X-Delivery-Id"),
		})
		if err != nil {
			slog.Warn("webhook: route failed", "service", w.name, "path", path, "err", err)
		}

		// Acknowledge regardless of routing outcome.
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"ok":        err == nil,
			"delivered": result.Delivered,
			"unmatched": result.Unmatched,
		})
	})
}

// Package gateway maintains the authenticated duplex connection to the
// upstream message gateway. The server proves device identity by signing
// the gateway's challenge nonce with an ed25519 key persisted at the
// project root on first use.
package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/openclaw/internal/config"
)

const (
	keyFile          = ".gateway-key"
	handshakeTimeout = 10 * time.Second
	reconnectDelay   = 5 * time.Second
)

// Client is the upstream gateway connection. No request goes out before
// the challenge handshake has completed.
type Client struct {
	cfg  config.GatewayConfig
	key  ed25519.PrivateKey
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu     sync.Mutex
	conn   *websocket.Conn
	sendMu sync.Mutex
}

// New loads (or mints) the device key and builds a Client. A client with
// no configured URL is disabled.
func New(cfg config.GatewayConfig, projectRoot string) (*Client, error) {
	c := &Client{
		cfg: cfg,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
	if !c.Enabled() {
		return c, nil
	}
	key, err := loadOrCreateKey(filepath.Join(projectRoot, keyFile))
	if err != nil {
		return nil, err
	}
	c.key = key
	return c, nil
}

func (c *Client) Enabled() bool { return c.cfg.URL != "" }

// PublicKey returns the device's verification key.
func (c *Client) PublicKey() ed25519.PublicKey {
	return c.key.Public().(ed25519.PublicKey)
}

// Connect dials the gateway and completes the challenge handshake. Boot
// treats a failure here as fatal when a gateway is configured.
func (c *Client) Connect(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("gateway: not configured")
	}

	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", c.cfg.URL, err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	slog.Info("gateway: connected", "url", c.cfg.URL)
	return nil
}

// handshake waits for the challenge event and answers it with the signed
// connect token.
func (c *Client) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var challenge struct {
		Type  string `json:"type"`
		Nonce string `json:"nonce"`
	}
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("gateway: read challenge: %w", err)
	}
	if challenge.Type != "challenge" || challenge.Nonce == "" {
		return fmt.Errorf("gateway: unexpected first frame %q", challenge.Type)
	}

	token := c.connectToken(challenge.Nonce, time.Now())
	if err := conn.WriteJSON(map[string]any{"type": "connect", "device": token}); err != nil {
		return fmt.Errorf("gateway: send connect: %w", err)
	}

	var reply struct {
		Type  string `json:"type"`
		Error string `json:"error,omitempty"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("gateway: read connect reply: %w", err)
	}
	if reply.Type != "connect.ok" {
		return fmt.Errorf("gateway: handshake rejected: %s %s", reply.Type, reply.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// ConnectToken is the signed device identity sent in reply to a challenge.
type ConnectToken struct {
	DeviceID  string   `json:"deviceId"`
	ClientID  string   `json:"clientId"`
	Mode      string   `json:"mode"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	SignedAt  int64    `json:"signedAt"`
	Token     string   `json:"token"`
	Nonce     string   `json:"nonce"`
	PublicKey string   `json:"publicKey"`
	Signature string   `json:"signature"`
}

func (c *Client) connectToken(nonce string, now time.Time) ConnectToken {
	t := ConnectToken{
		DeviceID:  c.cfg.DeviceID,
		ClientID:  c.cfg.ClientID,
		Mode:      c.cfg.Mode,
		Role:      c.cfg.Role,
		Scopes:    c.cfg.Scopes,
		SignedAt:  now.UnixMilli(),
		Token:     c.cfg.Token,
		Nonce:     nonce,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey()),
	}
	sig := ed25519.Sign(c.key, []byte(t.SigningString()))
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return t
}

// SigningString is the canonical byte layout covered by the signature.
func (t ConnectToken) SigningString() string {
	return strings.Join([]string{
		t.DeviceID, t.ClientID, t.Mode, t.Role,
		strings.Join(t.Scopes, ","),
		fmt.Sprintf("%d", t.SignedAt),
		t.Token, t.Nonce,
	}, "|")
}

// Run keeps the connection alive until ctx is cancelled, reconnecting
// with a fixed delay. Connect must have succeeded once before Run.
func (c *Client) Run(ctx context.Context) error {
	if !c.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.readLoop(ctx, conn)
		}
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
		if err := c.Connect(ctx); err != nil {
			slog.Warn("gateway: reconnect failed", "err", err)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				slog.Warn("gateway: connection lost", "err", err)
			}
			return
		}
		slog.Debug("gateway: frame", "type", frame["type"])
	}
}

// SendChat delivers one outbound chat message through the gateway.
func (c *Client) SendChat(to, text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway: not connected")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.WriteJSON(map[string]any{
		"type":   "chat",
		"to":     to,
		"text":   text,
		"sentAt": time.Now().UnixMilli(),
	})
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ---------------------------------------------------------------------------

// loadOrCreateKey reads the hex-encoded ed25519 seed, minting one on
// first use.
func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("gateway: corrupt device key at %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("gateway: persist device key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

package control

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/openclaw/internal/broker"
)

// closeAuthFailed is the close code sent when authentication fails.
const closeAuthFailed = 4001

// streamSession is one in-flight session.start/continue on a client.
// The aborted flag suppresses further streamed frames; the subprocess is
// left to finish via its own timeout.
type streamSession struct {
	mu      sync.Mutex
	aborted bool
}

func (ss *streamSession) abort() {
	ss.mu.Lock()
	ss.aborted = true
	ss.mu.Unlock()
}

func (ss *streamSession) isAborted() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.aborted
}

// client is one control-surface connection.
type client struct {
	server *Server
	conn   *websocket.Conn

	sendMu sync.Mutex // serializes writes to conn

	mu        sync.Mutex
	authed    bool
	closed    bool
	sessions  map[string]*streamSession
	listeners []broker.CancelFunc
}

func newClient(s *Server, conn *websocket.Conn) *client {
	return &client{
		server:   s,
		conn:     conn,
		sessions: map[string]*streamSession{},
	}
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// run owns the connection: auth handshake, ping loop, then frame dispatch.
func (c *client) run() {
	defer c.close()

	if !c.handshake() {
		return
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(stopPing)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(raw)
	}
}

// handshake requires {type:"auth", token} within authTimeout, compared
// in constant time.
func (c *client) handshake() bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}

	var frame struct {
		Type  string `json:"type"`
		ReqID string `json:"reqId,omitempty"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "auth" {
		c.push(map[string]any{"type": "auth.error", "reqId": frame.ReqID, "error": "authentication required"})
		c.closeWith(closeAuthFailed, "authentication required")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(frame.Token), []byte(c.server.cfg.Token)) != 1 {
		c.push(map[string]any{"type": "auth.error", "reqId": frame.ReqID, "error": "invalid token"})
		c.closeWith(closeAuthFailed, "invalid token")
		return false
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.push(map[string]any{"type": "auth.ok", "reqId": frame.ReqID})
	return true
}

func (c *client) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.sendMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

// dispatch routes one authenticated frame to its handler.
func (c *client) dispatch(raw []byte) {
	var head struct {
		Type  string `json:"type"`
		ReqID string `json:"reqId,omitempty"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		c.push(map[string]any{"type": "error", "error": "malformed frame"})
		return
	}

	handler, ok := c.server.handlers[head.Type]
	if !ok {
		c.push(map[string]any{"type": "error", "reqId": head.ReqID, "error": "Unknown message type: " + head.Type})
		return
	}
	handler(c, head.ReqID, raw)
}

// push writes one frame; safe for concurrent use.
func (c *client) push(frame map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		slog.Debug("control: write failed", "err", err)
	}
}

// reply echoes reqId on a response frame.
func (c *client) reply(reqID string, frame map[string]any) {
	if reqID != "" {
		frame["reqId"] = reqID
	}
	c.push(frame)
}

// replyErr sends a typed error response for a request.
func (c *client) replyErr(reqID, frameType string, err error) {
	c.reply(reqID, map[string]any{"type": frameType + ".error", "error": err.Error()})
}

func (c *client) closeWith(code int, reason string) {
	c.sendMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.sendMu.Unlock()
	c.close()
}

// close releases everything the client holds: streaming sessions are
// aborted and broker listeners cancelled.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	listeners := c.listeners
	c.sessions = map[string]*streamSession{}
	c.listeners = nil
	c.mu.Unlock()

	for _, ss := range sessions {
		ss.abort()
	}
	for _, cancel := range listeners {
		cancel()
	}
	_ = c.conn.Close()
	c.server.dropClient(c)
}

func (c *client) trackSession(sid string) *streamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.sessions[sid]
	if ss == nil {
		ss = &streamSession{}
		c.sessions[sid] = ss
	}
	return ss
}

func (c *client) trackListener(cancel broker.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel()
		return
	}
	c.listeners = append(c.listeners, cancel)
}

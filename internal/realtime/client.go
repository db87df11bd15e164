package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pitchside/market-engine/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Client is one live connection. Outbound frames go through a buffered
// queue drained by the client's own writer goroutine, so a slow peer never
// blocks the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu          sync.Mutex
	send        chan []byte
	state       State
	accountID   string
	lastVersion uint64 // version of the newest account payload queued
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AccountID returns the authenticated account, if any.
func (c *Client) AccountID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID, c.state == StateAuthenticated
}

// enqueue queues a public frame. It never blocks.
func (c *Client) enqueue(typ MessageType, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	return c.trySend(typ, frame)
}

// enqueueAccount queues a frame read at version for accountID. It is
// dropped when the connection is not authenticated as that account or
// already queued a newer account payload.
func (c *Client) enqueueAccount(accountID string, version uint64, typ MessageType, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated || c.accountID != accountID {
		return false
	}
	if version < c.lastVersion {
		slog.Debug("ws stale account payload dropped",
			"client", c.id, "account", accountID, "version", version, "last", c.lastVersion)
		return false
	}
	c.lastVersion = version
	return c.trySend(typ, frame)
}

// authenticate binds the connection to accountID and queues its full
// snapshot. A repeated AUTH switches accounts. A repeated AUTH for the
// same account whose snapshot is older than a payload already queued is
// dropped and the connection keeps its state.
func (c *Client) authenticate(accountID string, version uint64, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	if c.state == StateAuthenticated && c.accountID == accountID && version < c.lastVersion {
		slog.Debug("ws stale snapshot dropped",
			"client", c.id, "account", accountID, "version", version, "last", c.lastVersion)
		return false
	}
	c.state = StateAuthenticated
	c.accountID = accountID
	c.lastVersion = version
	return c.trySend(TypeFullSnapshot, frame)
}

// trySend must be called with c.mu held.
func (c *Client) trySend(typ MessageType, frame []byte) bool {
	select {
	case c.send <- frame:
		metrics.WebSocketMessages.WithLabelValues(string(typ)).Inc()
		return true
	default:
		metrics.WebSocketDropped.Inc()
		slog.Warn("ws send queue full, message dropped", "client", c.id, "type", typ)
		return false
	}
}

// close moves the client to StateClosed and stops its writer. Safe to call
// more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	close(c.send)
}

// readPump handles inbound frames until the transport fails. Malformed
// frames are logged and ignored.
func (c *Client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("ws read failed", "client", c.id, "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("ws malformed message", "client", c.id, "err", err)
			continue
		}
		switch env.Type {
		case TypeAuth:
			var req AuthRequest
			if err := json.Unmarshal(env.Data, &req); err != nil || req.AccountID == "" {
				slog.Warn("ws malformed auth", "client", c.id)
				continue
			}
			c.hub.authenticate(c, req.AccountID)
		default:
			slog.Debug("ws message ignored", "client", c.id, "type", env.Type)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings through proxies.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

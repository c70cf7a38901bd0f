// Package gateway pushes broker events to connected agents over
// WebSocket. Each agent DID may hold several connections; pushes fan
// out to all of them. Slow consumers are disconnected rather than
// allowed to stall the hub.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-connection outbound queue. A full queue marks
	// the consumer as slow and the connection is closed with 1013.
	sendBuffer = 64

	maxMessageSize = 1 << 20
)

// Event is the frame pushed to agents.
type Event struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

// Hub tracks live connections per agent DID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	log     *slog.Logger
	now     func() time.Time
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		log:     log.With("component", "gateway"),
		now:     time.Now,
	}
}

func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Connected reports whether the agent has at least one live connection.
func (h *Hub) Connected(did string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[did]) > 0
}

// ConnectionCount returns the total number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Push delivers the event to every live connection of the agent. It
// returns true when at least one connection accepted the frame. A
// connection whose queue is full is closed as a slow consumer.
func (h *Hub) Push(did string, ev *Event) bool {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = h.now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal push event", "error", err)
		return false
	}

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[did]))
	for c := range h.clients[did] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		select {
		case c.send <- raw:
			delivered = true
		default:
			h.log.Warn("slow consumer, dropping connection", "agent", did)
			c.closeWith(websocket.CloseTryAgainLater, "send queue overflow")
		}
	}
	return delivered
}

// Close tears down every connection, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.did]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.did] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.did]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.did)
	}
}

// Client is one live WebSocket connection.
type Client struct {
	hub  *Hub
	did  string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func newClient(hub *Hub, did string, conn *websocket.Conn) *Client {
	return &Client{hub: hub, did: did, conn: conn, send: make(chan []byte, sendBuffer)}
}

// run blocks until the connection closes.
func (c *Client) run(ctx context.Context) {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(ctx)
	close(done)
}

// readPump drains incoming frames. Agents only send pong and close
// frames on this socket; anything else is ignored.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grid4/portal-devproxy/pkg/types"
	"github.com/grid4/portal-devproxy/server/internal/metrics"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 1024,
	// The page is served from the proxy port, so the origin never matches the
	// hub's port. The channel is unauthenticated by design of the dev tool.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Recorder is notified after each broadcast. Defined here at the consumer.
type Recorder interface {
	Record(ev types.WatchEvent, delivered int)
}

// Hub owns the set of connected hot-reload clients and fans out one
// ReloadMessage per WatchEvent to every client open at that moment.
type Hub struct {
	recorder Recorder

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool // set by closeAll; no clients are accepted afterwards

	broadcasts *metrics.Counter
	sent       *metrics.Counter
	dropped    *metrics.Counter
}

// client represents one connected browser tab.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	addr string
}

// Option configures a Hub.
type Option func(*Hub)

// WithRecorder reports every broadcast to r.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) { h.recorder = r }
}

// WithMetrics registers the hub's counters and client gauge in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(h *Hub) {
		h.broadcasts = reg.Counter("devproxy_broadcasts_total", "Reload events fanned out by the hub.")
		h.sent = reg.Counter("devproxy_ws_messages_total", "Reload messages queued to clients.")
		h.dropped = reg.Counter("devproxy_ws_clients_dropped_total", "Clients removed after a failed send.")
		reg.GaugeFunc("devproxy_ws_clients", "Connected hot-reload clients.", func() float64 {
			return float64(h.Count())
		})
	}
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run broadcasts every event received on events, in order, until ctx is
// cancelled or events is closed. It then closes all active connections.
func (h *Hub) Run(ctx context.Context, events <-chan types.WatchEvent) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast queues the ReloadMessage for ev to every currently connected
// client and returns how many accepted it. A client whose buffer is full is
// dropped; clients connecting later never see ev.
func (h *Hub) Broadcast(ev types.WatchEvent) int {
	data, err := json.Marshal(ev.Reload())
	if err != nil {
		slog.Error("ws: encode reload message", "file", ev.FilePath, "err", err)
		return 0
	}
	h.broadcasts.Inc()

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		queued, full := h.enqueue(c, data)
		if queued {
			delivered++
			h.sent.Inc()
		}
		if full {
			slog.Warn("ws: send buffer full, dropping client", "remote", c.addr)
			h.drop(c)
		}
	}

	slog.Info("ws: broadcast reload", "file", ev.FilePath, "clients", delivered)
	if h.recorder != nil {
		h.recorder.Record(ev, delivered)
	}
	return delivered
}

// ServeHTTP upgrades the connection and keeps the client registered until it
// disconnects or a send to it fails. Clients are never sent history.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufSize),
		addr: r.RemoteAddr,
	}
	if !h.register(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)) //nolint:errcheck
		conn.Close()
		return
	}
	defer h.unregister(c, "closed")

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

// register adds c unless the hub has stopped.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		slog.Debug("ws: client refused, hub stopped", "remote", c.addr)
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("ws: client connected", "remote", c.addr, "clients", n)
	return true
}

// unregister removes c and closes its send channel. It reports whether c was
// still registered.
func (h *Hub) unregister(c *client, reason string) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		slog.Info("ws: client disconnected", "remote", c.addr, "reason", reason, "clients", n)
	}
	return ok
}

// drop removes a client after a failed send.
func (h *Hub) drop(c *client) {
	if h.unregister(c, "send failed") {
		h.dropped.Inc()
	}
}

// enqueue offers data to c without blocking. A client that disconnected
// since the snapshot is skipped. The read lock keeps the send channel from
// being closed underneath the send.
func (h *Hub) enqueue(c *client, data []byte) (queued, full bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false, false
	}
	select {
	case c.send <- data:
		return true, false
	default:
		return false, true
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	slog.Info("ws: hub stopped, all clients closed")
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("ws: write failed", "remote", c.addr, "err", err)
				c.hub.drop(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Clients send nothing else. Blocks until the
// connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

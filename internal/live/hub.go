// Package live fans attendance events out to websocket subscribers of a session.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classroll/internal/attendance"
	"classroll/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operators authenticate with a bearer token before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
}

// Hub tracks subscribers per session. It implements attendance.Notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

// Subscribers returns the number of connected clients for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

// Notify delivers the event to every subscriber of its session. Slow clients
// whose buffers are full are dropped.
func (h *Hub) Notify(ctx context.Context, evt attendance.Event) {
	if evt.SessionID == "" {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logging.FromContext(ctx).Error("marshal live event", "error", err, "type", evt.Type)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[evt.SessionID] {
		select {
		case c.send <- payload:
		default:
			h.removeLocked(c)
		}
	}
	if evt.Type == attendance.EventSessionClosed {
		for c := range h.clients[evt.SessionID] {
			h.removeLocked(c)
		}
	}
}

// Serve upgrades the request and streams the session's events until the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, sessionID: sessionID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*client]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
	h.mu.Unlock()

	logger := logging.FromContext(r.Context())
	logger.Debug("live subscriber connected", "session_id", sessionID)
	go h.writePump(c, logger)
	go h.readPump(c)
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes the send channel exactly once; the write pump then closes the conn.
func (h *Hub) removeLocked(c *client) {
	set, ok := h.clients[c.sessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
	close(c.send)
}

// readPump drains control frames so pongs and close messages are processed.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("live write failed", "error", err, "session_id", c.sessionID)
				}
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pitboss-dev/pitboss/internal/db"
	"github.com/pitboss-dev/pitboss/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64KB

	// Number of stored events replayed to a fresh global subscriber.
	replayLimit = 50
)

// WSMessage represents a WebSocket message from a client.
type WSMessage struct {
	Type    string          `json:"type"` // subscribe, unsubscribe, ping
	StageID string          `json:"stage_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WSHandler manages WebSocket connections. Clients are read-only
// observers: they subscribe to one stage (or "*" for everything) and
// receive worker lifecycle events as they happen.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   events.Publisher
	db          *db.DB // optional, for replay on subscribe
	connections map[*websocket.Conn]*wsConnection
	mu          sync.RWMutex
	logger      *slog.Logger
}

// wsConnection tracks a single WebSocket connection.
type wsConnection struct {
	conn         *websocket.Conn
	mu           sync.Mutex // protects stageID, eventChan, unsubscribed
	stageID      string
	eventChan    <-chan events.Event
	send         chan []byte
	done         chan struct{}
	unsubscribed bool
}

// NewWSHandler creates a new WebSocket handler. database may be nil;
// replay is skipped without it.
func NewWSHandler(pub events.Publisher, database *db.DB, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // observers only, no mutations over this socket
			},
		},
		publisher:   pub,
		db:          database,
		connections: make(map[*websocket.Conn]*wsConnection),
		logger:      logger,
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[conn] = wsConn
	h.mu.Unlock()

	go h.readPump(wsConn)
	go h.writePump(wsConn)
}

// readPump reads messages from the WebSocket connection.
func (h *WSHandler) readPump(c *wsConnection) {
	defer func() {
		h.closeConnection(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}

		h.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; batching would produce invalid JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming WebSocket messages.
func (h *WSHandler) handleMessage(c *wsConnection, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		h.handleSubscribe(c, msg.StageID)
	case "unsubscribe":
		h.handleUnsubscribe(c)
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		h.sendError(c, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe subscribes the connection to a stage's events.
// Use stageID "*" to subscribe to all stage events (global subscription).
func (h *WSHandler) handleSubscribe(c *wsConnection, stageID string) {
	if stageID == "" {
		h.sendError(c, "stage_id required for subscribe (use \"*\" for all stages)")
		return
	}

	// Unsubscribe from previous stage if any
	h.handleUnsubscribe(c)

	c.mu.Lock()
	c.stageID = stageID
	c.eventChan = h.publisher.Subscribe(stageID)
	c.unsubscribed = false
	c.mu.Unlock()

	go h.forwardEvents(c)

	h.sendJSON(c, map[string]any{
		"type":     "subscribed",
		"stage_id": stageID,
	})

	// Global subscribers get recent history so a reconnecting client
	// sees what happened while it was away.
	if stageID == events.GlobalStageID {
		h.replayRecent(c)
	}
	h.logger.Debug("websocket subscribed", "stage_id", stageID)
}

// replayRecent sends the tail of the stored event log to a connection.
func (h *WSHandler) replayRecent(c *wsConnection) {
	if h.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := h.db.RecentEvents(ctx, replayLimit)
	if err != nil {
		h.logger.Warn("event replay failed", "error", err)
		return
	}

	for _, row := range rows {
		var data json.RawMessage
		if row.Payload != "" {
			data = json.RawMessage(row.Payload)
		}
		h.sendJSON(c, map[string]any{
			"type":     "event",
			"event":    row.EventType,
			"stage_id": row.StageID,
			"data":     data,
			"time":     row.CreatedAt,
			"replay":   true,
		})
	}
}

// handleUnsubscribe unsubscribes the connection from the current stage.
func (h *WSHandler) handleUnsubscribe(c *wsConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stageID != "" && c.eventChan != nil && !c.unsubscribed {
		h.publisher.Unsubscribe(c.stageID, c.eventChan)
		c.unsubscribed = true
		c.stageID = ""
		c.eventChan = nil
	}
}

// forwardEvents forwards events from the publisher to the WebSocket.
func (h *WSHandler) forwardEvents(c *wsConnection) {
	c.mu.Lock()
	eventChan := c.eventChan
	c.mu.Unlock()

	if eventChan == nil {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}

			c.mu.Lock()
			unsubscribed := c.unsubscribed
			c.mu.Unlock()
			if unsubscribed {
				return
			}

			h.sendJSON(c, map[string]any{
				"type":     "event",
				"event":    string(event.Type),
				"stage_id": event.StageID,
				"data":     event.Data,
				"time":     event.Time,
			})
		}
	}
}

// closeConnection cleans up a WebSocket connection.
func (h *WSHandler) closeConnection(c *wsConnection) {
	h.mu.Lock()
	_, exists := h.connections[c.conn]
	if !exists {
		h.mu.Unlock()
		return // Already cleaned up
	}
	delete(h.connections, c.conn)
	h.mu.Unlock()

	h.handleUnsubscribe(c)

	select {
	case <-c.done:
		// Already closed
	default:
		close(c.done)
	}

	_ = c.conn.Close()
}

// sendJSON sends a JSON message to a connection.
func (h *WSHandler) sendJSON(c *wsConnection, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal JSON", "error", err)
		return
	}

	select {
	case c.send <- msg:
	default:
		// Buffer full, skip message
		h.logger.Warn("websocket send buffer full, dropping message")
	}
}

// sendError sends an error message to a connection.
func (h *WSHandler) sendError(c *wsConnection, message string) {
	h.sendJSON(c, map[string]any{
		"type":  "error",
		"error": message,
	})
}

// Broadcast sends an event to all connections subscribed to a stage.
func (h *WSHandler) Broadcast(stageID string, event events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.connections {
		if c.stageID == stageID {
			h.sendJSON(c, map[string]any{
				"type":     "event",
				"event":    string(event.Type),
				"stage_id": event.StageID,
				"data":     event.Data,
				"time":     event.Time,
			})
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close closes all connections.
func (h *WSHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.closeConnection(c)
	}
}

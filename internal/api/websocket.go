package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-evok/internal/fleet"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/logging"
)

// wsSendBufferSize is the per-client outbound message buffer size.
const wsSendBufferSize = 256

// Websocket config fallbacks when config leaves fields unset.
const (
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultMaxMessageSize = 4096
)

// WSMessage is the envelope for messages sent to stream clients.
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// stateView is the payload broadcast for every accepted merge.
type stateView struct {
	DeviceID    string `json:"device_id"`
	EntityKey   string `json:"entity_key"`
	DisplayName string `json:"display_name,omitempty"`
	CircuitID   string `json:"circuit_id"`
	CircuitType string `json:"circuit_type"`
	Value       any    `json:"value"`
	Source      string `json:"source"`
	VersionSeen uint64 `json:"version_seen"`
}

// notificationView converts a fleet notification to its broadcast payload.
func notificationView(n fleet.Notification) stateView {
	return stateView{
		DeviceID:    n.DeviceID,
		EntityKey:   n.EntityKey,
		DisplayName: n.DisplayName,
		CircuitID:   n.State.CircuitID,
		CircuitType: string(n.State.Type),
		Value:       n.State.Value,
		Source:      string(n.State.Source),
		VersionSeen: n.State.VersionSeen,
	}
}

// Hub manages websocket connections and broadcasts state events.
// Every connected client receives every accepted merge; there is no
// per-channel subscription model on the diagnostics feed.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected stream client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// upgrader configures the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Diagnostics feed is LAN-only; origin checks add nothing here.
		return true
	},
}

// NewHub creates a new websocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("stream client disconnected", "clients", h.ClientCount())
}

// Broadcast sends a state event to all connected clients.
// Clients whose send buffers are full are dropped rather than allowed to
// stall the feed.
func (h *Hub) Broadcast(payload any) {
	msg := WSMessage{
		Type:      "state",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.trySend(data) {
			h.logger.Warn("stream client too slow, disconnecting")
			h.Unregister(client)
			client.conn.Close()
		}
	}
}

// trySend attempts to queue data for the client. It reports false when
// the send buffer is full and absorbs sends on a channel closed by a
// concurrent Unregister (client disconnected during broadcast).
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			// Channel closed; client is already being torn down.
			sent = true
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleStream upgrades the HTTP connection to the live notification feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// pingInterval returns the configured ping interval or the default.
func pingInterval(cfg config.WebSocketConfig) time.Duration {
	if cfg.PingInterval > 0 {
		return time.Duration(cfg.PingInterval) * time.Second
	}
	return defaultPingInterval
}

// pongTimeout returns the configured pong timeout or the default.
func pongTimeout(cfg config.WebSocketConfig) time.Duration {
	if cfg.PongTimeout > 0 {
		return time.Duration(cfg.PongTimeout) * time.Second
	}
	return defaultPongTimeout
}

// readPump reads messages from the websocket connection.
// The feed is one-way; client messages only reset the read deadline.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	maxSize := int64(cfg.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	c.conn.SetReadLimit(maxSize)

	wait := pingInterval(cfg) + pongTimeout(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wait))
	}
}

// writePump writes messages to the websocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(pingInterval(cfg))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	wait := pongTimeout(cfg)

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package api provides HTTP API handlers and WebSocket support
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvrcore/engine/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth/sessions live outside this engine; the admin UI is assumed to
		// run on a trusted network, so every origin is accepted.
		return true
	},
}

// MessageType identifies the shape of a pushed message — one per
// internal/eventbus subject this hub relays to connected admin UIs
// (directory degradation, stream state, commits).
type MessageType string

const (
	MessageTypeCommit       MessageType = "commit"
	MessageTypeDirDegraded  MessageType = "dir_degraded"
	MessageTypeRetention    MessageType = "retention_evicted"
	MessageTypeStreamState  MessageType = "stream_state_changed"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
)

// Message is one WebSocket frame pushed to a connected admin UI client.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client represents a WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active clients and broadcasts messages. It
// subscribes to internal/eventbus directly, so every directory-degraded
// signal or commit notification the rest of the engine publishes reaches
// every connected admin UI without a direct call from the publisher —
// state crosses components by message, never by shared mutation.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "total_clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "total_clients", len(h.clients))

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscribeEventBus wires the hub to the subjects the rest of the engine
// publishes, relaying each as a WebSocket broadcast.
func (h *Hub) SubscribeEventBus(bus *eventbus.Bus) error {
	if _, err := eventbus.SubscribeTyped(bus, eventbus.SubjectSyncerCommitted, func(ev eventbus.CommitEvent) {
		h.Broadcast(Message{Type: MessageTypeCommit, Data: ev})
	}); err != nil {
		return err
	}
	if _, err := eventbus.SubscribeTyped(bus, eventbus.SubjectDirDegraded, func(ev eventbus.DirDegradedEvent) {
		h.Broadcast(Message{Type: MessageTypeDirDegraded, Data: ev})
	}); err != nil {
		return err
	}
	if _, err := eventbus.SubscribeTyped(bus, eventbus.SubjectRetentionEvicted, func(ev eventbus.RetentionEvictedEvent) {
		h.Broadcast(Message{Type: MessageTypeRetention, Data: ev})
	}); err != nil {
		return err
	}
	if _, err := eventbus.SubscribeTyped(bus, eventbus.SubjectStreamStateChanged, func(ev eventbus.StreamStateChangedEvent) {
		h.Broadcast(Message{Type: MessageTypeStreamState, Data: ev})
	}); err != nil {
		return err
	}
	return nil
}

// HandleWebSocket upgrades an HTTP connection and registers it with the hub
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming client frames (just keepalive pings).
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type == MessageTypePing {
		response := Message{Type: MessageTypePong, Timestamp: time.Now()}
		if data, err := json.Marshal(response); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

// Package opsstream is the broker's optional operator-facing event
// stream: a /ws endpoint broadcasting trade-detected, quota-denied, and
// dead-letter events for live observability. It is not part of the
// copy-trading data path — the Dispatcher never blocks on it.
package opsstream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one operator-facing notification broadcast to every
// connected client.
type Event struct {
	Type      string    `json:"type"` // "trade_detected", "quota_denied", "dead_letter"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewTradeDetectedEvent wraps a trade-detected payload for broadcast.
func NewTradeDetectedEvent(data any) Event {
	return Event{Type: "trade_detected", Timestamp: time.Now().UTC(), Data: data}
}

// NewQuotaDeniedEvent wraps a quota-denied payload for broadcast.
func NewQuotaDeniedEvent(data any) Event {
	return Event{Type: "quota_denied", Timestamp: time.Now().UTC(), Data: data}
}

// NewDeadLetterEvent wraps a dead-lettered message payload for broadcast.
func NewDeadLetterEvent(data any) Event {
	return Event{Type: "dead_letter", Timestamp: time.Now().UTC(), Data: data}
}

// Hub manages connected ops-stream clients and broadcasts events to
// them. Mirrors the dashboard Hub: a single select-loop owns
// registration, unregistration, and broadcast.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub constructs a Hub. Call Run in a goroutine before accepting
// connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger.With("component", "opsstream-hub"),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends evt to every connected client. Never blocks: a client
// whose send buffer is full is dropped rather than stalling the caller,
// since an operator disconnect must never back-pressure the dispatcher.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal ops event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ops broadcast channel full, dropping event", "type", evt.Type)
	}
}

// TradeDetected broadcasts a trade-detected event. Together with
// QuotaDenied it satisfies the narrow broadcaster interface
// internal/dispatcher depends on, so the dispatcher need not import this
// package's wire format. internal/bus reaches DeadLetter only through the
// func hook cmd/broker registers with Bus.OnDeadLetter.
func (h *Hub) TradeDetected(data any) {
	h.Broadcast(NewTradeDetectedEvent(data))
}

// QuotaDenied broadcasts a quota-denied event.
func (h *Hub) QuotaDenied(data any) {
	h.Broadcast(NewQuotaDeniedEvent(data))
}

// DeadLetter broadcasts a dead-lettered message event.
func (h *Hub) DeadLetter(data any) {
	h.Broadcast(NewDeadLetterEvent(data))
}

// Client is one connected WebSocket viewer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// NewClient registers conn with hub and starts its read/write pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("ops websocket error", "error", err)
			}
			break
		}
		// the stream is read-only; any inbound client frame is ignored.
	}
}

// Package websocket fans printer events out to connected UI clients.
package websocket

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const clientBuffer = 256

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	clients map[*Client]bool

	broadcast chan []byte

	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan []byte, 256),
		logger:    logger.With().Str("component", "websocket").Logger(),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client's send channel on the way out.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than stall the fan-out.
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn().Msg("WebSocket client send buffer full, dropping client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected client. It never blocks.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub. The client is registered when
// Register returns; after shutdown its send channel is closed instead.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(client.send)
		return
	}
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("clients", total).Msg("WebSocket client connected")
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info().Int("clients", total).Msg("WebSocket client disconnected")
	}
}

// SendTo queues a message for a single registered client. It reports false
// when the client is gone or its buffer is full.
func (h *Hub) SendTo(client *Client, message []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return false
	}
	select {
	case client.send <- message:
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

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	send chan []byte
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, clientBuffer),
	}
}

// Send returns the channel of messages queued for the client. It is closed
// when the hub drops the client.
func (c *Client) Send() <-chan []byte {
	return c.send
}

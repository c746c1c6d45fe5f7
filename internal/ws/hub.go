// Package ws implements the real-time event broadcaster: a websocket hub
// that fans settlement events out to subscribers. Delivery is best-effort
// and at-most-once; a slow consumer is dropped rather than allowed to block
// the engine.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the wire envelope for broadcast messages.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub fans events out to all connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// HandleUpgrade upgrades an HTTP request into a hub subscription.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

// Publish serializes the event and queues it to every subscriber. Failures
// are logged and never propagated; notification delivery stays decoupled
// from settlement.
func (h *Hub) Publish(event string, payload any) {
	msg, err := json.Marshal(Event{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal broadcast event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop the event rather than block the caller.
			log.Warn().Str("event", event).Msg("Dropping event for slow websocket client")
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Int("clients", h.Count()).Msg("Websocket client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

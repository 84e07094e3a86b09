// Package opsfeed is the broker-internal WebSocket stream of tunnel
// lifecycle events (created, accrued, expired, closed), separate from the
// client-facing HTTP contract.
package opsfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"keyroute-broker/pkg/model"
)

// Event is one envelope fanned out to every connected admin subscriber.
type Event struct {
	Type     string    `json:"type"`
	TunnelID string    `json:"tunnel_id"`
	AgentID  string    `json:"agent_id"`
	Region   string    `json:"region"`
	At       time.Time `json:"at"`
}

// subscriberBuffer bounds how far a subscriber can fall behind before it
// is dropped, so one slow admin connection can never back up event
// delivery for everyone else.
const subscriberBuffer = 32

// Hub fans tunnel lifecycle events out to every connected subscriber.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[chan Event]struct{}),
	}
}

// Notify publishes one event to every current subscriber. Satisfies
// lifecycle.Notifier.
func (h *Hub) Notify(eventType string, t model.Tunnel) {
	h.Publish(Event{
		Type:     eventType,
		TunnelID: t.ID,
		AgentID:  t.AgentID,
		Region:   t.Region,
		At:       time.Now(),
	})
}

// Publish fans ev out to every subscriber without blocking. A subscriber
// whose channel is full is dropped rather than allowed to stall delivery.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}()

	go h.drainClientReads(conn)

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// drainClientReads discards anything the client sends, existing only to
// notice the connection closing so ServeHTTP can clean up promptly.
func (h *Hub) drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			return
		}
	}
}

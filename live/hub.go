// Package live is a best-effort websocket fan-out of bar/fill/PnL events
// to connected observers. The engine never blocks on it: a slow or absent
// subscriber drops events, it does not stall the bar pipeline.
package live

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rsheftel/barrunner/auth"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventType names the kind of payload carried by an Event.
type EventType string

const (
	EventBar  EventType = "bar"
	EventFill EventType = "fill"
	EventPnl  EventType = "pnl"
)

// Event is one fan-out message.
type Event struct {
	Type    EventType   `json:"type"`
	Bartime time.Time   `json:"bartime"`
	Payload interface{} `json:"payload"`
}

// client is one connected websocket observer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of connected clients and broadcasts Events to all
// of them, best-effort.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	auth *auth.Service
}

// NewHub creates a Hub; authService may be nil to skip token validation
// (suitable for a local-only run).
func NewHub(authService *auth.Service) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 4096),
		auth:       authService,
	}
}

// Run drives the Hub's event loop; callers start it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[live] client connected, total=%d", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Full buffer: drop rather than block the bar pipeline.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish enqueues ev for broadcast to every connected client. It never
// blocks: a full broadcast channel silently drops the event.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// ServeWs upgrades r to a websocket connection and registers it with h. If
// h.auth is set, the request must carry a valid bearer token in the
// "token" query parameter.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		token := r.URL.Query().Get("token")
		if _, err := h.auth.ValidateToken(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[live] upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go func() {
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() { h.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

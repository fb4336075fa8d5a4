// Package ws broadcasts order book snapshots to connected WebSocket clients.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rupeex/exchange/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	initOnce   sync.Once
	defaultHub *Hub
)

// Init returns the process-wide hub, creating it on the first call. Later
// calls return the same hub regardless of arguments.
func Init(log *zap.Logger) *Hub {
	initOnce.Do(func() {
		defaultHub = NewHub(log)
	})
	return defaultHub
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans the latest order book snapshot out to all connected clients.
// Snapshots are complete, not diffs, so a client missing an intermediate
// publish only ever sees slightly stale state, never wrong state.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	last    []byte // most recent snapshot, sent to new clients on connect
}

// NewHub creates an unstarted hub. Most callers want Init.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Publish sends the snapshot to every connected client. With no clients it
// only records the snapshot for future connections; it never fails the
// caller, write errors just drop the dead client.
func (h *Hub) Publish(book *models.OrderBook) {
	data, err := json.Marshal(book)
	if err != nil {
		h.log.Warn("failed to marshal order book", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.last = data
	var dead []*client
	for c := range h.clients {
		if err := c.write(data); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection, sends the latest snapshot, and keeps the
// client registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	// Send the cached snapshot and register under the same lock hold, so a
	// concurrent Publish cannot slip a newer snapshot in before the cached
	// one and leave the client with stale state.
	c := &client{conn: conn}
	h.mu.Lock()
	if h.last != nil {
		if err := c.write(h.last); err != nil {
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.clients[c] = true
	h.mu.Unlock()

	// Drain reads just to notice disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

package server

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/job"
)

// MaxClients bounds concurrent /ws/events connections
const MaxClients = 64

// Hub fans job events out to websocket clients. It implements job.EventSink
// and is handed to the executor before any job starts.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	drops   atomic.Int64
	logger  *zap.SugaredLogger
}

var _ job.EventSink = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  log.With(logger.FieldComponent, "server.hub"),
	}
}

// Publish sends ev to every subscribed client without blocking. Clients whose
// buffer is full are disconnected.
func (h *Hub) Publish(ev job.Event) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drops.Add(1)
		h.logger.Warnw("Client send buffer full, removing client",
			"client_id", c.id,
			"total_drops", h.drops.Load())
		h.unregister(c)
	}
}

// register adds a client unless the hub is full or closed.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= MaxClients {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Infow("Client connected", "client_id", c.id, "job_filter", c.job, "total_clients", len(h.clients))
	return true
}

// unregister removes a client and closes its send channel. Sends happen under
// the read lock, so closing under the write lock is safe.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many clients were removed for falling behind.
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

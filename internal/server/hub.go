package server

import (
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/session"
	"go.uber.org/zap"
)

const sendBufferSize = 256

// Hub tracks live websocket clients and implements the orchestrator's
// broadcast primitive. Sends are non-blocking: a client that cannot keep up
// has its connection dropped rather than stalling the fan-out. Enqueues and
// the channel close in remove share the hub mutex.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// remove closes the client's send channel under the hub mutex. Every send
// also happens under the mutex, so a close can never race a broadcast.
func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		delete(h.clients, connID)
		close(c.send)
	}
}

func encodeEvent(event session.Outbound, logger *zap.Logger) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("event encode failed", zap.String("type", event.Type), zap.Error(err))
		return nil, false
	}
	return data, true
}

// ToAll pushes the event to every connected client.
func (h *Hub) ToAll(event session.Outbound) {
	data, ok := encodeEvent(event, h.logger)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.enqueue(data)
	}
}

// ToOthers pushes the event to every client except the sender.
func (h *Hub) ToOthers(connID string, event session.Outbound) {
	data, ok := encodeEvent(event, h.logger)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.id == connID {
			continue
		}
		c.enqueue(data)
	}
}

// ToConn pushes the event to a single client.
func (h *Hub) ToConn(connID string, event session.Outbound) {
	data, ok := encodeEvent(event, h.logger)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, connected := h.clients[connID]
	if !connected {
		return
	}
	c.enqueue(data)
}

// Disconnect forcibly closes a client's connection. The read pump observes
// the close and runs the usual single cleanup path.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
}

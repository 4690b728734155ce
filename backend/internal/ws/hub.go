package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/protocol"
)

// Hub is the connection registry (connId -> conn). Rooms only know connection
// ids and deliver through Send, so nothing outside this package holds a socket.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
}

// Send enqueues payload for connID; false if the connection is gone or its queue is full.
func (h *Hub) Send(connID string, payload []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(payload)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends payload to every local connection.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	n := 0
	for _, c := range conns {
		if c.enqueue(payload) {
			n++
		}
	}
	return n
}

func (h *Hub) heartbeat(now time.Time, activeRooms int) protocol.HeartbeatOut {
	return protocol.HeartbeatOut{
		Type:                  protocol.TypeHeartbeat,
		Timestamp:             now,
		ActiveRoomCount:       activeRooms,
		ActiveConnectionCount: h.Count(),
	}
}

// RunHeartbeat sends a heartbeat to every connection each interval until ctx ends.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration, activeRooms func() int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b, err := json.Marshal(h.heartbeat(now, activeRooms()))
			if err != nil {
				continue
			}
			h.Broadcast(b)
		}
	}
}

// CloseAll closes every socket; read loops then clean up their rooms.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

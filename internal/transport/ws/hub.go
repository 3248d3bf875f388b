package ws

import (
	"sync"
	"time"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/session"
)

// client pairs a live connection with its consultation session.
type client struct {
	conn *Connection
	sess *session.Session
}

func (c *client) close() {
	c.sess.Close()
	_ = c.conn.Close()
}

// Hub tracks the active websocket clients for a transport instance.
type Hub struct {
	logger  *logging.Logger
	clients sync.Map // map[string]*client
}

func NewHub(logger *logging.Logger) *Hub {
	return &Hub{logger: logger}
}

func (h *Hub) register(id string, c *client) {
	h.clients.Store(id, c)
}

func (h *Hub) unregister(id string) {
	h.clients.Delete(id)
}

// SendTo delivers one frame to a specific client. Unknown or already closed
// clients are a no-op.
func (h *Hub) SendTo(id string, payload []byte) error {
	value, ok := h.clients.Load(id)
	if !ok {
		return nil
	}
	c, ok := value.(*client)
	if !ok {
		return nil
	}
	return c.conn.Send(payload)
}

// Broadcast delivers one frame to every active client and returns how many
// sends succeeded.
func (h *Hub) Broadcast(payload []byte) int {
	sent := 0
	h.clients.Range(func(_, value any) bool {
		c, ok := value.(*client)
		if !ok {
			return true
		}
		if err := c.conn.Send(payload); err != nil {
			h.logger.DebugTag("WebSocket", "broadcast to %s failed: %v", c.conn.ID(), err)
			return true
		}
		sent++
		return true
	})
	return sent
}

// Count exposes the number of active connections.
func (h *Hub) Count() int {
	count := 0
	h.clients.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// CloseAll terminates every active client.
func (h *Hub) CloseAll() {
	h.clients.Range(func(key, value any) bool {
		if c, ok := value.(*client); ok {
			c.close()
		}
		h.clients.Delete(key)
		return true
	})
}

// SweepStale closes clients that have been silent for longer than timeout
// and returns how many were dropped.
func (h *Hub) SweepStale(timeout time.Duration) int {
	swept := 0
	h.clients.Range(func(key, value any) bool {
		c, ok := value.(*client)
		if !ok || !c.conn.IsStale(timeout) {
			return true
		}
		h.logger.InfoTag("WebSocket", "closing stale connection %s, idle since %v",
			c.conn.ID(), c.conn.LastActive().Format(time.TimeOnly))
		c.close()
		h.clients.Delete(key)
		swept++
		return true
	})
	return swept
}

// RunSweeper sweeps stale clients on an interval until done closes.
func (h *Hub) RunSweeper(done <-chan struct{}, interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.SweepStale(timeout)
		case <-done:
			return
		}
	}
}

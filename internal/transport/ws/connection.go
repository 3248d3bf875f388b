package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a gorilla websocket with serialized writes and activity
// tracking. It is the event sink handed to the session layer.
type Connection struct {
	id         string
	socket     *websocket.Conn
	mu         sync.Mutex
	closed     atomic.Bool
	lastActive atomic.Int64
}

func NewConnection(id string, socket *websocket.Conn) *Connection {
	conn := &Connection{
		id:     id,
		socket: socket,
	}
	conn.touch()
	return conn
}

// Send writes one event frame. Sending on a closed connection is a benign
// no-op: the pipeline may still be emitting while the client goes away.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	c.touch()
	return nil
}

// ReadMessage receives one frame from the client.
func (c *Connection) ReadMessage() (int, []byte, error) {
	messageType, payload, err := c.socket.ReadMessage()
	if err == nil {
		c.touch()
	}
	return messageType, payload, err
}

// Close terminates the underlying socket once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.socket.Close()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// IsStale reports whether the client has been silent for longer than timeout.
func (c *Connection) IsStale(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(c.LastActive()) > timeout
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

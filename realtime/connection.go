// Package realtime tracks live websocket connections and the rooms they
// occupy. A room is the set of connections currently joined to one board.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"boardsync/domain"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var errConnClosed = errors.New("connection closed")

// Frame is the wire envelope for every server-to-client event.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Connection wraps a websocket and coordinates outbound writes via a
// buffered channel. The identity is attached once at authentication time
// and is immutable for the connection's lifetime.
type Connection struct {
	ID   string
	User domain.User

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection constructs a Connection for the given authenticated user.
func NewConnection(user domain.User, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		User:   user,
		ws:     ws,
		send:   make(chan []byte, 128),
		closed: make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per
// connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the buffer
// is full, the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// SendEvent marshals an event frame and enqueues it.
func (c *Connection) SendEvent(event string, data interface{}) error {
	payload, err := sonic.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close terminates the connection and stops the write loop.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		// send stays open so concurrent Send calls race only against the
		// closed signal, never a send on a closed channel.
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// Package transport wraps gorilla/websocket connections with the
// read/write pump pattern, handing parsed frames to a caller-supplied
// dispatcher and taking raw bytes to push outbound.
package transport

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 * 1024 * 1024
	sendBufferSize = 100
)

// Dispatcher receives each inbound frame read off a Connection.
type Dispatcher interface {
	HandleFrame(connID string, data []byte)
	HandleDisconnect(connID string)
}

// Connection is one live client connection, identified by ConnID — the
// value the Broadcaster's connection_to_user map keys on.
type Connection struct {
	ConnID string

	conn       *websocket.Conn
	dispatcher Dispatcher
	send       chan []byte
}

// NewConnection wraps an already-upgraded websocket.Conn.
func NewConnection(connID string, conn *websocket.Conn, dispatcher Dispatcher) *Connection {
	return &Connection{
		ConnID:     connID,
		conn:       conn,
		dispatcher: dispatcher,
		send:       make(chan []byte, sendBufferSize),
	}
}

// Send enqueues data for delivery. Returns false if the connection's
// outbound buffer is full, in which case the caller should treat the
// send as failed rather than block.
func (c *Connection) Send(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts down the outbound channel, unblocking WritePump.
func (c *Connection) Close() {
	defer func() { recover() }()
	close(c.send)
}

// ReadPump reads frames until the connection closes, handing each to
// the dispatcher, then reports disconnect. Run this in its own
// goroutine per connection.
func (c *Connection) ReadPump() {
	defer func() {
		c.dispatcher.HandleDisconnect(c.ConnID)
		if err := c.conn.Close(); err != nil {
			log.Printf("transport: close error for %s: %v", c.ConnID, err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("transport: read error for %s: %v", c.ConnID, err)
			}
			return
		}
		c.dispatcher.HandleFrame(c.ConnID, data)
	}
}

// WritePump drains the outbound queue to the socket and keeps it alive
// with periodic pings. Run this in its own goroutine per connection.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			log.Printf("transport: close error for %s: %v", c.ConnID, err)
		}
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("transport: write error for %s: %v", c.ConnID, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

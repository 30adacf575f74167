package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/copperline/agentrelay/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Client is a single WebSocket subscriber to the event stream.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan bus.Event, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// SendEvent queues an event for delivery. Slow clients drop events rather
// than blocking the broadcaster.
func (c *Client) SendEvent(event bus.Event) {
	select {
	case c.send <- event:
	case <-c.closed:
	default:
		slog.Warn("event stream backlog, dropping event", "client", c.id, "event", event.Name)
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Run pumps queued events to the socket until the peer disconnects or the
// context is cancelled. It also reads (and discards) inbound frames so
// close and pong control messages are processed.
func (c *Client) Run(ctx context.Context) {
	go c.readLoop()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				slog.Debug("event write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

package hub

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline   = 10 * time.Second
	idleTimeout     = 60 * time.Second
	heartbeatPeriod = idleTimeout * 9 / 10
	maxFrameBytes   = 4096
	queueDepth      = 256
)

// Client is one gateway connection. A user may hold several at once; events
// addressed to the user fan out to all of them.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	queue    chan []byte
	UserID   string
	Username string
}

func newClient(hub *Hub, conn *websocket.Conn, userID, username string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		queue:    make(chan []byte, queueDepth),
		UserID:   userID,
		Username: username,
	}
}

// enqueue reports false when the client has fallen queueDepth events behind.
// Only Run calls it.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.queue <- data:
		return true
	default:
		return false
	}
}

// closeQueue makes the writer send a close frame and exit. Only Run calls it.
func (c *Client) closeQueue() {
	close(c.queue)
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// listen consumes inbound frames until the peer goes away or stops answering
// heartbeats.
func (c *Client) listen() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idleTimeout)) }
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("ws read failed", "user_id", c.UserID, "err", err)
			}
			return
		}
		c.handleMessage(frame)
	}
}

// speak writes queued events and heartbeats. It exits when the queue is closed
// or a write fails.
func (c *Client) speak() {
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer func() {
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, open := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write failed", "user_id", c.UserID, "err", err)
				return
			}

		case <-heartbeat.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

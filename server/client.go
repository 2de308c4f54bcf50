package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/metronome/pulse/events"
)

// Websocket timeouts, following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 4096
)

// Client is a websocket connection streaming run events
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan events.RunEvent // bus subscription, closed on unsubscribe
	id        string
	jobID     string // only events of this job when set
	closeOnce sync.Once
}

// wants reports whether the client subscribed to ev
func (c *Client) wants(ev events.RunEvent) bool {
	return c.jobID == "" || c.jobID == ev.JobID
}

// readPump consumes control frames until the peer goes away
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// handleReadError logs unexpected websocket read errors.
// Expected closure codes are ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
	}
}

// writePump forwards events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(ev) {
				continue
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("WebSocket write failed", "client_id", c.id, "error", err)
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

func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is a single WebSocket consumer. Inbound messages are subscription
// commands; everything outbound goes through the buffered send channel.
type Client struct {
	id     string
	conn   *gorillaws.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// command is what clients send us.
type command struct {
	Action     string `json:"action"`
	InstanceID string `json:"instance_id,omitempty"`
}

func newClient(id string, conn *gorillaws.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		logger:        log.WithFields(zap.String("client_id", id)),
		subscriptions: make(map[string]bool),
	}
}

// wants reports whether an event tagged with instanceID should reach this
// client. Clients with no subscriptions get the firehose; events without an
// instance id (issue events, for example) always pass.
func (c *Client) wants(instanceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 || instanceID == "" {
		return true
	}
	return c.subscriptions[instanceID]
}

func (c *Client) subscribe(instanceID string) {
	c.mu.Lock()
	c.subscriptions[instanceID] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(instanceID string) {
	c.mu.Lock()
	delete(c.subscriptions, instanceID)
	c.mu.Unlock()
}

// readPump consumes commands until the connection drops.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleCommand(message)
	}
}

func (c *Client) handleCommand(message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.reply(map[string]string{"type": "error", "error": "invalid message"})
		return
	}

	switch cmd.Action {
	case "subscribe":
		if cmd.InstanceID == "" {
			c.reply(map[string]string{"type": "error", "error": "instance_id is required"})
			return
		}
		c.subscribe(cmd.InstanceID)
		c.reply(map[string]string{"type": "subscribed", "instance_id": cmd.InstanceID})
	case "unsubscribe":
		if cmd.InstanceID == "" {
			c.reply(map[string]string{"type": "error", "error": "instance_id is required"})
			return
		}
		c.unsubscribe(cmd.InstanceID)
		c.reply(map[string]string{"type": "unsubscribed", "instance_id": cmd.InstanceID})
	default:
		c.reply(map[string]string{"type": "error", "error": "unknown action"})
	}
}

func (c *Client) reply(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. It exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(gorillaws.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush whatever else is queued, one frame per message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package stream bridges the event bus to WebSocket consumers. Every event
// published on the agent.> and issue.> subjects is fanned out to connected
// clients; a client may narrow its feed to specific instances.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/events"
	"github.com/bullpen-dev/bullpen/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback; cross-origin browsers are local tools.
		return true
	},
}

// Frame is the wire envelope for events pushed to clients.
type Frame struct {
	Type  string     `json:"type"`
	Event *bus.Event `json:"event,omitempty"`
}

// Hub tracks WebSocket clients and relays bus events to them.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	relay      chan *bus.Event

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a hub over the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "stream-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relay:      make(chan *bus.Event, 256),
		clients:    make(map[*Client]bool),
	}
}

// Run subscribes to the bus and processes client traffic until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	subjects := []string{
		events.BuildAgentWildcardSubject(),
		events.BuildIssueWildcardSubject(),
	}
	subs := make([]bus.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			select {
			case h.relay <- event:
			default:
				h.logger.Warn("relay buffer full, dropping event", zap.String("type", event.Type))
			}
			return nil
		})
		if err != nil {
			h.logger.Error("failed to subscribe", zap.String("subject", subject), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	h.logger.Info("stream hub started")
	defer h.logger.Info("stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.relay:
			h.broadcast(event)
		}
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects. Registered as the gin handler for GET /ws.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h, h.logger)
	h.register <- client

	go client.writePump()
	client.readPump(c.Request.Context())
}

// ClientCount returns how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) broadcast(event *bus.Event) {
	data, err := json.Marshal(Frame{Type: "event", Event: event})
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	instanceID, _ := event.Data["instance_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(instanceID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer; the write pump will reap it.
		}
	}
}

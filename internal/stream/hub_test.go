package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/events"
	"github.com/bullpen-dev/bullpen/internal/events/bus"
)

func newTestHub(t *testing.T) (*Hub, *bus.MemoryBus, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	memBus := bus.NewMemoryBus(log)
	hub := NewHub(memBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.HandleConnection)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		memBus.Close()
	})
	return hub, memBus, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d clients, have %d", want, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *gorillaws.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

func TestHubRelaysBusEvents(t *testing.T) {
	hub, memBus, srv := newTestHub(t)
	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	event := bus.NewEvent(events.AgentStatusChanged, events.SourceEngine, map[string]any{
		"instance_id": "work-42-1700000000000-abcdefghi",
		"status":      "working",
	})
	subject := events.BuildAgentSubject(events.AgentStatusChanged, "work-42-1700000000000-abcdefghi")
	if err := memBus.Publish(context.Background(), subject, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != "event" {
		t.Errorf("frame type = %q, want %q", frame.Type, "event")
	}
	if frame.Event == nil {
		t.Fatal("frame carries no event")
	}
	if frame.Event.Type != events.AgentStatusChanged {
		t.Errorf("event type = %q, want %q", frame.Event.Type, events.AgentStatusChanged)
	}
	if got := frame.Event.Data["status"]; got != "working" {
		t.Errorf("event status = %v, want working", got)
	}
}

func TestHubSubscriptionFiltering(t *testing.T) {
	_, memBus, srv := newTestHub(t)
	conn := dialHub(t, srv)

	// Narrow the feed to one instance. The ack round-trip guarantees the
	// subscription is in place before anything is published.
	sub := command{Action: "subscribe", InstanceID: "work-a"}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readRaw(t, conn)
	if ack["type"] != "subscribed" || ack["instance_id"] != "work-a" {
		t.Fatalf("unexpected ack: %v", ack)
	}

	publish := func(instanceID string) {
		event := bus.NewEvent(events.AgentTerminated, events.SourceEngine, map[string]any{
			"instance_id": instanceID,
		})
		subject := events.BuildAgentSubject(events.AgentTerminated, instanceID)
		if err := memBus.Publish(context.Background(), subject, event); err != nil {
			t.Fatalf("publish %s: %v", instanceID, err)
		}
	}
	publish("work-b")
	publish("work-a")

	frame := readFrame(t, conn)
	if got := frame.Event.Data["instance_id"]; got != "work-a" {
		t.Errorf("received event for %v, want work-a only", got)
	}
}

func TestHubIssueEventsBypassFiltering(t *testing.T) {
	_, memBus, srv := newTestHub(t)
	conn := dialHub(t, srv)

	if err := conn.WriteJSON(command{Action: "subscribe", InstanceID: "work-a"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	readRaw(t, conn)

	event := bus.NewEvent(events.IssueSynced, events.SourceGitHub, map[string]any{
		"count": 3,
	})
	if err := memBus.Publish(context.Background(), events.IssueSynced, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Event.Type != events.IssueSynced {
		t.Errorf("event type = %q, want %q", frame.Event.Type, events.IssueSynced)
	}
}

func TestHubRejectsUnknownAction(t *testing.T) {
	hub, _, srv := newTestHub(t)
	conn := dialHub(t, srv)
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(command{Action: "resubscribe"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readRaw(t, conn)
	if reply["type"] != "error" {
		t.Errorf("reply type = %v, want error", reply["type"])
	}
}

func TestClientWants(t *testing.T) {
	tests := []struct {
		name          string
		subscriptions []string
		instanceID    string
		want          bool
	}{
		{"no subscriptions gets everything", nil, "work-a", true},
		{"no subscriptions gets untagged", nil, "", true},
		{"subscribed instance passes", []string{"work-a"}, "work-a", true},
		{"other instance filtered", []string{"work-a"}, "work-b", false},
		{"untagged bypasses filter", []string{"work-a"}, "", true},
		{"multiple subscriptions", []string{"work-a", "work-b"}, "work-b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{subscriptions: make(map[string]bool)}
			for _, id := range tt.subscriptions {
				c.subscribe(id)
			}
			if got := c.wants(tt.instanceID); got != tt.want {
				t.Errorf("wants(%q) = %v, want %v", tt.instanceID, got, tt.want)
			}
		})
	}
}

func readRaw(t *testing.T, conn *gorillaws.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return payload
}

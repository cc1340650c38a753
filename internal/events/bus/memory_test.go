package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryBus(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	if b == nil {
		t.Fatal("expected non-nil bus")
	}
	if !b.IsConnected() {
		t.Error("expected new bus to be connected")
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("agent.created", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("agent.created", "workflow-engine", map[string]interface{}{
		"instance_id": "work-123-1700000000000-abc123def",
	})
	if err := b.Publish(context.Background(), "agent.created", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "agent.created" {
			t.Errorf("expected type agent.created, got %q", got.Type)
		}
		if got.Data["instance_id"] != "work-123-1700000000000-abc123def" {
			t.Errorf("unexpected payload: %v", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"exact", "agent.created", "agent.created", true},
		{"exact mismatch", "agent.created", "agent.terminated", false},
		{"single token", "agent.*", "agent.created", true},
		{"single token too deep", "agent.*", "agent.created.work-1", false},
		{"multi token", "agent.>", "agent.status_changed.work-1", true},
		{"multi token one level", "agent.>", "agent.created", true},
		{"multi token other root", "agent.>", "issue.synced", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var count int32
			sub, err := b.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
				atomic.AddInt32(&count, 1)
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}
			defer func() { _ = sub.Unsubscribe() }()

			event := NewEvent(tt.subject, "test", nil)
			if err := b.Publish(context.Background(), tt.subject, event); err != nil {
				t.Fatalf("publish failed: %v", err)
			}

			time.Sleep(100 * time.Millisecond)
			got := atomic.LoadInt32(&count) == 1
			if got != tt.match {
				t.Errorf("pattern %q vs subject %q: delivered=%v, want %v",
					tt.pattern, tt.subject, got, tt.match)
			}
		})
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	var total int32
	var wg sync.WaitGroup
	wg.Add(1)

	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("agent.created", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&total, 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe failed: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "agent.created", NewEvent("agent.created", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	wg.Wait()
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&total); got != 1 {
		t.Errorf("expected exactly one queue delivery, got %d", got)
	}
}

func TestMemoryBusQueueRoundRobin(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	var first, second int32
	var wg sync.WaitGroup

	if _, err := b.QueueSubscribe("agent.created", "workers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&first, 1)
		wg.Done()
		return nil
	}); err != nil {
		t.Fatalf("queue subscribe failed: %v", err)
	}
	if _, err := b.QueueSubscribe("agent.created", "workers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&second, 1)
		wg.Done()
		return nil
	}); err != nil {
		t.Fatalf("queue subscribe failed: %v", err)
	}

	wg.Add(4)
	for i := 0; i < 4; i++ {
		if err := b.Publish(context.Background(), "agent.created", NewEvent("agent.created", "test", nil)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	wg.Wait()

	if atomic.LoadInt32(&first) != 2 || atomic.LoadInt32(&second) != 2 {
		t.Errorf("expected 2/2 round-robin split, got %d/%d", first, second)
	}
}

func TestMemoryBusQueueSubscribeRequiresName(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	if _, err := b.QueueSubscribe("agent.created", "", func(ctx context.Context, event *Event) error {
		return nil
	}); err == nil {
		t.Error("expected error for empty queue name")
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("agent.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Error("expected fresh subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected unsubscribed subscription to be invalid")
	}

	if err := b.Publish(context.Background(), "agent.created", NewEvent("agent.created", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Error("expected no delivery after unsubscribe")
	}
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Subscribe("agent.ping", func(ctx context.Context, event *Event) error {
		reply, ok := event.Data["_reply"].(string)
		if !ok {
			t.Error("expected reply inbox in request data")
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("agent.pong", "test", map[string]interface{}{
			"ok": true,
		}))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	resp, err := b.Request(context.Background(), "agent.ping", NewEvent("agent.ping", "test", nil), 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Type != "agent.pong" {
		t.Errorf("expected pong response, got %q", resp.Type)
	}
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "agent.ping", NewEvent("agent.ping", "test", nil), 50*time.Millisecond)
	if err == nil {
		t.Error("expected timeout error with no responder")
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))

	sub, err := b.Subscribe("agent.created", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if sub.IsValid() {
		t.Error("expected close to deactivate subscriptions")
	}
	if err := b.Publish(context.Background(), "agent.created", NewEvent("agent.created", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("agent.created", func(ctx context.Context, event *Event) error {
		return nil
	}); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}

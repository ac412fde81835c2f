package consumer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/config"
	"manufacturing-priority-engine/internal/event"
	"manufacturing-priority-engine/internal/models"
)

func managerFixture(t *testing.T) (*Manager, *broker.Client, *fakeScheduler, *fakeStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisAddr:            mr.Addr(),
		ConnectAttempts:      3,
		ConnectBackoff:       5 * time.Millisecond,
		ConnectBackoffMax:    20 * time.Millisecond,
		ConsumerPollInterval: 10 * time.Millisecond,
		ConsumerBatchSize:    16,
		HandlerMaxAttempts:   3,
		HandlerRetryDelay:    5 * time.Millisecond,
		ShutdownTimeout:      2 * time.Second,
		DeadLetterTopic:      event.TopicDeadLetter,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := broker.New(cfg, log)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	sched := &fakeScheduler{}
	store := newFakeStore()
	h := NewHandlers(sched, store, b, log)
	return NewManager(b, h, log), b, sched, store
}

func TestStartAllConsumesAcrossTopics(t *testing.T) {
	m, b, sched, store := managerFixture(t)
	ctx := context.Background()

	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}

	if err := b.Publish(ctx, event.TopicWorkOrders, map[string]any{
		"type":        event.WorkOrderCreated,
		"workOrderId": "wo-42",
		"orderNumber": "WO-0042",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sched.mu.Lock()
		n := len(sched.scoreCalls)
		sched.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.scoreCalls) != 1 {
		t.Fatalf("score calls = %d, want exactly 1", len(sched.scoreCalls))
	}
	if got := sched.scoreCalls[0]; got.orderID != "wo-42" || got.typ != models.WorkOrder {
		t.Fatalf("unexpected score call: %+v", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(store.notifications))
	}
}

func TestStartAllRejectsSecondStart(t *testing.T) {
	m, _, _, _ := managerFixture(t)
	ctx := context.Background()

	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.StartAll(ctx); err == nil {
		t.Fatal("second start must fail on duplicate groups")
	}
}

func TestStopAllIsSafeTwice(t *testing.T) {
	m, _, _, _ := managerFixture(t)
	ctx := context.Background()

	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

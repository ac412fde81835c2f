package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/config"
	"manufacturing-priority-engine/internal/models"
	"manufacturing-priority-engine/internal/priority"
	"manufacturing-priority-engine/internal/ratelimit"
)

type fakeScheduler struct {
	queue    []models.PriorityQueueItem
	lastTier string
}

func (f *fakeScheduler) CalculatePriorityScore(_ context.Context, orderID string, _ models.OrderType) (models.PriorityScoreBreakdown, error) {
	if orderID == "missing" {
		return models.PriorityScoreBreakdown{}, fmt.Errorf("load: %w", priority.ErrOrderNotFound)
	}
	return models.PriorityScoreBreakdown{BaseScore: 4, TotalScore: 30}, nil
}

func (f *fakeScheduler) GetPriorityQueue(_ context.Context, _ string, limit int) ([]models.PriorityQueueItem, error) {
	if limit > len(f.queue) {
		limit = len(f.queue)
	}
	return f.queue[:limit], nil
}

func (f *fakeScheduler) OptimizeSchedule(_ context.Context, _ string) ([]models.PriorityQueueItem, error) {
	return f.queue, nil
}

func (f *fakeScheduler) HandlePriorityChange(_ context.Context, orderID, newTier, _ string) error {
	if orderID == "missing" {
		return fmt.Errorf("set tier: %w", priority.ErrOrderNotFound)
	}
	f.lastTier = newTier
	return nil
}

type fakeDLQ struct {
	msgs []broker.Message
}

func (f *fakeDLQ) DeadLetterPeek(_ context.Context, _ int64) ([]broker.Message, error) {
	return f.msgs, nil
}

func testServer(t *testing.T, sched *fakeScheduler, dlq *fakeDLQ) *httptest.Server {
	t.Helper()
	s := New(config.Config{QueueLimit: 50}, sched, dlq, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestCalculateEndpoint(t *testing.T) {
	srv := testServer(t, &fakeScheduler{}, &fakeDLQ{})

	resp, err := http.Post(srv.URL+"/orders/wo-1/priority/calculate", "application/json",
		strings.NewReader(`{"type":"WORK_ORDER"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var breakdown models.PriorityScoreBreakdown
	if err := json.NewDecoder(resp.Body).Decode(&breakdown); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if breakdown.TotalScore != 30 {
		t.Fatalf("total score = %v", breakdown.TotalScore)
	}
}

func TestCalculateRejectsUnknownType(t *testing.T) {
	srv := testServer(t, &fakeScheduler{}, &fakeDLQ{})

	resp, err := http.Post(srv.URL+"/orders/wo-1/priority/calculate", "application/json",
		strings.NewReader(`{"type":"PURCHASE_ORDER"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCalculateMissingOrderIs404(t *testing.T) {
	srv := testServer(t, &fakeScheduler{}, &fakeDLQ{})

	resp, err := http.Post(srv.URL+"/orders/missing/priority/calculate", "application/json",
		strings.NewReader(`{"type":"WORK_ORDER"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestQueueEndpoint(t *testing.T) {
	sched := &fakeScheduler{queue: []models.PriorityQueueItem{
		{ID: "wo-1", Priority: 30, DueDate: time.Now()},
		{ID: "wo-2", Priority: 12, DueDate: time.Now()},
	}}
	srv := testServer(t, sched, &fakeDLQ{})

	resp, err := http.Get(srv.URL + "/priority/queue?limit=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Items []models.PriorityQueueItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "wo-1" {
		t.Fatalf("items = %+v", body.Items)
	}
}

func TestPriorityChangeEndpoint(t *testing.T) {
	sched := &fakeScheduler{}
	srv := testServer(t, sched, &fakeDLQ{})

	resp, err := http.Post(srv.URL+"/orders/wo-1/priority", "application/json",
		strings.NewReader(`{"priority":"URGENT","reason":"escalation"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sched.lastTier != "URGENT" {
		t.Fatalf("tier = %s", sched.lastTier)
	}
}

func TestOptimizeRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Capacity covers exactly one optimize; the slow refill forces the
	// second call onto the retry-after path.
	limiter := ratelimit.NewTokenBucket(client, 5, 1, time.Hour)
	s := New(config.Config{QueueLimit: 50}, &fakeScheduler{}, &fakeDLQ{}, limiter)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	body := `{"work_center_id":"wc-1"}`
	first, err := http.Post(srv.URL+"/schedule/optimize", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second, err := http.Post(srv.URL+"/schedule/optimize", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("429 response should carry a Retry-After hint")
	}
}

func TestDLQEndpoint(t *testing.T) {
	dlq := &fakeDLQ{msgs: []broker.Message{
		{Topic: "work-orders", Key: "wo-1", ID: "1-0", Value: []byte(`{"type":"WORK_ORDER_CREATED"}`)},
	}}
	srv := testServer(t, &fakeScheduler{}, dlq)

	resp, err := http.Get(srv.URL + "/dlq")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0]["topic"] != "work-orders" {
		t.Fatalf("items = %+v", body.Items)
	}
}

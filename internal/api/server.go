// Package api exposes the engine's collaborator-facing HTTP surface: score
// calculation, queue reads, schedule optimization, and priority changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/config"
	"manufacturing-priority-engine/internal/models"
	"manufacturing-priority-engine/internal/priority"
	"manufacturing-priority-engine/internal/ratelimit"
	"manufacturing-priority-engine/internal/telemetry"
)

// Scheduler is the priority service surface the API fronts.
type Scheduler interface {
	CalculatePriorityScore(ctx context.Context, orderID string, typ models.OrderType) (models.PriorityScoreBreakdown, error)
	GetPriorityQueue(ctx context.Context, workCenterID string, limit int) ([]models.PriorityQueueItem, error)
	OptimizeSchedule(ctx context.Context, workCenterID string) ([]models.PriorityQueueItem, error)
	HandlePriorityChange(ctx context.Context, orderID, newTier, reason string) error
}

// DeadLetterReader exposes the dead-letter stream for inspection.
type DeadLetterReader interface {
	DeadLetterPeek(ctx context.Context, count int64) ([]broker.Message, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg       config.Config
	scheduler Scheduler
	dlq       DeadLetterReader
	limiter   *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, scheduler Scheduler, dlq DeadLetterReader, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:       cfg,
		scheduler: scheduler,
		dlq:       dlq,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/orders/{id}/priority/calculate", s.handleCalculate)
	r.Post("/orders/{id}/priority", s.handlePriorityChange)
	r.Get("/priority/queue", s.handleQueue)
	r.Post("/schedule/optimize", s.handleOptimize)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type calculateRequest struct {
	Type models.OrderType `json:"type"`
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, costCalculate) {
		return
	}
	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type != models.ManufacturingOrder && req.Type != models.WorkOrder {
		http.Error(w, "type must be MANUFACTURING_ORDER or WORK_ORDER", http.StatusBadRequest)
		return
	}

	breakdown, err := s.scheduler.CalculatePriorityScore(r.Context(), chi.URLParam(r, "id"), req.Type)
	if err != nil {
		if errors.Is(err, priority.ErrOrderNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

type priorityChangeRequest struct {
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

func (s *Server) handlePriorityChange(w http.ResponseWriter, r *http.Request) {
	var req priorityChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		http.Error(w, "priority is required", http.StatusBadRequest)
		return
	}

	err := s.scheduler.HandlePriorityChange(r.Context(), chi.URLParam(r, "id"), req.Priority, req.Reason)
	if err != nil {
		if errors.Is(err, priority.ErrOrderNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.QueueLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	items, err := s.scheduler.GetPriorityQueue(r.Context(), r.URL.Query().Get("work_center_id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type optimizeRequest struct {
	WorkCenterID string `json:"work_center_id"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, costOptimize) {
		return
	}
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	items, err := s.scheduler.OptimizeSchedule(r.Context(), req.WorkCenterID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"work_center_id":  req.WorkCenterID,
		"optimized_count": len(items),
		"items":           items,
	})
}

// handleDLQ returns the newest dead-lettered envelopes.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.dlq.DeadLetterPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, map[string]any{
			"id":    m.ID,
			"topic": m.Topic,
			"key":   m.Key,
			"data":  string(m.Value),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Endpoint weights against the per-caller budget: a schedule optimization
// fans out to position writes and a republish, a calculate touches one order.
const (
	costCalculate = 1
	costOptimize  = 5
)

// allow applies the per-caller token bucket to the expensive endpoints.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.limiter == nil {
		return true
	}
	caller := r.Header.Get("X-Client-ID")
	if caller == "" {
		caller = "default"
	}
	d, err := s.limiter.Take(r.Context(), "rl:"+caller, cost)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		if d.RetryAfter > 0 {
			seconds := int64((d.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

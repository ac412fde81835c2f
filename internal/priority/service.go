// Package priority computes composite priority scores and re-ranks
// work-center schedules. All storage access goes through the narrow
// Repository interface so the algorithms stay unit-testable against an
// in-memory fake.
package priority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"manufacturing-priority-engine/internal/event"
	"manufacturing-priority-engine/internal/models"
	"manufacturing-priority-engine/internal/telemetry"
)

var (
	// ErrOrderNotFound means the order snapshot could not be loaded; the
	// caller's premise is invalid and retrying cannot help.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOptimizationFailed wraps any fetch or persistence failure during a
	// schedule optimization pass. Position updates are all-or-nothing.
	ErrOptimizationFailed = errors.New("schedule optimization failed")
)

// Repository is the persistence surface the engine consumes. The CRUD layer
// owns the schema; the engine writes back only scores and positions.
type Repository interface {
	LoadOrderSnapshot(ctx context.Context, id string, typ models.OrderType) (models.OrderSnapshot, error)
	PersistScore(ctx context.Context, id string, typ models.OrderType, score float64) error
	PersistPositions(ctx context.Context, items []models.PriorityQueueItem) error
	ListActiveWorkCenters(ctx context.Context) ([]models.WorkCenter, error)
	CountInProgress(ctx context.Context, workCenterIDs []string) (int, error)
	PriorityQueue(ctx context.Context, workCenterID string, limit int) ([]models.PriorityQueueItem, error)
	SetPriorityTier(ctx context.Context, id string, typ models.OrderType, tier string) error
}

// Publisher re-publishes derived events onto the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt map[string]any) error
}

var urgencyWeights = map[string]float64{
	models.TierUrgent: 4.0,
	models.TierHigh:   3.0,
	models.TierNormal: 2.0,
	models.TierLow:    1.0,
}

var customerTierWeights = map[string]float64{
	models.CustomerPlatinum: 1.5,
	models.CustomerGold:     1.3,
	models.CustomerSilver:   1.1,
	models.CustomerBronze:   1.0,
}

// Service computes scores and optimizes schedules. The clock is injectable
// so scoring is a pure function of its inputs.
type Service struct {
	repo          Repository
	publisher     Publisher
	log           *slog.Logger
	now           func() time.Time
	queueLimit    int
	optimizeLimit int
}

// New constructs the service with production defaults.
func New(repo Repository, publisher Publisher, log *slog.Logger) *Service {
	return &Service{
		repo:          repo,
		publisher:     publisher,
		log:           log,
		now:           time.Now,
		queueLimit:    50,
		optimizeLimit: 100,
	}
}

// WithClock overrides the wall clock. Intended for tests and replay.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLimits overrides the default queue page sizes.
func (s *Service) WithLimits(queueLimit, optimizeLimit int) *Service {
	if queueLimit > 0 {
		s.queueLimit = queueLimit
	}
	if optimizeLimit > 0 {
		s.optimizeLimit = optimizeLimit
	}
	return s
}

// CalculatePriorityScore loads the order snapshot, computes the five-factor
// composite score, persists it, and publishes PRIORITY_UPDATED.
func (s *Service) CalculatePriorityScore(ctx context.Context, orderID string, typ models.OrderType) (models.PriorityScoreBreakdown, error) {
	snap, err := s.repo.LoadOrderSnapshot(ctx, orderID, typ)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return models.PriorityScoreBreakdown{}, err
		}
		return models.PriorityScoreBreakdown{}, fmt.Errorf("load order %s: %w", orderID, err)
	}

	availability, err := s.resourceAvailability(ctx)
	if err != nil {
		return models.PriorityScoreBreakdown{}, fmt.Errorf("resource availability: %w", err)
	}

	now := s.now()
	breakdown := models.PriorityScoreBreakdown{
		BaseScore:            weightOrDefault(urgencyWeights, snap.Priority, 2.0),
		UrgencyMultiplier:    urgencyMultiplier(snap.DueDate, now),
		DeadlineFactor:       deadlineFactor(snap.DueDate, now),
		ResourceAvailability: availability,
		CustomerTier:         weightOrDefault(customerTierWeights, snap.CustomerTier, 1.0),
	}
	breakdown.TotalScore = breakdown.BaseScore *
		breakdown.UrgencyMultiplier *
		breakdown.DeadlineFactor *
		breakdown.ResourceAvailability *
		breakdown.CustomerTier

	if err := s.repo.PersistScore(ctx, orderID, typ, breakdown.TotalScore); err != nil {
		return models.PriorityScoreBreakdown{}, fmt.Errorf("persist score for %s: %w", orderID, err)
	}

	telemetry.ScoresComputed.Inc()
	s.log.Info("priority score computed",
		slog.String("order_id", orderID),
		slog.String("type", string(typ)),
		slog.Float64("score", breakdown.TotalScore))

	if err := s.publisher.Publish(ctx, event.TopicPriorityQueue, map[string]any{
		"type":          event.PriorityUpdated,
		"orderId":       orderID,
		"orderType":     string(typ),
		"workCenterId":  snap.WorkCenterID,
		"priorityScore": breakdown.TotalScore,
	}); err != nil {
		return models.PriorityScoreBreakdown{}, fmt.Errorf("publish priority update for %s: %w", orderID, err)
	}

	return breakdown, nil
}

// HandlePriorityChange persists a new priority tier, recomputes the score,
// and publishes PRIORITY_CHANGED.
func (s *Service) HandlePriorityChange(ctx context.Context, orderID, newTier, reason string) error {
	if err := s.repo.SetPriorityTier(ctx, orderID, models.WorkOrder, newTier); err != nil {
		return fmt.Errorf("set priority tier for %s: %w", orderID, err)
	}

	breakdown, err := s.CalculatePriorityScore(ctx, orderID, models.WorkOrder)
	if err != nil {
		return err
	}

	if err := s.publisher.Publish(ctx, event.TopicPriorityQueue, map[string]any{
		"type":          event.PriorityChanged,
		"orderId":       orderID,
		"newPriority":   newTier,
		"reason":        reason,
		"priorityScore": breakdown.TotalScore,
	}); err != nil {
		return fmt.Errorf("publish priority change for %s: %w", orderID, err)
	}

	s.log.Info("priority changed",
		slog.String("order_id", orderID),
		slog.String("new_priority", newTier),
		slog.String("reason", reason))
	return nil
}

// GetPriorityQueue returns the ranked pending queue, optionally scoped to
// one work center.
func (s *Service) GetPriorityQueue(ctx context.Context, workCenterID string, limit int) ([]models.PriorityQueueItem, error) {
	if limit <= 0 {
		limit = s.queueLimit
	}
	items, err := s.repo.PriorityQueue(ctx, workCenterID, limit)
	if err != nil {
		return nil, fmt.Errorf("priority queue: %w", err)
	}
	return items, nil
}

// urgencyMultiplier steps on whole days until due, ceil((due-now)/24h). Any
// due date strictly in the past is maximally urgent, including the first
// overdue day where the ceiling still rounds to zero.
func urgencyMultiplier(due, now time.Time) float64 {
	if due.Before(now) {
		return 3.0
	}
	days := int(math.Ceil(due.Sub(now).Hours() / 24))
	switch {
	case days == 0:
		return 2.5
	case days <= 1:
		return 2.0
	case days <= 3:
		return 1.5
	case days <= 7:
		return 1.2
	default:
		return 1.0
	}
}

// deadlineFactor steps on hours until due, a finer-grained re-weighting
// independent of the day bucket.
func deadlineFactor(due, now time.Time) float64 {
	hours := due.Sub(now).Hours()
	switch {
	case hours < 0:
		return 3.0
	case hours <= 24:
		return 2.5
	case hours <= 72:
		return 2.0
	case hours <= 168:
		return 1.5
	default:
		return 1.0
	}
}

// resourceAvailability aggregates capacity and in-progress counts across all
// active work centers. The global aggregation (rather than the target work
// center alone) mirrors the production behavior. The ratio floor of 0.1 also
// covers a total capacity of zero, clamping the factor to [0.65, 2.0].
func (s *Service) resourceAvailability(ctx context.Context) (float64, error) {
	centers, err := s.repo.ListActiveWorkCenters(ctx)
	if err != nil {
		return 0, err
	}

	totalCapacity := 0
	ids := make([]string, 0, len(centers))
	for _, wc := range centers {
		totalCapacity += wc.Capacity
		ids = append(ids, wc.ID)
	}

	inProgress, err := s.repo.CountInProgress(ctx, ids)
	if err != nil {
		return 0, err
	}

	ratio := 0.1
	if totalCapacity > 0 {
		ratio = math.Max(0.1, float64(totalCapacity-inProgress)/float64(totalCapacity))
	}
	return 0.5 + ratio*1.5, nil
}

func weightOrDefault(weights map[string]float64, key string, def float64) float64 {
	if w, ok := weights[key]; ok {
		return w
	}
	return def
}

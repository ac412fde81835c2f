package priority

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"manufacturing-priority-engine/internal/event"
	"manufacturing-priority-engine/internal/models"
	"manufacturing-priority-engine/internal/telemetry"
)

// scoreEpsilon is the band within which two scores are considered tied and
// the earlier due date wins.
const scoreEpsilon = 0.1

// OptimizeSchedule re-ranks the pending queue for one work center (or
// globally when workCenterID is empty) and persists the new 1-based
// positions in a single transaction. Partial updates are never left behind.
func (s *Service) OptimizeSchedule(ctx context.Context, workCenterID string) ([]models.PriorityQueueItem, error) {
	queue, err := s.repo.PriorityQueue(ctx, workCenterID, s.optimizeLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch queue: %v", ErrOptimizationFailed, err)
	}
	if len(queue) == 0 {
		// Nothing to rank, but collaborators still observe the pass.
		if err := s.publisher.Publish(ctx, event.TopicPriorityQueue, map[string]any{
			"type":           event.ScheduleOptimized,
			"workCenterId":   workCenterID,
			"optimizedCount": 0,
		}); err != nil {
			return nil, fmt.Errorf("%w: publish: %v", ErrOptimizationFailed, err)
		}
		return nil, nil
	}

	ranked := Rank(queue)
	for i := range ranked {
		ranked[i].SchedulePosition = i + 1
	}

	if err := s.repo.PersistPositions(ctx, ranked); err != nil {
		return nil, fmt.Errorf("%w: persist positions: %v", ErrOptimizationFailed, err)
	}

	telemetry.OptimizerRuns.Inc()
	s.log.Info("schedule optimized",
		slog.String("work_center_id", workCenterID),
		slog.Int("optimized_count", len(ranked)))

	if err := s.publisher.Publish(ctx, event.TopicPriorityQueue, map[string]any{
		"type":           event.ScheduleOptimized,
		"workCenterId":   workCenterID,
		"optimizedCount": len(ranked),
	}); err != nil {
		return nil, fmt.Errorf("%w: publish: %v", ErrOptimizationFailed, err)
	}

	return ranked, nil
}

// Rank sorts a queue copy descending by score; scores within scoreEpsilon of
// each other tie-break by ascending due date. The sort is stable, so an
// unchanged input produces an unchanged ordering run over run.
func Rank(queue []models.PriorityQueueItem) []models.PriorityQueueItem {
	out := make([]models.PriorityQueueItem, len(queue))
	copy(out, queue)
	slices.SortStableFunc(out, func(a, b models.PriorityQueueItem) int {
		if math.Abs(a.Priority-b.Priority) < scoreEpsilon {
			return a.DueDate.Compare(b.DueDate)
		}
		return cmp.Compare(b.Priority, a.Priority)
	})
	return out
}

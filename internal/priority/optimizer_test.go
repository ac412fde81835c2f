package priority

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"manufacturing-priority-engine/internal/models"
)

func queueItem(id string, score float64, due time.Time) models.PriorityQueueItem {
	return models.PriorityQueueItem{
		ID:       id,
		Type:     models.WorkOrder,
		Priority: score,
		DueDate:  due,
	}
}

func TestRankOrdersByScoreDescending(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	queue := []models.PriorityQueueItem{
		queueItem("low", 5.0, base),
		queueItem("high", 30.0, base),
		queueItem("mid", 12.0, base),
	}

	ranked := Rank(queue)
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, ranked[i].ID, id)
		}
	}
}

func TestRankTieBreaksByDueDate(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	queue := []models.PriorityQueueItem{
		queueItem("later", 10.05, base.Add(72*time.Hour)),
		queueItem("sooner", 10.0, base.Add(24*time.Hour)),
	}

	// Scores differ by less than the epsilon band, so the earlier due date
	// wins despite the marginally lower score.
	ranked := Rank(queue)
	if ranked[0].ID != "sooner" {
		t.Fatalf("tie within epsilon should rank earlier due date first, got %s", ranked[0].ID)
	}

	// Widen the gap past the band and the higher score wins again.
	queue[0].Priority = 10.2
	ranked = Rank(queue)
	if ranked[0].ID != "later" {
		t.Fatalf("score gap beyond epsilon should rank higher score first, got %s", ranked[0].ID)
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	queue := []models.PriorityQueueItem{
		queueItem("a", 1.0, base),
		queueItem("b", 2.0, base),
	}
	_ = Rank(queue)
	if queue[0].ID != "a" || queue[1].ID != "b" {
		t.Fatalf("input slice was reordered: %v, %v", queue[0].ID, queue[1].ID)
	}
}

func TestRankPermutationInvariant(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	queue := []models.PriorityQueueItem{
		queueItem("a", 40.0, base.Add(24*time.Hour)),
		queueItem("b", 25.0, base.Add(48*time.Hour)),
		queueItem("c", 25.04, base.Add(12*time.Hour)),
		queueItem("d", 8.0, base.Add(96*time.Hour)),
		queueItem("e", 8.05, base.Add(240*time.Hour)),
	}

	want := Rank(queue)
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]models.PriorityQueueItem, len(queue))
		copy(shuffled, queue)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got := Rank(shuffled)
		for i := range want {
			if got[i].ID != want[i].ID {
				t.Fatalf("trial %d: position %d = %s, want %s", trial, i, got[i].ID, want[i].ID)
			}
		}
	}
}

func TestRankIdempotent(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	queue := []models.PriorityQueueItem{
		queueItem("a", 10.0, base.Add(24*time.Hour)),
		queueItem("b", 10.05, base.Add(48*time.Hour)),
		queueItem("c", 3.0, base),
	}

	once := Rank(queue)
	twice := Rank(once)
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Fatalf("re-ranking a ranked queue changed position %d: %s -> %s", i, once[i].ID, twice[i].ID)
		}
	}
}

func TestOptimizeScheduleAssignsPositions(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.queue = []models.PriorityQueueItem{
		queueItem("low", 5.0, base),
		queueItem("high", 30.0, base),
		queueItem("mid", 12.0, base),
	}
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, base)

	ranked, err := svc.OptimizeSchedule(context.Background(), "wc-1")
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}

	for i, item := range ranked {
		if item.SchedulePosition != i+1 {
			t.Fatalf("item %s position = %d, want %d", item.ID, item.SchedulePosition, i+1)
		}
	}
	if len(repo.positionWrites) != 1 {
		t.Fatalf("expected one position write batch, got %d", len(repo.positionWrites))
	}

	events := pub.byType("SCHEDULE_OPTIMIZED")
	if len(events) != 1 {
		t.Fatalf("expected one SCHEDULE_OPTIMIZED, got %d", len(events))
	}
	if events[0]["optimizedCount"] != 3 {
		t.Fatalf("optimizedCount = %v, want 3", events[0]["optimizedCount"])
	}
}

func TestOptimizeScheduleEmptyQueue(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, time.Now())

	ranked, err := svc.OptimizeSchedule(context.Background(), "wc-1")
	if err != nil {
		t.Fatalf("optimize on empty queue: %v", err)
	}
	if ranked != nil {
		t.Fatalf("expected nil result, got %v", ranked)
	}
	if len(repo.positionWrites) != 0 {
		t.Fatalf("no positions should be written for an empty queue, got %d batches", len(repo.positionWrites))
	}

	// Collaborators still observe the pass, with a zero count.
	events := pub.byType("SCHEDULE_OPTIMIZED")
	if len(events) != 1 {
		t.Fatalf("expected one SCHEDULE_OPTIMIZED, got %d", len(events))
	}
	if events[0]["optimizedCount"] != 0 {
		t.Fatalf("optimizedCount = %v, want 0", events[0]["optimizedCount"])
	}
}

func TestOptimizeScheduleAbortsOnPersistFailure(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.queue = []models.PriorityQueueItem{queueItem("a", 5.0, base)}
	repo.persistErr = errors.New("connection reset")
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, base)

	_, err := svc.OptimizeSchedule(context.Background(), "wc-1")
	if !errors.Is(err, ErrOptimizationFailed) {
		t.Fatalf("expected ErrOptimizationFailed, got %v", err)
	}
	if len(repo.positionWrites) != 0 {
		t.Fatalf("no positions should be persisted after a failed write, got %d batches", len(repo.positionWrites))
	}
	if len(pub.events) != 0 {
		t.Fatalf("no events should be published after a failed write, got %d", len(pub.events))
	}
}

func TestOptimizeScheduleFetchFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.queueErr = errors.New("timeout")
	svc := newTestService(repo, &fakePublisher{}, time.Now())

	_, err := svc.OptimizeSchedule(context.Background(), "")
	if !errors.Is(err, ErrOptimizationFailed) {
		t.Fatalf("expected ErrOptimizationFailed, got %v", err)
	}
}

// Package store implements the engine's persistence surface over Postgres.
// The CRUD layer owns the ERP schema; this package reads snapshots and
// writes back only what the engine computes (scores, positions, workload
// counters, notifications).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"manufacturing-priority-engine/internal/models"
	"manufacturing-priority-engine/internal/priority"
)

// Store wraps pgxpool for Postgres persistence. It satisfies
// priority.Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// LoadOrderSnapshot reads the scoring projection for one order. A missing
// row maps to priority.ErrOrderNotFound.
func (s *Store) LoadOrderSnapshot(ctx context.Context, id string, typ models.OrderType) (models.OrderSnapshot, error) {
	var row pgx.Row
	if typ == models.ManufacturingOrder {
		row = s.pool.QueryRow(ctx, `
			SELECT mo.id, mo.priority, mo.status, mo.due_date, mo.customer_tier, mo.priority_score
			FROM manufacturing_orders mo
			WHERE mo.id = $1
		`, id)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT wo.id, wo.priority, wo.status, wo.due_date, mo.customer_tier, wo.priority_score, wo.work_center_id
			FROM work_orders wo
			JOIN manufacturing_orders mo ON wo.manufacturing_order_id = mo.id
			WHERE wo.id = $1
		`, id)
	}

	snap := models.OrderSnapshot{Type: typ}
	var customerTier pgtype.Text
	var score pgtype.Float8
	var workCenter pgtype.Text

	var err error
	if typ == models.ManufacturingOrder {
		err = row.Scan(&snap.ID, &snap.Priority, &snap.Status, &snap.DueDate, &customerTier, &score)
	} else {
		err = row.Scan(&snap.ID, &snap.Priority, &snap.Status, &snap.DueDate, &customerTier, &score, &workCenter)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderSnapshot{}, fmt.Errorf("%w: %s", priority.ErrOrderNotFound, id)
	}
	if err != nil {
		return models.OrderSnapshot{}, fmt.Errorf("scan order snapshot: %w", err)
	}

	if customerTier.Valid {
		snap.CustomerTier = customerTier.String
	}
	if workCenter.Valid {
		snap.WorkCenterID = workCenter.String
	}
	if score.Valid {
		v := score.Float64
		snap.PriorityScore = &v
	}
	return snap, nil
}

// PersistScore writes the computed total score onto the order row.
func (s *Store) PersistScore(ctx context.Context, id string, typ models.OrderType, score float64) error {
	table := "work_orders"
	if typ == models.ManufacturingOrder {
		table = "manufacturing_orders"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET priority_score = $2, updated_at = NOW() WHERE id = $1
	`, table), id, score)
	if err != nil {
		return fmt.Errorf("persist score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", priority.ErrOrderNotFound, id)
	}
	return nil
}

// PersistPositions writes schedule positions for the whole ranked queue in
// one transaction. Either every position lands or none does.
func (s *Store) PersistPositions(ctx context.Context, items []models.PriorityQueueItem) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			UPDATE work_orders SET schedule_position = $2, updated_at = NOW() WHERE id = $1
		`, item.ID, item.SchedulePosition)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("batch positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit positions: %w", err)
	}
	return nil
}

// ListActiveWorkCenters returns capacity figures for availability
// estimation.
func (s *Store) ListActiveWorkCenters(ctx context.Context) ([]models.WorkCenter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, capacity, current_workload FROM work_centers WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("list work centers: %w", err)
	}
	defer rows.Close()

	var out []models.WorkCenter
	for rows.Next() {
		var wc models.WorkCenter
		if err := rows.Scan(&wc.ID, &wc.Name, &wc.Capacity, &wc.CurrentWorkload); err != nil {
			return nil, fmt.Errorf("scan work center: %w", err)
		}
		out = append(out, wc)
	}
	return out, rows.Err()
}

// CountInProgress counts in-progress work orders across the given work
// centers.
func (s *Store) CountInProgress(ctx context.Context, workCenterIDs []string) (int, error) {
	if len(workCenterIDs) == 0 {
		return 0, nil
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_orders WHERE status = $1 AND work_center_id = ANY($2)
	`, models.StatusInProgress, workCenterIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-progress: %w", err)
	}
	return n, nil
}

// PriorityQueue fetches the pending queue ordered by score then due date.
// An empty workCenterID means all work centers.
func (s *Store) PriorityQueue(ctx context.Context, workCenterID string, limit int) ([]models.PriorityQueueItem, error) {
	sql := `
		SELECT wo.id, wo.priority_score, wo.due_date, wo.work_center_id, mo.quantity
		FROM work_orders wo
		JOIN manufacturing_orders mo ON wo.manufacturing_order_id = mo.id
		WHERE wo.status = ANY($1)`
	args := []any{[]string{models.StatusPlanned, models.StatusReleased}}
	if workCenterID != "" {
		sql += ` AND wo.work_center_id = $2`
		args = append(args, workCenterID)
	}
	sql += fmt.Sprintf(` ORDER BY wo.priority_score DESC NULLS LAST, wo.due_date ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch priority queue: %w", err)
	}
	defer rows.Close()

	var out []models.PriorityQueueItem
	for rows.Next() {
		var item models.PriorityQueueItem
		var score pgtype.Float8
		var workCenter pgtype.Text
		var quantity int
		if err := rows.Scan(&item.ID, &score, &item.DueDate, &workCenter, &quantity); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Type = models.WorkOrder
		if score.Valid {
			item.Priority = score.Float64
		}
		if workCenter.Valid {
			item.WorkCenterID = workCenter.String
		}
		item.EstimatedDuration = estimatedDuration(quantity)
		out = append(out, item)
	}
	return out, rows.Err()
}

// SetPriorityTier updates the priority tier on an order ahead of rescoring.
func (s *Store) SetPriorityTier(ctx context.Context, id string, typ models.OrderType, tier string) error {
	table := "work_orders"
	if typ == models.ManufacturingOrder {
		table = "manufacturing_orders"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET priority = $2, updated_at = NOW() WHERE id = $1
	`, table), id, tier)
	if err != nil {
		return fmt.Errorf("set priority tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", priority.ErrOrderNotFound, id)
	}
	return nil
}

// AdjustWorkload applies an atomic row-level increment to a work center's
// in-progress counter, clamped at zero. The atomic update substitutes for
// per-key serialization at the broker.
func (s *Store) AdjustWorkload(ctx context.Context, workCenterID string, delta int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE work_centers
		SET current_workload = GREATEST(0, current_workload + $2), updated_at = NOW()
		WHERE id = $1
	`, workCenterID, delta)
	if err != nil {
		return fmt.Errorf("adjust workload: %w", err)
	}
	return nil
}

// ApplyStockMovement sets the new on-hand quantity for a stock item.
func (s *Store) ApplyStockMovement(ctx context.Context, stockItemID string, newQuantity float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stock_items SET quantity = $2, updated_at = NOW() WHERE id = $1
	`, stockItemID, newQuantity)
	if err != nil {
		return fmt.Errorf("apply stock movement: %w", err)
	}
	return nil
}

// InsertNotification records a best-effort notification row for the UI.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	dataJSON, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, type, title, message, priority, user_id, data, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, false, $8)
	`, n.ID, n.Type, n.Title, n.Message, n.Priority, n.UserID, dataJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// estimatedDuration derives a rough duration from order quantity: a base
// shift of 8 hours scaled by quantity in lots of 10.
func estimatedDuration(quantity int) float64 {
	lots := float64(quantity) / 10
	if lots < 1 {
		lots = 1
	}
	return 8 * lots
}

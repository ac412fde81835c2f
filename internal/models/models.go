package models

import (
	"time"
)

// OrderType discriminates the two schedulable order kinds.
type OrderType string

const (
	ManufacturingOrder OrderType = "MANUFACTURING_ORDER"
	WorkOrder          OrderType = "WORK_ORDER"
)

// Priority tiers assigned by the CRUD layer.
const (
	TierLow    = "LOW"
	TierNormal = "NORMAL"
	TierHigh   = "HIGH"
	TierUrgent = "URGENT"
)

// Customer tiers. Optional on an order.
const (
	CustomerPlatinum = "PLATINUM"
	CustomerGold     = "GOLD"
	CustomerSilver   = "SILVER"
	CustomerBronze   = "BRONZE"
)

// Order statuses the engine cares about. The CRUD layer owns the full set.
const (
	StatusPlanned    = "PLANNED"
	StatusReleased   = "RELEASED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// OrderSnapshot is the read-only projection the scorer works from. The engine
// never creates or deletes orders; it writes back only the computed score and
// schedule position.
type OrderSnapshot struct {
	ID            string    `json:"id"`
	Type          OrderType `json:"type"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	DueDate       time.Time `json:"due_date"`
	CustomerTier  string    `json:"customer_tier,omitempty"`
	WorkCenterID  string    `json:"work_center_id,omitempty"`
	PriorityScore *float64  `json:"priority_score,omitempty"`
}

// WorkCenter carries the capacity figures used for availability estimation.
// CurrentWorkload is mutated by work-order start/complete handlers and is
// never negative.
type WorkCenter struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Capacity        int    `json:"capacity"`
	CurrentWorkload int    `json:"current_workload"`
}

// PriorityScoreBreakdown is the ephemeral result of one scoring pass. Only
// TotalScore is persisted.
type PriorityScoreBreakdown struct {
	BaseScore            float64 `json:"base_score"`
	UrgencyMultiplier    float64 `json:"urgency_multiplier"`
	DeadlineFactor       float64 `json:"deadline_factor"`
	ResourceAvailability float64 `json:"resource_availability"`
	CustomerTier         float64 `json:"customer_tier"`
	TotalScore           float64 `json:"total_score"`
}

// PriorityQueueItem is the projection the optimizer ranks. SchedulePosition
// is assigned during optimization (1-based).
type PriorityQueueItem struct {
	ID                string    `json:"id"`
	Type              OrderType `json:"type"`
	Priority          float64   `json:"priority"`
	DueDate           time.Time `json:"due_date"`
	EstimatedDuration float64   `json:"estimated_duration_hours"`
	WorkCenterID      string    `json:"work_center_id"`
	SchedulePosition  int       `json:"schedule_position,omitempty"`
}

// Notification is the best-effort record handlers leave for the UI layer.
type Notification struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	UserID   string         `json:"user_id,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Created  time.Time      `json:"created_at"`
}

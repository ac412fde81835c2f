// Package consumer wires the per-topic consumer groups: it builds the
// dispatchers, registers the business handlers, and manages group lifecycle.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"manufacturing-priority-engine/internal/event"
	"manufacturing-priority-engine/internal/models"
	"manufacturing-priority-engine/internal/priority"
)

// Scheduler is the slice of the priority service the handlers need.
type Scheduler interface {
	CalculatePriorityScore(ctx context.Context, orderID string, typ models.OrderType) (models.PriorityScoreBreakdown, error)
	OptimizeSchedule(ctx context.Context, workCenterID string) ([]models.PriorityQueueItem, error)
}

// Store is the collaborator persistence the handlers write through.
type Store interface {
	AdjustWorkload(ctx context.Context, workCenterID string, delta int) error
	ApplyStockMovement(ctx context.Context, stockItemID string, newQuantity float64) error
	InsertNotification(ctx context.Context, n models.Notification) error
}

// Publisher re-publishes derived events.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt map[string]any) error
}

// Handlers holds the business reactions for every consumed event type.
// Handlers swallow errors that cannot succeed on retry and propagate the
// rest, so the consumer loop's retry/dead-letter policy applies only where
// it can help.
type Handlers struct {
	scheduler Scheduler
	store     Store
	publisher Publisher
	log       *slog.Logger
}

func NewHandlers(scheduler Scheduler, store Store, publisher Publisher, log *slog.Logger) *Handlers {
	return &Handlers{
		scheduler: scheduler,
		store:     store,
		publisher: publisher,
		log:       log,
	}
}

// --- manufacturing-orders ---

func (h *Handlers) ManufacturingOrderCreated(ctx context.Context, env event.Envelope) error {
	orderID := env.String("orderId")
	if err := h.score(ctx, orderID, models.ManufacturingOrder); err != nil {
		return err
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.ManufacturingOrderCreated,
		Title:   "New Manufacturing Order Created",
		Message: fmt.Sprintf("Manufacturing order %s has been created", env.String("orderNumber")),
		Data:    map[string]any{"orderId": orderID},
	})
	return nil
}

func (h *Handlers) ManufacturingOrderUpdated(ctx context.Context, env event.Envelope) error {
	orderID := env.String("orderId")
	if changes := env.Map("changes"); changes != nil {
		_, priorityChanged := changes["priority"]
		_, dueDateChanged := changes["dueDate"]
		if priorityChanged || dueDateChanged {
			if err := h.score(ctx, orderID, models.ManufacturingOrder); err != nil {
				return err
			}
		}
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.ManufacturingOrderUpdated,
		Title:   "Manufacturing Order Updated",
		Message: fmt.Sprintf("Manufacturing order %s has been updated", env.String("orderNumber")),
		Data:    map[string]any{"orderId": orderID, "changes": env.Map("changes")},
	})
	return nil
}

func (h *Handlers) ManufacturingOrderCompleted(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:    event.ManufacturingOrderCompleted,
		Title:   "Manufacturing Order Completed",
		Message: fmt.Sprintf("Manufacturing order %s has been completed", env.String("orderNumber")),
		Data:    map[string]any{"orderId": env.String("orderId")},
	})
	return nil
}

func (h *Handlers) ManufacturingOrderCancelled(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:    event.ManufacturingOrderCancelled,
		Title:   "Manufacturing Order Cancelled",
		Message: fmt.Sprintf("Manufacturing order %s has been cancelled", env.String("orderNumber")),
		Data:    map[string]any{"orderId": env.String("orderId")},
	})
	return nil
}

// --- work-orders ---

func (h *Handlers) WorkOrderCreated(ctx context.Context, env event.Envelope) error {
	workOrderID := env.String("workOrderId")
	if err := h.score(ctx, workOrderID, models.WorkOrder); err != nil {
		return err
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.WorkOrderCreated,
		Title:   "New Work Order Created",
		Message: fmt.Sprintf("Work order %s has been created", env.String("orderNumber")),
		Data:    map[string]any{"workOrderId": workOrderID},
	})
	return nil
}

func (h *Handlers) WorkOrderStarted(ctx context.Context, env event.Envelope) error {
	if id := env.String("workCenterId"); id != "" {
		if err := h.store.AdjustWorkload(ctx, id, 1); err != nil {
			return err
		}
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.WorkOrderStarted,
		Title:   "Work Order Started",
		Message: fmt.Sprintf("Work order %s has been started", env.String("orderNumber")),
		Data:    map[string]any{"workOrderId": env.String("workOrderId")},
	})
	return nil
}

func (h *Handlers) WorkOrderCompleted(ctx context.Context, env event.Envelope) error {
	if id := env.String("workCenterId"); id != "" {
		if err := h.store.AdjustWorkload(ctx, id, -1); err != nil {
			return err
		}
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.WorkOrderCompleted,
		Title:   "Work Order Completed",
		Message: fmt.Sprintf("Work order %s has been completed", env.String("orderNumber")),
		Data:    map[string]any{"workOrderId": env.String("workOrderId")},
	})
	return nil
}

func (h *Handlers) WorkOrderCancelled(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:    event.WorkOrderCancelled,
		Title:   "Work Order Cancelled",
		Message: fmt.Sprintf("Work order %s has been cancelled", env.String("orderNumber")),
		Data:    map[string]any{"workOrderId": env.String("workOrderId")},
	})
	return nil
}

// --- inventory ---

func (h *Handlers) StockMovement(ctx context.Context, env event.Envelope) error {
	newQuantity := env.Float("newQuantity")
	if id := env.String("stockItemId"); id != "" {
		if err := h.store.ApplyStockMovement(ctx, id, newQuantity); err != nil {
			return err
		}
	}
	if newQuantity <= env.Float("minQty") {
		if err := h.publisher.Publish(ctx, event.TopicInventory, map[string]any{
			"type":            event.LowStockAlert,
			"productId":       env.String("productId"),
			"productName":     env.String("productName"),
			"currentQuantity": newQuantity,
			"minQuantity":     env.Float("minQty"),
		}); err != nil {
			return err
		}
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.StockMovement,
		Title:   "Stock Movement",
		Message: fmt.Sprintf("Stock updated for %s: %v %s", env.String("productName"), env.Float("quantity"), env.String("movementType")),
		Data:    map[string]any{"stockItemId": env.String("stockItemId")},
	})
	return nil
}

func (h *Handlers) LowStockAlert(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:     event.LowStockAlert,
		Title:    "Low Stock Alert",
		Message:  fmt.Sprintf("Low stock alert for product %s: %v remaining", env.String("productName"), env.Float("currentQuantity")),
		Priority: "URGENT",
		Data:     map[string]any{"productId": env.String("productId")},
	})
	return nil
}

func (h *Handlers) OutOfStockAlert(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:     event.OutOfStockAlert,
		Title:    "Out of Stock Alert",
		Message:  fmt.Sprintf("Product %s is out of stock", env.String("productName")),
		Priority: "CRITICAL",
		Data:     map[string]any{"productId": env.String("productId")},
	})
	return nil
}

// --- priority-queue ---

func (h *Handlers) PriorityUpdated(ctx context.Context, env event.Envelope) error {
	// An empty work center id falls back to a global optimization pass.
	if _, err := h.scheduler.OptimizeSchedule(ctx, env.String("workCenterId")); err != nil {
		return err
	}
	h.notify(ctx, env, models.Notification{
		Type:    event.PriorityUpdated,
		Title:   "Priority Updated",
		Message: fmt.Sprintf("Priority updated for order %s", env.String("orderId")),
		Data:    map[string]any{"orderId": env.String("orderId"), "priorityScore": env.Float("priorityScore")},
	})
	return nil
}

func (h *Handlers) PriorityChanged(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:    event.PriorityChanged,
		Title:   "Priority Changed",
		Message: fmt.Sprintf("Priority changed for order %s: %s", env.String("orderId"), env.String("newPriority")),
		Data:    map[string]any{"orderId": env.String("orderId"), "newPriority": env.String("newPriority"), "reason": env.String("reason")},
	})
	return nil
}

func (h *Handlers) ScheduleOptimized(ctx context.Context, env event.Envelope) error {
	h.notify(ctx, env, models.Notification{
		Type:    event.ScheduleOptimized,
		Title:   "Schedule Optimized",
		Message: fmt.Sprintf("Schedule optimized for work center %s", env.String("workCenterId")),
		Data:    map[string]any{"workCenterId": env.String("workCenterId"), "optimizedCount": env.Float("optimizedCount")},
	})
	return nil
}

// score recomputes an order's priority. A missing order is not retryable:
// the event's premise is gone, so it is logged and the message considered
// processed.
func (h *Handlers) score(ctx context.Context, orderID string, typ models.OrderType) error {
	if orderID == "" {
		h.log.Warn("event missing order id, skipping score", slog.String("type", string(typ)))
		return nil
	}
	if _, err := h.scheduler.CalculatePriorityScore(ctx, orderID, typ); err != nil {
		if errors.Is(err, priority.ErrOrderNotFound) {
			h.log.Warn("order vanished before scoring",
				slog.String("order_id", orderID),
				slog.String("type", string(typ)))
			return nil
		}
		return err
	}
	return nil
}

// notify is best-effort: a failed notification never rolls back the
// handler's primary effect.
func (h *Handlers) notify(ctx context.Context, env event.Envelope, n models.Notification) {
	n.UserID = env.String("userId")
	if err := h.store.InsertNotification(ctx, n); err != nil {
		h.log.Error("notification write failed",
			slog.String("type", n.Type),
			slog.String("error", err.Error()))
	}
}

package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/event"
)

// Manager owns one consumer group per topic family. Groups run independent
// loops; a backlog in one never blocks another.
type Manager struct {
	broker      *broker.Client
	dispatchers []*event.Dispatcher
	log         *slog.Logger
}

// NewManager builds the dispatch tables for every topic family.
func NewManager(b *broker.Client, h *Handlers, log *slog.Logger) *Manager {
	manufacturing := event.NewDispatcher(event.TopicManufacturingOrders, log)
	manufacturing.Register(event.ManufacturingOrderCreated, h.ManufacturingOrderCreated)
	manufacturing.Register(event.ManufacturingOrderUpdated, h.ManufacturingOrderUpdated)
	manufacturing.Register(event.ManufacturingOrderCompleted, h.ManufacturingOrderCompleted)
	manufacturing.Register(event.ManufacturingOrderCancelled, h.ManufacturingOrderCancelled)

	workOrders := event.NewDispatcher(event.TopicWorkOrders, log)
	workOrders.Register(event.WorkOrderCreated, h.WorkOrderCreated)
	workOrders.Register(event.WorkOrderStarted, h.WorkOrderStarted)
	workOrders.Register(event.WorkOrderCompleted, h.WorkOrderCompleted)
	workOrders.Register(event.WorkOrderCancelled, h.WorkOrderCancelled)

	inventory := event.NewDispatcher(event.TopicInventory, log)
	inventory.Register(event.StockMovement, h.StockMovement)
	inventory.Register(event.LowStockAlert, h.LowStockAlert)
	inventory.Register(event.OutOfStockAlert, h.OutOfStockAlert)

	priorityQueue := event.NewDispatcher(event.TopicPriorityQueue, log)
	priorityQueue.Register(event.PriorityUpdated, h.PriorityUpdated)
	priorityQueue.Register(event.PriorityChanged, h.PriorityChanged)
	priorityQueue.Register(event.ScheduleOptimized, h.ScheduleOptimized)

	return &Manager{
		broker:      b,
		dispatchers: []*event.Dispatcher{manufacturing, workOrders, inventory, priorityQueue},
		log:         log,
	}
}

// StartAll launches every consumer group. Group names follow the
// "<topic>-group" convention.
func (m *Manager) StartAll(ctx context.Context) error {
	m.log.Info("starting all event consumers")
	for _, d := range m.dispatchers {
		dispatcher := d
		groupID := dispatcher.Topic() + "-group"
		err := m.broker.StartConsumer(ctx, groupID, []string{dispatcher.Topic()},
			func(ctx context.Context, msg broker.Message) error {
				return dispatcher.Dispatch(ctx, msg.Value)
			})
		if err != nil {
			return fmt.Errorf("start consumer %s: %w", groupID, err)
		}
	}
	m.log.Info("all event consumers started")
	return nil
}

// StopAll disconnects the broker client, which cascade-disconnects every
// tracked consumer. Safe during a partially failed startup.
func (m *Manager) StopAll(ctx context.Context) error {
	m.log.Info("stopping all event consumers")
	return m.broker.Close(ctx)
}

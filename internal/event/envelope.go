// Package event defines the wire envelope, the fixed topic/event-type
// taxonomy, and the per-topic dispatcher that routes decoded envelopes to
// registered handlers.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics carried on the broker. One stream per topic.
const (
	TopicManufacturingOrders = "manufacturing-orders"
	TopicWorkOrders          = "work-orders"
	TopicInventory           = "inventory"
	TopicPriorityQueue       = "priority-queue"
	TopicDeadLetter          = "dead-letter"
)

// Manufacturing order event types.
const (
	ManufacturingOrderCreated   = "MANUFACTURING_ORDER_CREATED"
	ManufacturingOrderUpdated   = "MANUFACTURING_ORDER_UPDATED"
	ManufacturingOrderCompleted = "MANUFACTURING_ORDER_COMPLETED"
	ManufacturingOrderCancelled = "MANUFACTURING_ORDER_CANCELLED"
)

// Work order event types.
const (
	WorkOrderCreated   = "WORK_ORDER_CREATED"
	WorkOrderStarted   = "WORK_ORDER_STARTED"
	WorkOrderCompleted = "WORK_ORDER_COMPLETED"
	WorkOrderCancelled = "WORK_ORDER_CANCELLED"
)

// Inventory event types.
const (
	StockMovement   = "STOCK_MOVEMENT"
	LowStockAlert   = "LOW_STOCK_ALERT"
	OutOfStockAlert = "OUT_OF_STOCK_ALERT"
)

// Priority queue event types.
const (
	PriorityUpdated   = "PRIORITY_UPDATED"
	PriorityChanged   = "PRIORITY_CHANGED"
	ScheduleOptimized = "SCHEDULE_OPTIMIZED"
)

// Version stamped onto every published envelope.
const Version = "1.0"

// Envelope is a decoded event. On the wire it is a flat JSON object: "type"
// plus event-specific fields, with "timestamp" and "version" merged in at
// publish time. Fields retains everything for handler access.
type Envelope struct {
	Type      string
	Timestamp string
	Version   string
	Fields    map[string]any
}

// Decode parses raw message bytes into an Envelope. A decode failure marks
// the message as poison: it can never succeed on redelivery.
func Decode(raw []byte) (Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env := Envelope{Fields: fields}
	env.Type, _ = fields["type"].(string)
	env.Timestamp, _ = fields["timestamp"].(string)
	env.Version, _ = fields["version"].(string)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode serializes an event for publishing, stamping timestamp and version.
// The event map is not mutated.
func Encode(evt map[string]any, now time.Time) ([]byte, error) {
	out := make(map[string]any, len(evt)+2)
	for k, v := range evt {
		out[k] = v
	}
	out["timestamp"] = now.UTC().Format(time.RFC3339)
	out["version"] = Version
	return json.Marshal(out)
}

// PartitionKey picks the broker key for an event: payload "id", then
// "orderId", then a shared default.
func PartitionKey(evt map[string]any) string {
	if id, ok := evt["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := evt["orderId"].(string); ok && id != "" {
		return id
	}
	return "default"
}

// String returns a string field from the envelope, or "" when absent.
func (e Envelope) String(key string) string {
	v, _ := e.Fields[key].(string)
	return v
}

// Float returns a numeric field from the envelope, or 0 when absent. JSON
// numbers decode as float64.
func (e Envelope) Float(key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Map returns a nested object field, or nil when absent.
func (e Envelope) Map(key string) map[string]any {
	v, _ := e.Fields[key].(map[string]any)
	return v
}

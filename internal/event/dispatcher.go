package event

import (
	"context"
	"log/slog"

	"manufacturing-priority-engine/internal/telemetry"
)

// HandlerFunc processes one decoded envelope. Returning an error signals the
// consumer loop to retry and eventually dead-letter the message; handlers
// that cannot succeed on retry log and return nil instead.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Dispatcher routes envelopes for a single topic by event type. Handlers are
// registered at startup; adding an event type is a registration, not a
// branch.
type Dispatcher struct {
	topic    string
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// NewDispatcher creates an empty dispatcher for a topic.
func NewDispatcher(topic string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		topic:    topic,
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
}

// Register binds a handler to an event type. Nil handlers and empty types
// are ignored.
func (d *Dispatcher) Register(eventType string, fn HandlerFunc) {
	if eventType == "" || fn == nil {
		return
	}
	d.handlers[eventType] = fn
}

// Topic returns the topic this dispatcher serves.
func (d *Dispatcher) Topic() string {
	return d.topic
}

// Dispatch decodes raw message bytes and invokes the matching handler.
//
// Malformed JSON is a poison message: logged, counted, and dropped (nil
// return) so the loop never redelivers it. An unknown type is skipped the
// same way; that is the designed forward-compatibility policy for event
// types this service does not yet know about.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	env, err := Decode(raw)
	if err != nil {
		telemetry.PoisonMessages.Inc()
		d.log.Warn("dropping undecodable message",
			slog.String("topic", d.topic),
			slog.String("error", err.Error()))
		return nil
	}

	fn, ok := d.handlers[env.Type]
	if !ok {
		telemetry.UnknownEventTypes.Inc()
		d.log.Warn("skipping unknown event type",
			slog.String("topic", d.topic),
			slog.String("type", env.Type))
		return nil
	}

	d.log.Info("processing event",
		slog.String("topic", d.topic),
		slog.String("type", env.Type))
	return fn(ctx, env)
}

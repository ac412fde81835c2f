package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_events_published_total", Help: "Events published to the broker"})
	EventsConsumed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_events_consumed_total", Help: "Events read from the broker"})
	HandlerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_handler_failures_total", Help: "Handler invocations that returned an error"})
	HandlerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_handler_retries_total", Help: "Handler retries before dead-lettering"})
	PoisonMessages    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_poison_messages_total", Help: "Messages dropped because they could not be decoded"})
	UnknownEventTypes = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_unknown_event_types_total", Help: "Events skipped because no handler is registered for their type"})
	DeadLettered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_dead_lettered_total", Help: "Messages routed to the dead-letter topic"})
	ScoresComputed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_priority_scores_total", Help: "Priority score computations"})
	OptimizerRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_optimizer_runs_total", Help: "Schedule optimization passes"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	InFlightHandlers  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_inflight_handlers", Help: "Handler invocations currently running"})
	ConsumerGroups    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_consumer_groups", Help: "Consumer groups currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			EventsConsumed,
			HandlerFailures,
			HandlerRetries,
			PoisonMessages,
			UnknownEventTypes,
			DeadLettered,
			ScoresComputed,
			OptimizerRuns,
			RateLimitRejects,
			InFlightHandlers,
			ConsumerGroups,
		)
	})
	return promhttp.Handler()
}

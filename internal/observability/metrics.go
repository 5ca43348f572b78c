package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// Metrics value carries its own registry so construction is re-entrant.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSession     prometheus.Gauge
	CallsPlaced       *prometheus.CounterVec
	LegEvents         *prometheus.CounterVec
	Truncations       prometheus.Counter
	FunctionCalls     *prometheus.CounterVec
	TranscriptEntries *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSession: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_session",
			Help:      "1 while a media session is bound to a call, else 0.",
		}),
		CallsPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_placed_total",
			Help:      "Outbound call attempts by outcome.",
		}, []string{"outcome"}),
		LegEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_events_total",
			Help:      "Session leg events by leg and event.",
		}, []string{"leg", "event"}),
		Truncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Barge-in truncations sent to the model leg.",
		}),
		FunctionCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Model-issued function calls by name and outcome.",
		}, []string{"name", "outcome"}),
		TranscriptEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries appended by role.",
		}, []string{"role"}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Unparseable frames dropped by leg.",
		}, []string{"leg"}),
	}
}

// Handler exposes this Metrics value's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

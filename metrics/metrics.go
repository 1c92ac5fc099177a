// Package metrics holds the Prometheus collectors for the chat relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chathub"

// Turn outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeDegraded    = "degraded"
	OutcomeValidation  = "validation_error"
	OutcomeUpstream    = "upstream_error"
	OutcomePersistence = "persistence_error"
	OutcomeCredential  = "credential_missing"
	OutcomeCanceled    = "canceled"
	OutcomeNotFound    = "not_found"
)

// RelayMetrics is safe to use as a nil pointer; every method is then a no-op.
type RelayMetrics struct {
	turns     *prometheus.CounterVec
	fragments *prometheus.CounterVec
	upstream  *prometheus.HistogramVec
	active    prometheus.Gauge
}

// NewRelayMetrics registers the relay collectors on reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	f := promauto.With(reg)
	return &RelayMetrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns handled, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Fragments relayed to callers, by kind.",
		}, []string{"kind"}),
		upstream: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_seconds",
			Help:      "Latency of upstream provider calls. For streams, time to first response.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"mode", "result"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming turns currently in flight.",
		}),
	}
}

func (m *RelayMetrics) Turn(mode, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(mode, outcome).Inc()
}

func (m *RelayMetrics) Fragment(kind string) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(kind).Inc()
}

func (m *RelayMetrics) Upstream(mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstream.WithLabelValues(mode, result).Observe(time.Since(start).Seconds())
}

// StreamStarted increments the active gauge and returns its decrement.
func (m *RelayMetrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	m.active.Inc()
	return m.active.Dec
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initProviderMetrics initializes model provider metrics.
func (m *Manager) initProviderMetrics(cfg Config) {
	m.providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Total number of provider calls by kind and status",
		},
		[]string{"kind", "status"},
	)

	m.providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: cfg.ProviderDurationBuckets,
		},
		[]string{"kind"},
	)

	m.modelFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_model_fallbacks_total",
			Help: "Total times a call fell through to a non-primary model",
		},
		[]string{"model"},
	)

	m.registry.MustRegister(m.providerCalls)
	m.registry.MustRegister(m.providerDuration)
	m.registry.MustRegister(m.modelFallbacks)
}

// RecordProviderCall records one provider call. kind is "generate" or
// "embed", status is "ok" or "error".
func (m *Manager) RecordProviderCall(kind, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.providerCalls.WithLabelValues(kind, status).Inc()
	m.providerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordModelFallback records that a call was served by a fallback model.
func (m *Manager) RecordModelFallback(model string) {
	if !m.enabled {
		return
	}
	m.modelFallbacks.WithLabelValues(model).Inc()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initRetrievalMetrics initializes hybrid retrieval metrics.
func (m *Manager) initRetrievalMetrics(cfg Config) {
	m.retrievalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_requests_total",
			Help: "Total number of retrieval requests by mode",
		},
		[]string{"mode"},
	)

	m.retrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_duration_seconds",
			Help:    "Hybrid retrieval duration in seconds",
			Buckets: cfg.RetrievalDurationBuckets,
		},
	)

	m.retrievalRAGChars = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_rag_chars",
			Help:    "Characters of retrieved history injected per turn",
			Buckets: []float64{0, 200, 500, 1000, 2000, 4000, 8000},
		},
	)

	m.indexedSegments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexed_segments",
			Help: "Current number of indexed segments by persona",
		},
		[]string{"persona"},
	)

	m.registry.MustRegister(m.retrievalRequests)
	m.registry.MustRegister(m.retrievalDuration)
	m.registry.MustRegister(m.retrievalRAGChars)
	m.registry.MustRegister(m.indexedSegments)
}

// RecordRetrieval records one retrieval request. mode is "hybrid" or
// "lexical" when the embedder was unavailable.
func (m *Manager) RecordRetrieval(mode string, duration time.Duration, ragChars int) {
	if !m.enabled {
		return
	}
	m.retrievalRequests.WithLabelValues(mode).Inc()
	m.retrievalDuration.Observe(duration.Seconds())
	m.retrievalRAGChars.Observe(float64(ragChars))
}

// SetIndexedSegments sets the current segment count for a persona.
func (m *Manager) SetIndexedSegments(persona string, count float64) {
	if !m.enabled {
		return
	}
	m.indexedSegments.WithLabelValues(persona).Set(count)
}

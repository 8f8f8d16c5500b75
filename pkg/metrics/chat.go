package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initChatMetrics initializes chat turn metrics.
func (m *Manager) initChatMetrics(cfg Config) {
	m.chatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total number of chat turns by final path",
		},
		[]string{"final_path"},
	)

	m.turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds",
			Buckets: cfg.TurnDurationBuckets,
		},
		[]string{"final_path"},
	)

	m.turnCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_turn_candidates",
			Help:    "Number of candidates that survived filtering per turn",
			Buckets: []float64{0, 1, 2, 4, 6, 8, 12, 16, 20},
		},
	)

	m.repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_repairs_total",
			Help: "Total number of repair passes by outcome",
		},
		[]string{"outcome"},
	)

	m.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fallbacks_total",
			Help: "Total number of persona fallbacks by reason",
		},
		[]string{"reason"},
	)

	m.registry.MustRegister(m.chatTurns)
	m.registry.MustRegister(m.turnDuration)
	m.registry.MustRegister(m.turnCandidates)
	m.registry.MustRegister(m.repairs)
	m.registry.MustRegister(m.fallbacks)
}

// RecordTurn records one completed chat turn.
func (m *Manager) RecordTurn(finalPath string, duration time.Duration, candidates int) {
	if !m.enabled {
		return
	}
	m.chatTurns.WithLabelValues(finalPath).Inc()
	m.turnDuration.WithLabelValues(finalPath).Observe(duration.Seconds())
	m.turnCandidates.Observe(float64(candidates))
}

// RecordRepair records a repair pass outcome (applied or rejected).
func (m *Manager) RecordRepair(outcome string) {
	if !m.enabled {
		return
	}
	m.repairs.WithLabelValues(outcome).Inc()
}

// RecordFallback records a persona fallback with its reason.
func (m *Manager) RecordFallback(reason string) {
	if !m.enabled {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

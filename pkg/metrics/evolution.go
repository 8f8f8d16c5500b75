package metrics

import "github.com/prometheus/client_golang/prometheus"

// initEvolutionMetrics initializes feedback learning metrics.
func (m *Manager) initEvolutionMetrics(cfg Config) {
	m.feedbackAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feedback_accepted_total",
			Help: "Total number of accepted feedback submissions",
		},
	)

	m.feedbackSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feedback_samples_total",
			Help: "Total assistant messages learned from feedback",
		},
	)

	m.personaPromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persona_promotions_total",
			Help: "Total candidate bucket promotions into the adaptive persona",
		},
	)

	m.registry.MustRegister(m.feedbackAccepted)
	m.registry.MustRegister(m.feedbackSamples)
	m.registry.MustRegister(m.personaPromotions)
}

// RecordFeedback records one accepted feedback submission and how many
// samples it contributed.
func (m *Manager) RecordFeedback(samples int) {
	if !m.enabled {
		return
	}
	m.feedbackAccepted.Inc()
	m.feedbackSamples.Add(float64(samples))
}

// RecordPersonaPromotion records a candidate bucket promotion.
func (m *Manager) RecordPersonaPromotion() {
	if !m.enabled {
		return
	}
	m.personaPromotions.Inc()
}

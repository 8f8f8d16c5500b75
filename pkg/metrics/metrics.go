// Package metrics provides Prometheus metrics instrumentation for doppeld.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for doppeld.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Chat turn metrics
	chatTurns      *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnCandidates prometheus.Histogram
	repairs        *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec

	// Retrieval metrics
	retrievalRequests *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	retrievalRAGChars prometheus.Histogram
	indexedSegments   *prometheus.GaugeVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	modelFallbacks   *prometheus.CounterVec

	// Evolution metrics
	feedbackAccepted  prometheus.Counter
	feedbackSamples   prometheus.Counter
	personaPromotions prometheus.Counter

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	TurnDurationBuckets      []float64
	RetrievalDurationBuckets []float64
	ProviderDurationBuckets  []float64
	HTTPDurationBuckets      []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Port:    9091,
		Path:    "/metrics",
		TurnDurationBuckets:      []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		RetrievalDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		ProviderDurationBuckets:  []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		HTTPDurationBuckets:      []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initChatMetrics(cfg)
	m.initRetrievalMetrics(cfg)
	m.initProviderMetrics(cfg)
	m.initEvolutionMetrics(cfg)
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

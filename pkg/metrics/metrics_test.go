package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestNewManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	m := NewManager(cfg)

	// Record some metrics
	m.RecordTurn("direct", 2*time.Second, 9)
	m.RecordTurn("fallback", 1*time.Second, 0)
	m.RecordRepair("applied")
	m.RecordFallback("offtopic_high")

	// Create test request
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	// Serve metrics
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if body == "" {
		t.Error("Expected non-empty metrics output")
	}

	// Check for expected metrics
	expectedMetrics := []string{
		"chat_turns_total",
		"chat_turn_duration_seconds",
		"chat_repairs_total",
		"chat_fallbacks_total",
	}

	for _, metric := range expectedMetrics {
		if !contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	m := NoOpManager()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestDisabledManagerRecordsAreNoOps(t *testing.T) {
	m := NoOpManager()

	// None of these may panic on nil collectors.
	m.RecordTurn("direct", time.Second, 3)
	m.RecordRepair("rejected")
	m.RecordFallback("")
	m.RecordRetrieval("hybrid", time.Millisecond, 800)
	m.SetIndexedSegments("dxa", 42)
	m.RecordProviderCall("generate", "ok", time.Second)
	m.RecordModelFallback("gemini-2.5-flash")
	m.RecordFeedback(2)
	m.RecordPersonaPromotion()
	m.RecordHTTPRequest(context.Background(), "GET", "/health", "200", time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()
}

func TestRetrievalAndProviderMetricsRegistered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	m := NewManager(cfg)

	m.RecordRetrieval("hybrid", 4*time.Millisecond, 1200)
	m.RecordRetrieval("lexical_only", 2*time.Millisecond, 300)
	m.SetIndexedSegments("dxa", 128)

	m.RecordProviderCall("generate", "ok", 800*time.Millisecond)
	m.RecordProviderCall("embed", "error", 100*time.Millisecond)
	m.RecordModelFallback("gemini-2.5-flash-lite")

	m.RecordFeedback(3)
	m.RecordPersonaPromotion()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expected := []string{
		"retrieval_requests_total",
		"retrieval_duration_seconds",
		"retrieval_rag_chars",
		"indexed_segments",
		"provider_calls_total",
		"provider_call_duration_seconds",
		"provider_model_fallbacks_total",
		"feedback_accepted_total",
		"feedback_samples_total",
		"persona_promotions_total",
	}
	for _, metric := range expected {
		if !contains(body, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}
}

func TestHTTPRequestRecording(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	m := NewManager(cfg)

	for i := 0; i < 50; i++ {
		m.RecordHTTPRequest(context.Background(), "POST", "/api/v1/chat", "200", time.Duration(i)*time.Millisecond)
	}
	m.IncActiveConnections()
	m.DecActiveConnections()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !contains(body, "http_requests_total") || !contains(body, "http_request_duration_seconds") {
		t.Error("http metrics missing from output")
	}
	// Cardinality stays bounded by method/path/status labels.
	if len(body) > 10*1024*1024 {
		t.Errorf("metrics output too large: %d bytes", len(body))
	}
}

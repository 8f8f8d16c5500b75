package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/handlers"
	"github.com/doppeld/doppeld/pkg/logger"
)

type routerStatusSource struct{}

func (routerStatusSource) Healthy(context.Context) bool { return true }
func (routerStatusSource) Ready(context.Context) bool   { return true }
func (routerStatusSource) Status(context.Context) map[string]any {
	return map[string]any{"app": "doppeld"}
}

func testRouterConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTP: config.HTTPConfig{
				ReadTimeout: 30 * time.Second,
			},
			CORS: config.CORSConfig{
				Enabled: false,
			},
		},
	}
}

func testRouterLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Output: "stdout",
	})
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testRouterConfig(), testRouterLogger(), &Handlers{})
	if router == nil {
		t.Fatal("NewRouter returned nil")
	}
}

func TestRouter_HealthRoutes(t *testing.T) {
	h := &Handlers{
		Health: handlers.NewHealthHandler(routerStatusSource{}),
	}
	router := NewRouter(testRouterConfig(), testRouterLogger(), h)

	for _, path := range []string{"/health", "/ready", "/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestRouter_NilHandlersGive404(t *testing.T) {
	router := NewRouter(testRouterConfig(), testRouterLogger(), &Handlers{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/chat"},
		{http.MethodGet, "/api/v1/conversations"},
		{http.MethodPost, "/api/v1/feedback"},
		{http.MethodGet, "/api/v1/retrieval/preview"},
		{http.MethodGet, "/api/v1/index/status"},
		{http.MethodGet, "/api/v1/models"},
		{http.MethodGet, "/health"},
	}
	for _, tc := range paths {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want %d", tc.method, tc.path, rec.Code, http.StatusNotFound)
		}
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	h := &Handlers{
		Health: handlers.NewHealthHandler(routerStatusSource{}),
	}
	router := NewRouter(testRouterConfig(), testRouterLogger(), h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
}

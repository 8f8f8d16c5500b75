package handlers

import (
	"context"
	"net/http"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/api/response"
)

// StatusSource reports daemon health. The daemon wires one in.
type StatusSource interface {
	Healthy(ctx context.Context) bool
	Ready(ctx context.Context) bool
	Status(ctx context.Context) map[string]any
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	source StatusSource
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(source StatusSource) *HealthHandler {
	return &HealthHandler{source: source}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.source.Healthy(r.Context()) {
		response.JSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
	}
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.source.Ready(r.Context()) {
		response.JSON(w, http.StatusOK, map[string]bool{
			"ready": true,
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
	}
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.source.Status(r.Context()))
}

// ModelLister exposes provider model names. The provider client
// satisfies it.
type ModelLister interface {
	Model() string
	ListModels(ctx context.Context) []string
}

// ModelsHandler handles the provider models endpoint.
type ModelsHandler struct {
	provider    ModelLister
	providerCfg config.ProviderConfig
}

// NewModelsHandler creates a models handler.
func NewModelsHandler(provider ModelLister, providerCfg config.ProviderConfig) *ModelsHandler {
	return &ModelsHandler{provider: provider, providerCfg: providerCfg}
}

// List handles GET /api/v1/models.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, models.ModelsResponse{
		Primary:   h.provider.Model(),
		Fallbacks: h.providerCfg.FallbackModels,
		Available: h.provider.ListModels(r.Context()),
	})
}

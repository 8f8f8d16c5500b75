// Package api provides HTTP API server components.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/handlers"
	"github.com/doppeld/doppeld/pkg/api/middleware"
	"github.com/doppeld/doppeld/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Chat handles the chat turn endpoint.
	Chat *handlers.ChatHandler

	// Conversations handles history endpoints.
	Conversations *handlers.ConversationHandler

	// Feedback handles the evolution entry point.
	Feedback *handlers.FeedbackHandler

	// Retrieval handles retrieval preview and index endpoints.
	Retrieval *handlers.RetrievalHandler

	// Stream handles the websocket bubble stream.
	Stream *handlers.StreamHandler

	// Models handles the provider models endpoint.
	Models *handlers.ModelsHandler

	// Health handles health check endpoints.
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder.
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}

	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout))

	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Chat != nil {
			r.Post("/chat", handlers.Chat.Chat)
		}
		if handlers.Stream != nil {
			r.Get("/chat/{id}/stream", handlers.Stream.ServeHTTP)
		}

		if handlers.Conversations != nil {
			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", handlers.Conversations.List)
				r.Get("/{id}", handlers.Conversations.Get)
				r.Get("/{id}/candidates", handlers.Conversations.Candidates)
			})
		}

		if handlers.Feedback != nil {
			r.Post("/feedback", handlers.Feedback.Accept)
		}

		if handlers.Retrieval != nil {
			r.Get("/retrieval/preview", handlers.Retrieval.Preview)
			r.Route("/index", func(r chi.Router) {
				r.Get("/status", handlers.Retrieval.IndexStatus)
				r.Post("/build", handlers.Retrieval.IndexBuild)
			})
		}

		if handlers.Models != nil {
			r.Get("/models", handlers.Models.List)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/events"
	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/api/response"
	"github.com/doppeld/doppeld/pkg/evolution"
	"github.com/doppeld/doppeld/pkg/logger"
)

// FeedbackAcceptor runs the evolution pass for liked messages. The
// evolution manager satisfies it.
type FeedbackAcceptor interface {
	AcceptFeedback(ctx context.Context, personaKey, conversationID string, messageIDs []int64, comment string) (*evolution.Result, error)
}

// FeedbackMetrics records evolution outcomes. The metrics manager
// satisfies it.
type FeedbackMetrics interface {
	RecordFeedback(samples int)
	RecordPersonaPromotion()
}

// FeedbackHandler handles the feedback endpoint.
type FeedbackHandler struct {
	acceptor    FeedbackAcceptor
	broadcaster *events.Broadcaster
	metrics     FeedbackMetrics
	personaCfg  config.PersonaConfig
	logger      logger.Logger
	validator   *validator.Validate
}

// NewFeedbackHandler creates a feedback handler. broadcaster and
// metrics may be nil.
func NewFeedbackHandler(
	acceptor FeedbackAcceptor,
	broadcaster *events.Broadcaster,
	metrics FeedbackMetrics,
	personaCfg config.PersonaConfig,
	log logger.Logger,
) *FeedbackHandler {
	return &FeedbackHandler{
		acceptor:    acceptor,
		broadcaster: broadcaster,
		metrics:     metrics,
		personaCfg:  personaCfg,
		logger:      log,
		validator:   validator.New(),
	}
}

// Accept handles POST /api/v1/feedback.
func (h *FeedbackHandler) Accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode feedback request", "error", err)
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", getRequestID(ctx))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.logger.Error("Feedback validation failed", "error", err)
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	personaKey := req.PersonaKey
	if personaKey == "" {
		personaKey = h.personaCfg.DefaultKey
	}

	result, err := h.acceptor.AcceptFeedback(ctx, personaKey, req.ConversationID, req.MessageIDs, req.Comment)
	if err != nil {
		h.logger.Error("Feedback pass failed", "conversation", req.ConversationID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to process feedback", getRequestID(ctx))
		return
	}

	if h.metrics != nil {
		h.metrics.RecordFeedback(result.AcceptedCount)
		if result.Promoted {
			h.metrics.RecordPersonaPromotion()
		}
	}
	if h.broadcaster != nil && result.Promoted {
		h.broadcaster.BroadcastPersonaPromoted(personaKey, int(result.PersonaVersion), time.Now().UTC())
	}

	response.JSON(w, http.StatusOK, models.FeedbackResponse{
		FeedbackID:        result.FeedbackID,
		AcceptedCount:     result.AcceptedCount,
		SkippedCount:      result.SkippedCount,
		PreferenceVersion: result.PreferenceVersion,
		PersonaVersion:    result.PersonaVersion,
		Promoted:          result.Promoted,
		Summary:           result.Summary,
	})
}

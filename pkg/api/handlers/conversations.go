package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/api/response"
	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/logger"
)

const defaultHistoryLimit = 50

// HistoryLog is the conversation surface the history handler reads.
type HistoryLog interface {
	Conversations(ctx context.Context) ([]string, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	Candidates(ctx context.Context, conversationID string, userMessageID int64) ([]conversation.CandidateRecord, error)
}

// ConversationHandler handles conversation history endpoints.
type ConversationHandler struct {
	convs  HistoryLog
	logger logger.Logger
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(convs HistoryLog, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{convs: convs, logger: log}
}

// List handles GET /api/v1/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.convs.Conversations(ctx)
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to list conversations", getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, models.ConversationListResponse{
		Conversations: ids,
		Count:         len(ids),
	})
}

// Get handles GET /api/v1/conversations/{id}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Conversation ID is required", getRequestID(ctx))
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "limit must be a positive integer", getRequestID(ctx))
			return
		}
		limit = parsed
	}

	msgs, err := h.convs.Messages(ctx, conversationID, limit)
	if err != nil {
		h.logger.Error("Failed to load messages", "conversation", conversationID, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, models.MessageView{
			ID:            m.ID,
			Role:          m.Role,
			Content:       m.Content,
			MessageType:   m.MessageType,
			FeedbackScore: m.FeedbackScore,
			CreatedAt:     m.CreatedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.ConversationResponse{
		ConversationID: conversationID,
		Messages:       views,
		Count:          len(views),
	})
}

// Candidates handles GET /api/v1/conversations/{id}/candidates. It
// returns the archived candidate pool of the turn started by the user
// message given in the query.
func (h *ConversationHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Conversation ID is required", getRequestID(ctx))
		return
	}

	userMessageID, err := strconv.ParseInt(r.URL.Query().Get("user_message_id"), 10, 64)
	if err != nil || userMessageID < 1 {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "user_message_id must be a positive integer", getRequestID(ctx))
		return
	}

	records, err := h.convs.Candidates(ctx, conversationID, userMessageID)
	if err != nil {
		h.logger.Error("Failed to load candidates", "conversation", conversationID, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	views := make([]models.CandidateView, 0, len(records))
	for _, rec := range records {
		views = append(views, models.CandidateView{
			Index:    rec.Index,
			Bubbles:  rec.Bubbles,
			Strategy: rec.Strategy,
			Score:    rec.Score,
			Selected: rec.Selected,
		})
	}

	response.JSON(w, http.StatusOK, models.CandidateListResponse{
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		Candidates:     views,
	})
}

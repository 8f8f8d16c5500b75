// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/events"
	"github.com/doppeld/doppeld/pkg/api/middleware"
	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/api/response"
	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/logger"
	"github.com/doppeld/doppeld/pkg/pipeline"
	"github.com/doppeld/doppeld/pkg/temporal"
)

const (
	// turnTimeout bounds one whole pipeline run including provider calls.
	turnTimeout = 90 * time.Second

	topicSummaryRunes = 32
)

// TurnRunner runs one generation turn. The pipeline satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, conversationID, personaKey, userMessage string, hints pipeline.TurnHints) (*pipeline.Result, error)
}

// TurnLog is the conversation surface the chat handler writes.
type TurnLog interface {
	AppendMessage(ctx context.Context, conversationID, role, content, messageType string, metadata map[string]string) (int64, error)
	State(ctx context.Context, conversationID string) (*conversation.TemporalState, error)
	SaveState(ctx context.Context, conversationID string, state *conversation.TemporalState) error
	SaveCandidates(ctx context.Context, conversationID string, userMessageID int64, candidates []conversation.CandidateRecord, selectedIndex int) error
}

// TurnMetrics records per-turn pipeline outcomes. The metrics manager
// satisfies it.
type TurnMetrics interface {
	RecordTurn(finalPath string, duration time.Duration, candidates int)
	RecordRepair(outcome string)
	RecordFallback(reason string)
}

// ChatHandler handles the chat turn endpoint.
type ChatHandler struct {
	runner      TurnRunner
	convs       TurnLog
	temporal    *temporal.Builder
	broadcaster *events.Broadcaster
	metrics     TurnMetrics
	personaCfg  config.PersonaConfig
	logger      logger.Logger
	validator   *validator.Validate
	now         func() time.Time
}

// NewChatHandler creates a chat handler. broadcaster and metrics may be
// nil when streaming or metrics are disabled.
func NewChatHandler(
	runner TurnRunner,
	convs TurnLog,
	tb *temporal.Builder,
	broadcaster *events.Broadcaster,
	metrics TurnMetrics,
	personaCfg config.PersonaConfig,
	log logger.Logger,
) *ChatHandler {
	return &ChatHandler{
		runner:      runner,
		convs:       convs,
		temporal:    tb,
		broadcaster: broadcaster,
		metrics:     metrics,
		personaCfg:  personaCfg,
		logger:      log,
		validator:   validator.New(),
		now:         time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (h *ChatHandler) WithClock(now func() time.Time) *ChatHandler {
	h.now = now
	return h
}

// Chat handles POST /api/v1/chat: one full turn from user message to
// persisted assistant bubbles.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode chat request", "error", err)
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", getRequestID(ctx))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.logger.Error("Chat validation failed", "error", err)
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	personaKey := req.PersonaKey
	if personaKey == "" {
		personaKey = h.personaCfg.DefaultKey
	}

	nowUTC := h.now().UTC()

	stored, err := h.convs.State(ctx, req.ConversationID)
	if err != nil {
		h.logger.Error("Failed to load temporal state", "conversation", req.ConversationID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to load conversation state", getRequestID(ctx))
		return
	}
	tctx := h.temporal.Build(req.Message, nowUTC, time.Time{}, temporalState(stored))

	userMsgID, err := h.convs.AppendMessage(ctx, req.ConversationID, conversation.RoleUser, req.Message, "text", map[string]string{
		"gap_bucket": tctx.GapBucket,
	})
	if err != nil {
		h.logger.Error("Failed to append user message", "conversation", req.ConversationID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to store message", getRequestID(ctx))
		return
	}

	// The pipeline finishes its run even if the caller hangs up; a
	// half-generated turn must never leave the log without a reply.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), turnTimeout)
	defer cancel()

	started := h.now()
	result, err := h.runner.Run(turnCtx, req.ConversationID, personaKey, req.Message, pipeline.TurnHints{
		PartOfDay:     tctx.PartOfDay,
		GapBucket:     tctx.GapBucket,
		ShouldTimeAck: tctx.ShouldTimeAck,
	})
	if err != nil {
		h.logger.Error("Pipeline run failed", "conversation", req.ConversationID, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to generate reply", getRequestID(ctx))
		return
	}
	h.recordTurn(result, h.now().Sub(started))

	timeAck := temporal.DetectTimeAck(result.Bubbles)

	messageIDs := make([]int64, 0, len(result.Bubbles))
	for i, bubble := range result.Bubbles {
		id, err := h.convs.AppendMessage(turnCtx, req.ConversationID, conversation.RoleAssistant, bubble, "text", map[string]string{
			"final_path": result.FinalPath,
			"delay_ms":   strconv.Itoa(result.Delays[i]),
		})
		if err != nil {
			h.logger.Error("Failed to append assistant bubble", "conversation", req.ConversationID, "error", err)
			response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to store reply", getRequestID(ctx))
			return
		}
		messageIDs = append(messageIDs, id)
	}

	if err := h.convs.SaveCandidates(turnCtx, req.ConversationID, userMsgID, candidateRecords(req.ConversationID, userMsgID, result), result.SelectedIndex); err != nil {
		h.logger.Warn("Failed to archive candidates", "conversation", req.ConversationID, "error", err)
	}

	newState := &conversation.TemporalState{
		LastUserAt:       nowUTC.Unix(),
		LastAssistantAt:  h.now().UTC().Unix(),
		LastTimeAckAt:    previousAck(stored),
		LastTopicSummary: topicSummary(req.Message),
	}
	if timeAck {
		newState.LastTimeAckAt = nowUTC.Unix()
	}
	if err := h.convs.SaveState(turnCtx, req.ConversationID, newState); err != nil {
		h.logger.Warn("Failed to save temporal state", "conversation", req.ConversationID, "error", err)
	}

	if h.broadcaster != nil {
		h.broadcaster.BroadcastTurnCompleted(req.ConversationID, userMsgID, result.Bubbles, result.Delays, result.FinalPath, h.now().UTC())
	}

	bubbles := make([]models.Bubble, 0, len(result.Bubbles))
	for i, text := range result.Bubbles {
		bubbles = append(bubbles, models.Bubble{Text: text, DelayMS: result.Delays[i]})
	}

	resp := models.ChatResponse{
		ConversationID: req.ConversationID,
		PersonaKey:     personaKey,
		UserMessageID:  userMsgID,
		MessageIDs:     messageIDs,
		Bubbles:        bubbles,
		Debug:          chatDebug(result, timeAck, tctx.GapBucket),
	}
	response.JSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) recordTurn(result *pipeline.Result, duration time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordTurn(result.FinalPath, duration, len(result.Candidates))
	if result.RepairApplied {
		h.metrics.RecordRepair("accepted")
	}
	if result.FinalPath == pipeline.PathFallback {
		h.metrics.RecordFallback(result.FallbackReason)
	}
}

func temporalState(stored *conversation.TemporalState) *temporal.State {
	if stored == nil {
		return nil
	}
	st := &temporal.State{}
	if stored.LastUserAt > 0 {
		st.LastUserAt = time.Unix(stored.LastUserAt, 0).UTC()
	}
	if stored.LastTimeAckAt > 0 {
		st.LastTimeAckAt = time.Unix(stored.LastTimeAckAt, 0).UTC()
	}
	return st
}

func previousAck(stored *conversation.TemporalState) int64 {
	if stored == nil {
		return 0
	}
	return stored.LastTimeAckAt
}

func topicSummary(userMessage string) string {
	runes := []rune(userMessage)
	if len(runes) > topicSummaryRunes {
		runes = runes[:topicSummaryRunes]
	}
	return string(runes)
}

func candidateRecords(conversationID string, userMsgID int64, result *pipeline.Result) []conversation.CandidateRecord {
	records := make([]conversation.CandidateRecord, 0, len(result.Candidates))
	for i, cand := range result.Candidates {
		breakdown, _ := json.Marshal(cand.Scores)
		records = append(records, conversation.CandidateRecord{
			ConversationID: conversationID,
			UserMessageID:  userMsgID,
			Index:          i,
			Bubbles:        cand.Bubbles,
			Strategy:       cand.Strategy,
			Score:          cand.Scores.Total,
			Selected:       i == result.SelectedIndex,
			Breakdown:      breakdown,
		})
	}
	return records
}

func chatDebug(result *pipeline.Result, timeAck bool, gapBucket string) *models.ChatDebug {
	debug := &models.ChatDebug{
		FinalPath:      result.FinalPath,
		FallbackReason: result.FallbackReason,
		RepairApplied:  result.RepairApplied,
		SelectedIndex:  result.SelectedIndex,
		CandidateCount: len(result.Candidates),
		PlannerModel:   result.PlannerModel,
		GeneratorModel: result.GeneratorModel,
		CriticModel:    result.CriticModel,
		RAGChars:       result.RAGChars,
		TimeAck:        timeAck,
		GapBucket:      gapBucket,
	}
	if result.SelectedIndex >= 0 && result.SelectedIndex < len(result.Candidates) {
		debug.SelectedScore = result.Candidates[result.SelectedIndex].Scores.Total
	}
	return debug
}

// getRequestID extracts the request ID from context.
func getRequestID(ctx context.Context) string {
	if id := middleware.GetRequestID(ctx); id != "" {
		return id
	}
	return "unknown"
}

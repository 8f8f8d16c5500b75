package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/api/response"
	"github.com/doppeld/doppeld/pkg/logger"
	"github.com/doppeld/doppeld/pkg/retrieval"
	"github.com/doppeld/doppeld/pkg/segment"
)

const defaultPreviewK = 5

// SegmentRetriever previews ranked segments. The retrieval engine
// satisfies it.
type SegmentRetriever interface {
	Retrieve(ctx context.Context, query, personaKey string, k int) ([]retrieval.RankedSegment, error)
}

// Indexer builds and inspects the embedding index. The index builder
// satisfies it.
type Indexer interface {
	Status(ctx context.Context, personaKey string) (retrieval.IndexStatus, error)
	Build(ctx context.Context, personaKey string) (retrieval.BuildReport, error)
}

// RetrievalHandler handles retrieval debug and index endpoints.
type RetrievalHandler struct {
	retriever  SegmentRetriever
	indexer    Indexer
	personaCfg config.PersonaConfig
	logger     logger.Logger
}

// NewRetrievalHandler creates a retrieval handler.
func NewRetrievalHandler(retriever SegmentRetriever, indexer Indexer, personaCfg config.PersonaConfig, log logger.Logger) *RetrievalHandler {
	return &RetrievalHandler{
		retriever:  retriever,
		indexer:    indexer,
		personaCfg: personaCfg,
		logger:     log,
	}
}

func (h *RetrievalHandler) personaKey(r *http.Request) string {
	if key := r.URL.Query().Get("persona"); key != "" {
		return key
	}
	return h.personaCfg.DefaultKey
}

// Preview handles GET /api/v1/retrieval/preview?q=.
func (h *RetrievalHandler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query().Get("q")
	if query == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "Query parameter q is required", getRequestID(ctx))
		return
	}

	k := defaultPreviewK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "k must be between 1 and 50", getRequestID(ctx))
			return
		}
		k = parsed
	}

	personaKey := h.personaKey(r)
	segments, err := h.retriever.Retrieve(ctx, query, personaKey, k)
	if err != nil {
		h.logger.Error("Retrieval preview failed", "query", query, "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Retrieval failed", getRequestID(ctx))
		return
	}

	views := make([]models.RetrievalPreviewSegment, 0, len(segments))
	for _, seg := range segments {
		views = append(views, models.RetrievalPreviewSegment{
			SegmentID: seg.Segment.ID,
			Semantic:  seg.Semantic,
			Lexical:   seg.Lexical,
			Recency:   seg.Recency,
			Score:     seg.Score,
			Lines:     renderLines(seg.Lines),
		})
	}

	response.JSON(w, http.StatusOK, models.RetrievalPreviewResponse{
		Query:    query,
		Persona:  personaKey,
		Segments: views,
	})
}

// IndexStatus handles GET /api/v1/index/status.
func (h *RetrievalHandler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := h.indexer.Status(ctx, h.personaKey(r))
	if err != nil {
		h.logger.Error("Index status failed", "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Failed to read index status", getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, status)
}

// IndexBuild handles POST /api/v1/index/build. A build already in
// flight answers 409 rather than queueing a second pass.
func (h *RetrievalHandler) IndexBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.indexer.Build(ctx, h.personaKey(r))
	if err != nil {
		if errors.Is(err, retrieval.ErrBuildInProgress) {
			response.Error(w, http.StatusConflict, response.ErrCodeConflict, "Index build already in progress", getRequestID(ctx))
			return
		}
		h.logger.Error("Index build failed", "error", err)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "Index build failed", getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, report)
}

func renderLines(lines []segment.Line) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, line.Role+": "+line.Text)
	}
	return out
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/retrieval"
	"github.com/doppeld/doppeld/pkg/segment"
)

type stubSegmentRetriever struct {
	segments []retrieval.RankedSegment
	err      error

	gotQuery   string
	gotPersona string
	gotK       int
}

func (s *stubSegmentRetriever) Retrieve(_ context.Context, query, personaKey string, k int) ([]retrieval.RankedSegment, error) {
	s.gotQuery = query
	s.gotPersona = personaKey
	s.gotK = k
	return s.segments, s.err
}

type stubIndexer struct {
	status   retrieval.IndexStatus
	report   retrieval.BuildReport
	buildErr error
}

func (s *stubIndexer) Status(context.Context, string) (retrieval.IndexStatus, error) {
	return s.status, nil
}

func (s *stubIndexer) Build(context.Context, string) (retrieval.BuildReport, error) {
	return s.report, s.buildErr
}

func rankedSegment(id int64, score float64) retrieval.RankedSegment {
	return retrieval.RankedSegment{
		Segment: &segment.Segment{ID: id, PersonaKey: "dxa", AnchorText: "吃火锅吗"},
		Lines: []segment.Line{
			{Role: segment.RoleUser, Text: "吃火锅吗"},
			{Role: segment.RoleAssistant, Text: "走起走起"},
		},
		Semantic: 0.8,
		Lexical:  0.5,
		Recency:  0.4,
		Score:    score,
	}
}

func TestRetrievalHandler_Preview(t *testing.T) {
	retriever := &stubSegmentRetriever{segments: []retrieval.RankedSegment{rankedSegment(3, 0.74)}}
	h := NewRetrievalHandler(retriever, &stubIndexer{}, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/retrieval/preview?q=火锅&k=3", nil)
	rec := httptest.NewRecorder()
	h.Preview(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if retriever.gotQuery != "火锅" || retriever.gotK != 3 || retriever.gotPersona != "dxa" {
		t.Errorf("retriever got query=%q k=%d persona=%q", retriever.gotQuery, retriever.gotK, retriever.gotPersona)
	}

	var resp models.RetrievalPreviewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].SegmentID != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Segments[0].Lines[1] != "assistant: 走起走起" {
		t.Errorf("rendered line = %q", resp.Segments[0].Lines[1])
	}
}

func TestRetrievalHandler_PreviewRequiresQuery(t *testing.T) {
	h := NewRetrievalHandler(&stubSegmentRetriever{}, &stubIndexer{}, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/retrieval/preview", nil)
	rec := httptest.NewRecorder()
	h.Preview(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRetrievalHandler_PreviewPersonaOverride(t *testing.T) {
	retriever := &stubSegmentRetriever{}
	h := NewRetrievalHandler(retriever, &stubIndexer{}, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/retrieval/preview?q=hi&persona=other", nil)
	rec := httptest.NewRecorder()
	h.Preview(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if retriever.gotPersona != "other" {
		t.Errorf("persona = %q, want other", retriever.gotPersona)
	}
}

func TestRetrievalHandler_IndexStatus(t *testing.T) {
	indexer := &stubIndexer{status: retrieval.IndexStatus{
		PersonaKey: "dxa",
		Segments:   120,
		Embedded:   100,
		Missing:    20,
	}}
	h := NewRetrievalHandler(&stubSegmentRetriever{}, indexer, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/index/status", nil)
	rec := httptest.NewRecorder()
	h.IndexStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status retrieval.IndexStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Missing != 20 {
		t.Errorf("missing = %d, want 20", status.Missing)
	}
}

func TestRetrievalHandler_IndexBuild(t *testing.T) {
	indexer := &stubIndexer{report: retrieval.BuildReport{PersonaKey: "dxa", Embedded: 20}}
	h := NewRetrievalHandler(&stubSegmentRetriever{}, indexer, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/index/build", nil)
	rec := httptest.NewRecorder()
	h.IndexBuild(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report retrieval.BuildReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Embedded != 20 {
		t.Errorf("embedded = %d, want 20", report.Embedded)
	}
}

func TestRetrievalHandler_IndexBuildConflict(t *testing.T) {
	indexer := &stubIndexer{buildErr: retrieval.ErrBuildInProgress}
	h := NewRetrievalHandler(&stubSegmentRetriever{}, indexer, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/index/build", nil)
	rec := httptest.NewRecorder()
	h.IndexBuild(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api/events"
	"github.com/doppeld/doppeld/pkg/api/models"
	"github.com/doppeld/doppeld/pkg/evolution"
)

type stubAcceptor struct {
	result *evolution.Result
	err    error

	gotPersona string
	gotIDs     []int64
}

func (s *stubAcceptor) AcceptFeedback(_ context.Context, personaKey, _ string, messageIDs []int64, _ string) (*evolution.Result, error) {
	s.gotPersona = personaKey
	s.gotIDs = messageIDs
	return s.result, s.err
}

type captureFeedbackMetrics struct {
	samples    int
	promotions int
}

func (c *captureFeedbackMetrics) RecordFeedback(samples int) { c.samples += samples }
func (c *captureFeedbackMetrics) RecordPersonaPromotion()    { c.promotions++ }

func postFeedback(t *testing.T, h *FeedbackHandler, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.Accept(rec, req)
	return rec
}

func TestFeedbackHandler_Accept(t *testing.T) {
	acceptor := &stubAcceptor{result: &evolution.Result{
		FeedbackID:        11,
		AcceptedCount:     2,
		SkippedCount:      1,
		PreferenceVersion: 3,
		PersonaVersion:    2,
		Summary:           "已根据反馈微调偏好参数",
	}}
	metrics := &captureFeedbackMetrics{}
	h := NewFeedbackHandler(acceptor, nil, metrics, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	rec := postFeedback(t, h, models.FeedbackRequest{
		ConversationID: "conv-1",
		MessageIDs:     []int64{4, 5, 9},
		Comment:        "这组语气很像",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if acceptor.gotPersona != "dxa" {
		t.Errorf("persona = %q, want default dxa", acceptor.gotPersona)
	}
	if len(acceptor.gotIDs) != 3 {
		t.Errorf("ids = %v", acceptor.gotIDs)
	}

	var resp models.FeedbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FeedbackID != 11 || resp.AcceptedCount != 2 || resp.SkippedCount != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if metrics.samples != 2 {
		t.Errorf("recorded samples = %d, want 2", metrics.samples)
	}
	if metrics.promotions != 0 {
		t.Errorf("promotions = %d, want 0", metrics.promotions)
	}
}

func TestFeedbackHandler_PromotionBroadcast(t *testing.T) {
	acceptor := &stubAcceptor{result: &evolution.Result{
		FeedbackID:     12,
		AcceptedCount:  5,
		PersonaVersion: 4,
		Promoted:       true,
		Summary:        "已按最近正反馈样本做保守微调",
	}}
	metrics := &captureFeedbackMetrics{}
	broadcaster := events.NewBroadcaster()
	ch := broadcaster.Subscribe(2)
	defer broadcaster.Close()

	h := NewFeedbackHandler(acceptor, broadcaster, metrics, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	rec := postFeedback(t, h, models.FeedbackRequest{
		ConversationID: "conv-1",
		PersonaKey:     "other",
		MessageIDs:     []int64{1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if acceptor.gotPersona != "other" {
		t.Errorf("persona = %q, want other", acceptor.gotPersona)
	}
	if metrics.promotions != 1 {
		t.Errorf("promotions = %d, want 1", metrics.promotions)
	}

	select {
	case event := <-ch:
		if event.Type != "persona.promoted" {
			t.Fatalf("event type = %q", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a persona.promoted broadcast")
	}
}

func TestFeedbackHandler_Validation(t *testing.T) {
	h := NewFeedbackHandler(&stubAcceptor{}, nil, nil, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	rec := postFeedback(t, h, models.FeedbackRequest{ConversationID: "conv-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ids status = %d, want 400", rec.Code)
	}

	rec = postFeedback(t, h, models.FeedbackRequest{MessageIDs: []int64{1}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing conversation status = %d, want 400", rec.Code)
	}
}

func TestFeedbackHandler_AcceptorError(t *testing.T) {
	h := NewFeedbackHandler(&stubAcceptor{err: errors.New("store closed")}, nil, nil, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	rec := postFeedback(t, h, models.FeedbackRequest{ConversationID: "conv-1", MessageIDs: []int64{1}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

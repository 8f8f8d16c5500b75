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
	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/logger"
	"github.com/doppeld/doppeld/pkg/pipeline"
	"github.com/doppeld/doppeld/pkg/temporal"
)

func testHandlerLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Output: "stdout",
	})
}

type stubRunner struct {
	result *pipeline.Result
	err    error

	gotConversation string
	gotPersona      string
	gotMessage      string
	gotHints        pipeline.TurnHints
}

func (s *stubRunner) Run(_ context.Context, conversationID, personaKey, userMessage string, hints pipeline.TurnHints) (*pipeline.Result, error) {
	s.gotConversation = conversationID
	s.gotPersona = personaKey
	s.gotMessage = userMessage
	s.gotHints = hints
	return s.result, s.err
}

type memoryTurnLog struct {
	nextID     int64
	messages   []conversation.Message
	state      *conversation.TemporalState
	candidates []conversation.CandidateRecord
	appendErr  error
}

func (l *memoryTurnLog) AppendMessage(_ context.Context, conversationID, role, content, messageType string, metadata map[string]string) (int64, error) {
	if l.appendErr != nil {
		return 0, l.appendErr
	}
	l.nextID++
	l.messages = append(l.messages, conversation.Message{
		ID:             l.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		MessageType:    messageType,
		Metadata:       metadata,
	})
	return l.nextID, nil
}

func (l *memoryTurnLog) State(context.Context, string) (*conversation.TemporalState, error) {
	return l.state, nil
}

func (l *memoryTurnLog) SaveState(_ context.Context, _ string, state *conversation.TemporalState) error {
	l.state = state
	return nil
}

func (l *memoryTurnLog) SaveCandidates(_ context.Context, _ string, _ int64, candidates []conversation.CandidateRecord, _ int) error {
	l.candidates = candidates
	return nil
}

func directResult(bubbles []string, delays []int) *pipeline.Result {
	candidates := []pipeline.Candidate{
		{Bubbles: bubbles, Strategy: "plan", Scores: pipeline.ScoreBreakdown{Total: 0.82}},
		{Bubbles: []string{"好"}, Strategy: "plan", Scores: pipeline.ScoreBreakdown{Total: 0.61}},
	}
	return &pipeline.Result{
		Bubbles:        bubbles,
		Delays:         delays,
		Candidates:     candidates,
		SelectedIndex:  0,
		FinalPath:      pipeline.PathDirect,
		GeneratorModel: "gemini-test",
		RAGChars:       480,
	}
}

func setupChat(t *testing.T, runner *stubRunner, log *memoryTurnLog) *ChatHandler {
	t.Helper()

	tb := temporal.NewBuilder("Asia/Shanghai", 6*time.Hour, temporal.DefaultThresholds())
	h := NewChatHandler(runner, log, tb, events.NewBroadcaster(), nil, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())
	fixed := time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC)
	return h.WithClock(func() time.Time { return fixed })
}

func postChat(t *testing.T, h *ChatHandler, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.Chat(rec, req)
	return rec
}

func TestChatHandler_FullTurn(t *testing.T) {
	runner := &stubRunner{result: directResult([]string{"想吃火锅啊", "走起"}, []int{770, 1400})}
	log := &memoryTurnLog{}
	h := setupChat(t, runner, log)

	rec := postChat(t, h, models.ChatRequest{
		ConversationID: "conv-1",
		Message:        "今晚去吃火锅吗",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp models.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.PersonaKey != "dxa" {
		t.Errorf("persona = %q, want default dxa", resp.PersonaKey)
	}
	if runner.gotPersona != "dxa" || runner.gotMessage != "今晚去吃火锅吗" {
		t.Errorf("runner got persona %q message %q", runner.gotPersona, runner.gotMessage)
	}
	if resp.UserMessageID != 1 {
		t.Errorf("user message id = %d, want 1", resp.UserMessageID)
	}
	if len(resp.Bubbles) != 2 || resp.Bubbles[1].DelayMS != 1400 {
		t.Fatalf("bubbles = %+v", resp.Bubbles)
	}
	if len(resp.MessageIDs) != 2 || resp.MessageIDs[0] != 2 {
		t.Errorf("message ids = %v, want assistant ids from 2", resp.MessageIDs)
	}
	if resp.Debug == nil || resp.Debug.FinalPath != pipeline.PathDirect {
		t.Fatalf("debug = %+v", resp.Debug)
	}
	if resp.Debug.SelectedScore != 0.82 {
		t.Errorf("selected score = %v, want 0.82", resp.Debug.SelectedScore)
	}

	// One user message plus one message per bubble.
	if len(log.messages) != 3 {
		t.Fatalf("stored messages = %d, want 3", len(log.messages))
	}
	if log.messages[0].Role != conversation.RoleUser {
		t.Errorf("first stored role = %q", log.messages[0].Role)
	}
	if log.messages[1].Metadata["final_path"] != pipeline.PathDirect {
		t.Errorf("assistant metadata = %v", log.messages[1].Metadata)
	}
	if len(log.candidates) != 2 {
		t.Errorf("archived candidates = %d, want 2", len(log.candidates))
	}
	if !log.candidates[0].Selected || log.candidates[1].Selected {
		t.Errorf("selected flags wrong: %+v", log.candidates)
	}
	if log.state == nil || log.state.LastUserAt == 0 {
		t.Fatalf("temporal state not saved: %+v", log.state)
	}
	if log.state.LastTimeAckAt != 0 {
		t.Errorf("no time ack emitted but LastTimeAckAt = %d", log.state.LastTimeAckAt)
	}
}

func TestChatHandler_TimeAckUpdatesState(t *testing.T) {
	runner := &stubRunner{result: directResult([]string{"好久不见啦", "最近咋样"}, []int{900, 1800})}
	log := &memoryTurnLog{
		state: &conversation.TemporalState{
			LastUserAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).Unix(),
		},
	}
	h := setupChat(t, runner, log)

	rec := postChat(t, h, models.ChatRequest{ConversationID: "conv-1", Message: "在吗"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if log.state.LastTimeAckAt == 0 {
		t.Error("expected LastTimeAckAt to be set after an emitted gap acknowledgment")
	}
	if !runner.gotHints.ShouldTimeAck {
		t.Error("pipeline should be told to acknowledge the gap")
	}
	if runner.gotHints.GapBucket != temporal.BucketWithinWeek {
		t.Errorf("hint gap bucket = %q, want %q", runner.gotHints.GapBucket, temporal.BucketWithinWeek)
	}
	if runner.gotHints.PartOfDay == "" {
		t.Error("hint part of day missing")
	}

	var resp models.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Debug.TimeAck {
		t.Error("debug.time_ack = false, want true")
	}
	if resp.Debug.GapBucket == "" {
		t.Error("expected a gap bucket for a four day silence")
	}
}

func TestChatHandler_ValidationErrors(t *testing.T) {
	h := setupChat(t, &stubRunner{result: directResult([]string{"好"}, []int{500})}, &memoryTurnLog{})

	rec := postChat(t, h, models.ChatRequest{ConversationID: "", Message: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing conversation id status = %d, want 400", rec.Code)
	}

	rec = postChat(t, h, models.ChatRequest{ConversationID: "conv-1", Message: ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing message status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader([]byte("{broken")))
	rec2 := httptest.NewRecorder()
	h.Chat(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("broken body status = %d, want 400", rec2.Code)
	}
}

func TestChatHandler_RunnerError(t *testing.T) {
	runner := &stubRunner{err: errors.New("persona profile missing")}
	h := setupChat(t, runner, &memoryTurnLog{})

	rec := postChat(t, h, models.ChatRequest{ConversationID: "conv-1", Message: "你好"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestChatHandler_BroadcastsTurn(t *testing.T) {
	runner := &stubRunner{result: directResult([]string{"走起"}, []int{600})}
	log := &memoryTurnLog{}

	broadcaster := events.NewBroadcaster()
	ch := broadcaster.Subscribe(4)
	defer broadcaster.Close()

	tb := temporal.NewBuilder("Asia/Shanghai", 6*time.Hour, temporal.DefaultThresholds())
	h := NewChatHandler(runner, log, tb, broadcaster, nil, config.PersonaConfig{DefaultKey: "dxa"}, testHandlerLogger())

	rec := postChat(t, h, models.ChatRequest{ConversationID: "conv-7", Message: "走吗"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case event := <-ch:
		if event.Type != "turn.completed" {
			t.Fatalf("event type = %q", event.Type)
		}
		payload := event.Payload.(map[string]any)
		if payload["conversation_id"] != "conv-7" {
			t.Errorf("conversation_id = %v", payload["conversation_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a turn.completed broadcast")
	}
}

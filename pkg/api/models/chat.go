// Package models defines API request/response data structures.
package models

// ChatRequest represents one incoming user turn.
type ChatRequest struct {
	// ConversationID identifies the conversation. A new id starts a
	// fresh conversation.
	ConversationID string `json:"conversation_id" validate:"required,min=1,max=128"`

	// PersonaKey selects the persona replying to this turn. Empty
	// falls back to the configured default persona.
	PersonaKey string `json:"persona_key,omitempty" validate:"omitempty,max=64"`

	// Message is the user's message text.
	Message string `json:"message" validate:"required,min=1,max=4000"`
}

// Bubble is one reply bubble with its typing-simulation delay.
type Bubble struct {
	Text    string `json:"text"`

	// DelayMS is the cumulative delay before this bubble should appear.
	DelayMS int `json:"delay_ms"`
}

// ChatDebug carries per-turn selector observability.
type ChatDebug struct {
	FinalPath      string  `json:"final_path"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
	RepairApplied  bool    `json:"repair_applied"`
	SelectedIndex  int     `json:"selected_index"`
	CandidateCount int     `json:"candidate_count"`
	SelectedScore  float64 `json:"selected_score"`
	PlannerModel   string  `json:"planner_model,omitempty"`
	GeneratorModel string  `json:"generator_model,omitempty"`
	CriticModel    string  `json:"critic_model,omitempty"`
	RAGChars       int     `json:"rag_chars"`
	TimeAck        bool    `json:"time_ack"`
	GapBucket      string  `json:"gap_bucket,omitempty"`
}

// ChatResponse is one completed turn.
type ChatResponse struct {
	ConversationID string   `json:"conversation_id"`
	PersonaKey     string   `json:"persona_key"`
	UserMessageID  int64    `json:"user_message_id"`
	MessageIDs     []int64  `json:"message_ids"`
	Bubbles        []Bubble `json:"bubbles"`
	Debug          *ChatDebug `json:"debug,omitempty"`
}

// ConversationListResponse lists known conversation ids.
type ConversationListResponse struct {
	Conversations []string `json:"conversations"`
	Count         int      `json:"count"`
}

// MessageView is one message in a history response.
type MessageView struct {
	ID            int64  `json:"id"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	FeedbackScore int    `json:"feedback_score"`
	CreatedAt     int64  `json:"created_at"`
}

// ConversationResponse is the message history of one conversation.
type ConversationResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
	Count          int           `json:"count"`
}

// CandidateView is one archived candidate of a turn.
type CandidateView struct {
	Index    int      `json:"index"`
	Bubbles  []string `json:"bubbles"`
	Strategy string   `json:"strategy"`
	Score    float64  `json:"score"`
	Selected bool     `json:"selected"`
}

// CandidateListResponse is the candidate audit trail of one turn.
type CandidateListResponse struct {
	ConversationID string          `json:"conversation_id"`
	UserMessageID  int64           `json:"user_message_id"`
	Candidates     []CandidateView `json:"candidates"`
}

// FeedbackRequest marks messages as positive style examples.
type FeedbackRequest struct {
	ConversationID string  `json:"conversation_id" validate:"required,min=1,max=128"`

	// PersonaKey selects the persona to evolve. Empty falls back to
	// the configured default persona.
	PersonaKey string `json:"persona_key,omitempty" validate:"omitempty,max=64"`

	// MessageIDs are the liked message ids.
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1,max=50"`

	// Comment is an optional free-text note from the user.
	Comment string `json:"comment,omitempty" validate:"max=500"`
}

// FeedbackResponse reports what the evolution pass did.
type FeedbackResponse struct {
	FeedbackID        int64  `json:"feedback_id"`
	AcceptedCount     int    `json:"accepted_count"`
	SkippedCount      int    `json:"skipped_count"`
	PreferenceVersion int64  `json:"preference_version"`
	PersonaVersion    int64  `json:"persona_version"`
	Promoted          bool   `json:"promoted"`
	Summary           string `json:"summary"`
}

// RetrievalPreviewSegment is one ranked segment in a preview response.
type RetrievalPreviewSegment struct {
	SegmentID int64    `json:"segment_id"`
	Semantic  float64  `json:"semantic_score"`
	Lexical   float64  `json:"lexical_score"`
	Recency   float64  `json:"recency_score"`
	Score     float64  `json:"retrieval_score"`
	Lines     []string `json:"lines"`
}

// RetrievalPreviewResponse is the debug surface of one retrieval run.
type RetrievalPreviewResponse struct {
	Query    string                    `json:"query"`
	Persona  string                    `json:"persona_key"`
	Segments []RetrievalPreviewSegment `json:"segments"`
}

// ModelsResponse lists provider model names visible to the daemon.
type ModelsResponse struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	Available []string `json:"available"`
}

// Package segment provides the historical chat segment store and its
// lexical and vector indexes.
package segment

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the segment store and indexes.
var (
	// ErrNotFound indicates the requested segment does not exist.
	ErrNotFound = errors.New("segment: not found")

	// ErrInvalidSegment indicates a structurally invalid segment.
	ErrInvalidSegment = errors.New("segment: invalid segment")

	// ErrDimensionMismatch indicates a vector dimension mismatch.
	ErrDimensionMismatch = errors.New("segment: vector dimension mismatch")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("segment: store is closed")
)

// Role values for segment lines.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Line is a single message inside a segment window.
type Line struct {
	MessageID int64  `json:"message_id"`
	Role      string `json:"role"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Segment is an immutable window of historical chat lines anchored on one
// user message. There is at most one segment per (persona, anchor message).
type Segment struct {
	ID              int64  `json:"id"`
	PersonaKey      string `json:"persona_key"`
	AnchorMessageID int64  `json:"anchor_message_id"`
	AnchorText      string `json:"anchor_text"`
	Lines           []Line `json:"lines"`
	StartMessageID  int64  `json:"start_message_id"`
	EndMessageID    int64  `json:"end_message_id"`
	AnchorTimestamp int64  `json:"anchor_timestamp"`
	CreatedAt       int64  `json:"created_at"`
}

// Validate checks structural invariants before a segment is stored.
func (s *Segment) Validate() error {
	if s.PersonaKey == "" {
		return fmt.Errorf("%w: empty persona key", ErrInvalidSegment)
	}
	if strings.TrimSpace(s.AnchorText) == "" {
		return fmt.Errorf("%w: empty anchor text", ErrInvalidSegment)
	}
	if len(s.Lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidSegment)
	}
	if s.StartMessageID > s.AnchorMessageID || s.AnchorMessageID > s.EndMessageID {
		return fmt.Errorf("%w: anchor %d outside window [%d,%d]",
			ErrInvalidSegment, s.AnchorMessageID, s.StartMessageID, s.EndMessageID)
	}
	return nil
}

// Text renders the segment as "role: text" lines for indexing and prompts.
func (s *Segment) Text() string {
	var sb strings.Builder
	for i, ln := range s.Lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(ln.Role)
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(ln.Text))
	}
	return sb.String()
}

// AssistantLines returns the non-empty assistant lines of the segment.
func (s *Segment) AssistantLines() []Line {
	var out []Line
	for _, ln := range s.Lines {
		if ln.Role == RoleAssistant && strings.TrimSpace(ln.Text) != "" {
			out = append(out, ln)
		}
	}
	return out
}

// Embedding is a stored vector for one segment.
type Embedding struct {
	SegmentID  int64     `json:"segment_id"`
	PersonaKey string    `json:"persona_key"`
	Model      string    `json:"model"`
	Dim        int       `json:"dim"`
	Vector     []float32 `json:"vector"`
}

// Validate checks the embedding width against its declared dimension.
func (e *Embedding) Validate() error {
	if e.Dim <= 0 || len(e.Vector) != e.Dim {
		return fmt.Errorf("%w: declared %d, got %d", ErrDimensionMismatch, e.Dim, len(e.Vector))
	}
	return nil
}

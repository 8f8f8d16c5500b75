package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	garbleRe = regexp.MustCompile(`锟|\x{FFFD}|/span>|<span|\\\\x`)
	tsCoreRe = regexp.MustCompile(`(?i)\d{4}[-/]\d{2}[-/]\d{2}\s+\d{1,2}:\d{2}:\d{2}(?:\s+[AP]M)?`)
)

var timestampLayouts = []string{
	"2006-01-02 3:04:05 PM",
	"2006-01-02 15:04:05",
	"2006/01/02 3:04:05 PM",
	"2006/01/02 15:04:05",
}

// flexString unmarshals from either a JSON string or number. Chat exports
// are inconsistent about quoting numeric fields.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// RawMessage is one entry of a chat export file.
type RawMessage struct {
	MsgID        int64      `json:"msg_id"`
	Sender       string     `json:"sender"`
	MsgType      flexString `json:"msg_type"`
	Content      string     `json:"content"`
	TimestampRaw string     `json:"timestamp_raw"`
}

// Message is a normalized chat message ready for segment building.
type Message struct {
	MessageID    int64  `json:"message_id"`
	Sender       string `json:"sender"`
	MsgType      string `json:"msg_type"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	Timestamp    int64  `json:"timestamp"`
	TimestampRaw string `json:"timestamp_raw"`
	Garbled      bool   `json:"garbled"`
}

// Usable reports whether the message participates in segment building.
// Only plain text messages (type "1") with clean non-empty content count.
func (m *Message) Usable() bool {
	return m.MsgType == "1" && !m.Garbled && m.Content != ""
}

// ParseTimestamp extracts a unix timestamp from a raw export timestamp.
// The core date-time is located anywhere in the string and interpreted
// in loc. Returns 0 when nothing parses.
func ParseTimestamp(raw string, loc *time.Location) int64 {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0
	}
	if m := tsCoreRe.FindString(text); m != "" {
		text = strings.TrimSpace(m)
	}
	text = strings.ToUpper(text)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// NormalizeOptions controls how raw export entries map onto roles.
type NormalizeOptions struct {
	// TargetSender is the person being reproduced; their messages become
	// the assistant role. Everyone else is the user.
	TargetSender string
	UserAliases  []string
	Location     *time.Location
}

// Normalize converts raw export entries into ordered messages with roles
// assigned and garbled content flagged.
func Normalize(raw []RawMessage, opts NormalizeOptions) []Message {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		sender := strings.TrimSpace(item.Sender)
		if sender == "" {
			sender = "Unknown"
		}
		role := RoleUser
		if sender == opts.TargetSender {
			role = RoleAssistant
		}
		out = append(out, Message{
			MessageID:    item.MsgID,
			Sender:       sender,
			MsgType:      string(item.MsgType),
			Role:         role,
			Content:      strings.TrimSpace(item.Content),
			Timestamp:    ParseTimestamp(item.TimestampRaw, loc),
			TimestampRaw: item.TimestampRaw,
			Garbled:      garbleRe.MatchString(item.Content),
		})
	}
	return out
}

// ReadChatExport reads a chat export file, a JSON array of message
// objects. Entries that fail to decode are skipped.
func ReadChatExport(path string) ([]RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("segment: read export %s: %w", path, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("segment: parse export %s: %w", path, err)
	}
	out := make([]RawMessage, 0, len(items))
	for _, item := range items {
		var raw RawMessage
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// BuildOptions controls the context window cut around each anchor.
type BuildOptions struct {
	WindowBefore int
	WindowAfter  int
	MaxLines     int
}

// DefaultBuildOptions returns the standard window tuning.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{WindowBefore: 6, WindowAfter: 8, MaxLines: 18}
}

// BuildSegments cuts one segment per user message out of the usable
// message stream. Each segment spans a window around its anchor; when an
// assistant reply run immediately follows the anchor, the window ends at
// the end of that run. The result is clamped to MaxLines centered on the
// anchor. Segment IDs are left unset; the store assigns them on Upsert.
func BuildSegments(msgs []Message, personaKey string, opts BuildOptions) []*Segment {
	winBefore := max(1, opts.WindowBefore)
	winAfter := max(1, opts.WindowAfter)
	maxLines := max(4, opts.MaxLines)

	usable := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Usable() {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	now := time.Now().Unix()
	var segments []*Segment
	for pos := range usable {
		anchor := usable[pos]
		if anchor.Role != RoleUser || anchor.Content == "" {
			continue
		}

		left := max(0, pos-winBefore)
		right := min(len(usable)-1, pos+winAfter)

		// When the anchor is answered by an assistant run, the segment
		// ends with that run instead of trailing into the next topic.
		runEnd := pos
		for j := pos + 1; j <= right && usable[j].Role == RoleAssistant; j++ {
			runEnd = j
		}
		if runEnd > pos {
			right = runEnd
		}

		window := usable[left : right+1]
		if len(window) > maxLines {
			anchorRel := pos - left
			keepLeft := max(0, anchorRel-maxLines/2)
			keepRight := keepLeft + maxLines
			if keepRight > len(window) {
				keepRight = len(window)
				keepLeft = max(0, keepRight-maxLines)
			}
			window = window[keepLeft:keepRight]
		}

		lines := make([]Line, len(window))
		for i, m := range window {
			lines[i] = Line{
				MessageID: m.MessageID,
				Role:      m.Role,
				Sender:    m.Sender,
				Text:      m.Content,
				Timestamp: m.Timestamp,
			}
		}

		segments = append(segments, &Segment{
			PersonaKey:      personaKey,
			AnchorMessageID: anchor.MessageID,
			AnchorText:      anchor.Content,
			Lines:           lines,
			StartMessageID:  window[0].MessageID,
			EndMessageID:    window[len(window)-1].MessageID,
			AnchorTimestamp: anchor.Timestamp,
			CreatedAt:       now,
		})
	}
	return segments
}

// IngestResult summarizes one ingest run.
type IngestResult struct {
	Messages int `json:"messages"`
	Garbled  int `json:"garbled"`
	Segments int `json:"segments"`
}

// IngestFiles reads chat exports, builds segments for the persona and
// upserts them into the store. Re-running over the same exports updates
// segments in place via their anchors.
func IngestFiles(ctx context.Context, store *Store, personaKey string, paths []string, norm NormalizeOptions, build BuildOptions, log storeLogger) (IngestResult, error) {
	var res IngestResult
	var msgs []Message
	for _, path := range paths {
		raw, err := ReadChatExport(path)
		if err != nil {
			log.Warn("chat export skipped", "path", path, "error", err)
			continue
		}
		msgs = append(msgs, Normalize(raw, norm)...)
	}
	res.Messages = len(msgs)
	for _, m := range msgs {
		if m.Garbled {
			res.Garbled++
		}
	}

	stored, err := IngestMessages(ctx, store, personaKey, msgs, build)
	if err != nil {
		return res, err
	}
	res.Segments = stored
	log.Info("chat history ingested",
		"persona", personaKey,
		"messages", res.Messages,
		"garbled", res.Garbled,
		"segments", res.Segments)
	return res, nil
}

// IngestMessages builds segments from already-normalized messages and
// upserts them, returning how many were stored.
func IngestMessages(ctx context.Context, store *Store, personaKey string, msgs []Message, build BuildOptions) (int, error) {
	segments := BuildSegments(msgs, personaKey, build)
	stored := 0
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		if _, err := store.Upsert(ctx, seg); err != nil {
			return stored, fmt.Errorf("segment: ingest upsert: %w", err)
		}
		stored++
	}
	return stored, nil
}

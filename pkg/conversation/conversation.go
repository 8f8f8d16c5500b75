// Package conversation persists the online chat log: per-conversation
// messages, temporal state, the candidate audit trail and feedback
// events. Badger keys are prefix-scoped per conversation so history
// scans stay cheap.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("conversation: message not found")

	// ErrLogClosed is returned on writes after Close.
	ErrLogClosed = errors.New("conversation: log closed")
)

// Roles stored in the message log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	msgPrefix   = "convmsg:"
	statePrefix = "convstate:"
	candPrefix  = "convcand:"
	fbPrefix    = "convfb:"

	msgSeqKey = "seq:convmsg"
	fbSeqKey  = "seq:convfb"
)

// Message is one logged chat message.
type Message struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	MessageType    string            `json:"message_type"`
	FeedbackScore  int               `json:"feedback_score"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      int64             `json:"created_at"`
}

// TemporalState is the per-conversation clock memory the temporal
// builder reads and the chat handler writes back after each turn.
type TemporalState struct {
	LastUserAt       int64  `json:"last_user_at"`
	LastAssistantAt  int64  `json:"last_assistant_at"`
	LastTimeAckAt    int64  `json:"last_time_ack_at"`
	LastTopicSummary string `json:"last_topic_summary"`
}

// CandidateRecord is one generated candidate archived for a turn.
type CandidateRecord struct {
	ConversationID string          `json:"conversation_id"`
	UserMessageID  int64           `json:"user_message_id"`
	Index          int             `json:"index"`
	Bubbles        []string        `json:"bubbles"`
	Strategy       string          `json:"strategy"`
	Score          float64         `json:"score"`
	Selected       bool            `json:"selected"`
	Breakdown      json.RawMessage `json:"breakdown,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

// FeedbackRecord is one accepted feedback event.
type FeedbackRecord struct {
	ID             int64   `json:"id"`
	ConversationID string  `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
	Comment        string  `json:"comment"`
	AcceptedAt     int64   `json:"accepted_at"`
}

type logBackend interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Log is the conversation store. Message ids are globally monotonic so
// feedback can reference them without a conversation-scoped counter.
type Log struct {
	db    *badger.DB
	msgs  *badger.Sequence
	fbs   *badger.Sequence
	log   logBackend
	now   func() time.Time
	mu    sync.Mutex
	close bool
}

// NewLog opens the conversation log over an existing badger instance.
func NewLog(db *badger.DB, log logBackend) (*Log, error) {
	msgs, err := db.GetSequence([]byte(msgSeqKey), 128)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	fbs, err := db.GetSequence([]byte(fbSeqKey), 32)
	if err != nil {
		msgs.Release()
		return nil, fmt.Errorf("feedback sequence: %w", err)
	}
	return &Log{db: db, msgs: msgs, fbs: fbs, log: log, now: time.Now}, nil
}

// Close releases the id sequences. The badger instance stays open, it
// is owned by the caller.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.close {
		return nil
	}
	l.close = true
	if err := l.msgs.Release(); err != nil {
		return err
	}
	return l.fbs.Release()
}

func msgKey(conversationID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", msgPrefix, conversationID, id))
}

func stateKey(conversationID string) []byte {
	return []byte(statePrefix + conversationID)
}

func candKey(conversationID string, userMessageID int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%03d", candPrefix, conversationID, userMessageID, index))
}

func fbKey(conversationID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", fbPrefix, conversationID, id))
}

// AppendMessage logs one message and returns its id.
func (l *Log) AppendMessage(ctx context.Context, conversationID, role, content, messageType string, metadata map[string]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.close {
		return 0, ErrLogClosed
	}
	next, err := l.msgs.Next()
	if err != nil {
		return 0, fmt.Errorf("next message id: %w", err)
	}
	id := int64(next) + 1

	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		MessageType:    messageType,
		Metadata:       metadata,
		CreatedAt:      l.now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(conversationID, id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("write message: %w", err)
	}
	return id, nil
}

// Message fetches a single message by id within a conversation.
func (l *Log) Message(ctx context.Context, conversationID string, id int64) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg Message
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(conversationID, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return &msg, nil
}

// Messages returns the last limit messages of a conversation in
// ascending id order. limit below one means everything.
func (l *Log) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	prefix := []byte(msgPrefix + conversationID + ":")
	var out []Message
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the last key in the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Search scans all conversations for messages containing the query as
// a substring, newest first, at most limit results.
func (l *Log) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 50
	}
	var out []Message
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(msgPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			if strings.Contains(msg.Content, query) {
				out = append(out, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FeedbackTargets resolves feedback message ids against a conversation.
// Unknown ids are skipped and counted, never an error.
func (l *Log) FeedbackTargets(ctx context.Context, conversationID string, ids []int64) ([]Message, int, error) {
	var (
		found   []Message
		skipped int
	)
	for _, id := range ids {
		msg, err := l.Message(ctx, conversationID, id)
		if errors.Is(err, ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		found = append(found, *msg)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, skipped, nil
}

// AddFeedback records a feedback event and bumps the feedback score of
// each referenced message that exists.
func (l *Log) AddFeedback(ctx context.Context, conversationID string, messageIDs []int64, comment string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.close {
		return 0, ErrLogClosed
	}
	next, err := l.fbs.Next()
	if err != nil {
		return 0, fmt.Errorf("next feedback id: %w", err)
	}
	id := int64(next) + 1

	record := FeedbackRecord{
		ID:             id,
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		Comment:        comment,
		AcceptedAt:     l.now().Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal feedback: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(fbKey(conversationID, id), data); err != nil {
			return err
		}
		for _, msgID := range messageIDs {
			key := msgKey(conversationID, msgID)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var msg Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			msg.FeedbackScore++
			updated, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(key, updated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("write feedback: %w", err)
	}
	return id, nil
}

// FeedbackRecords lists the feedback events of a conversation in
// ascending id order.
func (l *Log) FeedbackRecords(ctx context.Context, conversationID string) ([]FeedbackRecord, error) {
	prefix := []byte(fbPrefix + conversationID + ":")
	var out []FeedbackRecord
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec FeedbackRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode feedback: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveCandidates archives the scored candidates of one turn. The
// selected index is marked on its record.
func (l *Log) SaveCandidates(ctx context.Context, conversationID string, userMessageID int64, candidates []CandidateRecord, selectedIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.close {
		return ErrLogClosed
	}
	now := l.now().Unix()
	return l.db.Update(func(txn *badger.Txn) error {
		for i := range candidates {
			rec := candidates[i]
			rec.ConversationID = conversationID
			rec.UserMessageID = userMessageID
			rec.Index = i
			rec.Selected = i == selectedIndex
			rec.CreatedAt = now
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal candidate: %w", err)
			}
			if err := txn.Set(candKey(conversationID, userMessageID, i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Candidates returns the archived candidates of one turn in index order.
func (l *Log) Candidates(ctx context.Context, conversationID string, userMessageID int64) ([]CandidateRecord, error) {
	prefix := []byte(fmt.Sprintf("%s%s:%020d:", candPrefix, conversationID, userMessageID))
	var out []CandidateRecord
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec CandidateRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode candidate: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// State loads the temporal state of a conversation. A conversation
// without state yields the zero value, not an error.
func (l *Log) State(ctx context.Context, conversationID string) (*TemporalState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := &TemporalState{}
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, state)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read temporal state: %w", err)
	}
	return state, nil
}

// SaveState persists the temporal state of a conversation.
func (l *Log) SaveState(ctx context.Context, conversationID string, state *TemporalState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.close {
		return ErrLogClosed
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal temporal state: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(conversationID), data)
	})
}

// Conversations lists the distinct conversation ids seen in the log.
func (l *Log) Conversations(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(msgPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			rest := key[len(msgPrefix):]
			idx := bytes.LastIndexByte(rest, ':')
			if idx <= 0 {
				continue
			}
			seen[string(rest[:idx])] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

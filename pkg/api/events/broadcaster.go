package events

import (
	"sync"
	"time"
)

// Event is the canonical event payload broadcast to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Broadcaster broadcasts events to in-process subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts a generic event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// BroadcastTurnCompleted emits a completed chat turn with its paced
// bubbles. Stream clients subscribed to the conversation replay the
// bubbles using the delays.
func (b *Broadcaster) BroadcastTurnCompleted(
	conversationID string,
	userMessageID int64,
	bubbles []string,
	delaysMS []int,
	finalPath string,
	completedAt time.Time,
) {
	b.Broadcast(Event{
		Type: "turn.completed",
		Payload: map[string]any{
			"conversation_id": conversationID,
			"user_message_id": userMessageID,
			"bubbles":         bubbles,
			"delays_ms":       delaysMS,
			"final_path":      finalPath,
			"completed_at":    completedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

// BroadcastPersonaPromoted emits a persona adaptive-profile promotion.
func (b *Broadcaster) BroadcastPersonaPromoted(personaKey string, version int, updatedAt time.Time) {
	b.Broadcast(Event{
		Type: "persona.promoted",
		Payload: map[string]any{
			"persona_key": personaKey,
			"version":     version,
			"updated_at":  updatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

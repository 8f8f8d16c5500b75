package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/doppeld/doppeld/pkg/api/events"
	"github.com/doppeld/doppeld/pkg/logger"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
)

// WebSocketConfig configures stream handler behavior.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// StreamMessage is the websocket frame format sent to clients.
type StreamMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type incomingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type wsClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
	closeOnce     sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:          conn,
		send:          make(chan []byte, defaultSendBuffer),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *wsClient) subscribe(conversationID string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[conversationID] = struct{}{}
}

func (c *wsClient) unsubscribe(conversationID string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, conversationID)
}

func (c *wsClient) shouldReceive(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if conversationID == "" {
		return false
	}
	_, ok := c.subscriptions[conversationID]
	return ok
}

// trySend queues a frame without blocking. It reports false when the
// client's buffer is full.
func (c *wsClient) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// ConnectionManager manages active stream clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager with max connection limit.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

// Register registers a stream client.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("websocket connection limit reached")
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister unregisters a stream client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Subscribers returns the clients subscribed to a conversation.
func (m *ConnectionManager) Subscribers(conversationID string) []*wsClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*wsClient
	for client := range m.clients {
		if client.shouldReceive(conversationID) {
			out = append(out, client)
		}
	}
	return out
}

// Close closes all active stream connections.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// StreamHandler serves the chat stream endpoint. Each connection is
// bound to the conversation in the URL; completed turns are replayed
// bubble by bubble using the pipeline's typing delays.
type StreamHandler struct {
	log          logger.Logger
	manager      *ConnectionManager
	broadcaster  *events.Broadcaster
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	// sleep is replaced in tests to avoid real pacing waits.
	sleep func(time.Duration)

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewStreamHandler creates a stream handler and starts its event pump.
func NewStreamHandler(log logger.Logger, broadcaster *events.Broadcaster, cfg WebSocketConfig) *StreamHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	handler := &StreamHandler{
		log:          log,
		manager:      NewConnectionManager(cfg.MaxConnections),
		broadcaster:  broadcaster,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
		sleep:        time.Sleep,
		stopped:      make(chan struct{}),
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, allowedOrigins)
		},
	}

	if broadcaster != nil {
		go handler.pump(broadcaster.Subscribe(64))
	}
	return handler
}

// pump dispatches broadcast events to subscribed clients.
func (h *StreamHandler) pump(ch chan events.Event) {
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type == "turn.completed" {
				h.dispatchTurn(event)
			}
		case <-h.stopped:
			h.broadcaster.Unsubscribe(ch)
			return
		}
	}
}

func (h *StreamHandler) dispatchTurn(event events.Event) {
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		return
	}
	conversationID, _ := payload["conversation_id"].(string)
	bubbles, _ := payload["bubbles"].([]string)
	delays, _ := payload["delays_ms"].([]int)
	finalPath, _ := payload["final_path"].(string)
	if conversationID == "" || len(bubbles) == 0 {
		return
	}

	for _, client := range h.manager.Subscribers(conversationID) {
		go h.replayTurn(client, conversationID, bubbles, delays, finalPath)
	}
}

// replayTurn paces one turn's bubbles to a client. Delays are
// cumulative from turn start.
func (h *StreamHandler) replayTurn(client *wsClient, conversationID string, bubbles []string, delays []int, finalPath string) {
	elapsed := 0
	for i, text := range bubbles {
		if i < len(delays) {
			if wait := delays[i] - elapsed; wait > 0 {
				h.sleep(time.Duration(wait) * time.Millisecond)
			}
			elapsed = delays[i]
		}
		frame := StreamMessage{
			Type:      "bubble",
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				"conversation_id": conversationID,
				"index":           i,
				"text":            text,
				"delay_ms":        delayAt(delays, i),
				"final_path":      finalPath,
			},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		if !client.trySend(data) {
			h.manager.Unregister(client)
			return
		}
	}

	done := StreamMessage{
		Type:      "turn.done",
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"conversation_id": conversationID,
			"bubble_count":    len(bubbles),
			"final_path":      finalPath,
		},
	}
	if data, err := json.Marshal(done); err == nil {
		if !client.trySend(data) {
			h.manager.Unregister(client)
		}
	}
}

func delayAt(delays []int, i int) int {
	if i < len(delays) {
		return delays[i]
	}
	return 0
}

// ServeHTTP upgrades HTTP to websocket and starts client loops. The
// conversation id in the URL is the initial subscription.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	client := newWSClient(conn)
	client.subscribe(conversationID)
	if err := h.manager.Register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *StreamHandler) readPump(client *wsClient) {
	defer h.manager.Unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(1 << 20)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && h.log != nil {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		h.handleIncomingMessage(client, data)
	}
}

func (h *StreamHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) handleIncomingMessage(client *wsClient, raw []byte) {
	var message incomingMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return
	}

	conversationID := strings.TrimSpace(message.ConversationID)
	switch strings.ToLower(strings.TrimSpace(message.Type)) {
	case "subscribe":
		client.subscribe(conversationID)
	case "unsubscribe":
		client.unsubscribe(conversationID)
	}
}

// Close stops the event pump and closes all stream clients.
func (h *StreamHandler) Close() {
	h.stopOnce.Do(func() {
		close(h.stopped)
	})
	h.manager.Close()
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

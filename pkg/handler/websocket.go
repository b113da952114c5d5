package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// WebSocketMessage represents a message sent over WebSocket. Type is the
// event type for bus events.
type WebSocketMessage struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Control message types
const (
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
)

// DefaultClientBuffer is the per-client send buffer
const DefaultClientBuffer = 64

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	id         string
	conn       *websocket.Conn
	send       chan WebSocketMessage
	hub        *WebSocketHub
	subscribed map[string]bool
	mu         sync.RWMutex
	dropped    atomic.Uint64
}

// WebSocketHub fans bus events out to connected clients. A client whose
// buffer is full misses the message; the hub never blocks on a client.
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	buffer     int
	mu         sync.RWMutex
	logger     zerolog.Logger

	broadcasts atomic.Uint64
	dropped    atomic.Uint64
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		buffer:     DefaultClientBuffer,
		logger:     logger.With().Str("component", "websocket_hub").Logger(),
	}
}

// Run services registrations and forwards events until ctx is done or
// events is closed
func (h *WebSocketHub) Run(ctx context.Context, events <-chan messages.Event) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", client.id).Int("total_clients", total).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", client.id).Int("total_clients", total).Msg("Client disconnected")

		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := eventMessage(ev)
			if err != nil {
				h.logger.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("Failed to encode event")
				continue
			}
			h.Broadcast(msg)
		}
	}
}

func eventMessage(ev messages.Event) (WebSocketMessage, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return WebSocketMessage{}, err
	}
	env := ev.GetEnvelope()
	return WebSocketMessage{
		Type:          string(ev.Type()),
		Payload:       payload,
		Timestamp:     env.Timestamp,
		CorrelationID: env.CorrelationID,
	}, nil
}

// shutdown cleanly shuts down the hub
func (h *WebSocketHub) shutdown() {
	close(h.done)

	h.mu.Lock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*WebSocketClient)
	h.mu.Unlock()

	h.logger.Info().
		Uint64("broadcasts", h.broadcasts.Load()).
		Uint64("dropped", h.dropped.Load()).
		Msg("WebSocket hub shutdown complete")
}

// Broadcast sends a message to every client subscribed to its type
func (h *WebSocketHub) Broadcast(msg WebSocketMessage) {
	h.broadcasts.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.isSubscribed(msg.Type) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			h.dropped.Add(1)
			if client.dropped.Add(1) == 1 {
				h.logger.Warn().Str("client_id", client.id).Str("message_type", msg.Type).Msg("Client send buffer full, dropping messages")
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages not delivered to full clients
func (h *WebSocketHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *WebSocketHub) join(c *WebSocketClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WebSocketHub) leave(c *WebSocketClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub            *WebSocketHub
	originPatterns []string
	logger         zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler. Requests without an
// Origin header are always accepted; originPatterns admit cross-origin pages.
func NewWebSocketHandler(hub *WebSocketHub, originPatterns []string, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:            hub,
		originPatterns: originPatterns,
		logger:         logger.With().Str("handler", "websocket").Logger(),
	}
}

// ServeHTTP handles the WebSocket upgrade and connection. The optional
// "types" query parameter is a comma separated list of event types.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to accept WebSocket connection")
		return
	}

	client := &WebSocketClient{
		id:         uuid.New().String(),
		conn:       conn,
		send:       make(chan WebSocketMessage, h.hub.buffer),
		hub:        h.hub,
		subscribed: make(map[string]bool),
	}
	if types := r.URL.Query().Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				client.subscribed[t] = true
			}
		}
	}

	if !h.hub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	// Create context that cancels when connection closes
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go client.writePump(ctx)
	client.readPump(ctx)
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *WebSocketClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case message, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "connection closed")
				return
			}

			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(ctx, c.conn, message)
			cancel()

			if err != nil {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			pingMsg := WebSocketMessage{
				Type:      MessageTypePing,
				Timestamp: time.Now().UTC(),
			}

			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(ctx, c.conn, pingMsg)
			cancel()

			if err != nil {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}

// readPump handles control messages from the client
func (c *WebSocketClient) readPump(ctx context.Context) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var msg WebSocketMessage
		err := wsjson.Read(ctx, c.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Read error")
			return
		}

		switch msg.Type {
		case MessageTypePong:
			continue

		case MessageTypeSubscribe, MessageTypeUnsubscribe:
			var req struct {
				Topics []string `json:"topics"`
			}
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				continue
			}
			c.mu.Lock()
			for _, topic := range req.Topics {
				if msg.Type == MessageTypeSubscribe {
					c.subscribed[topic] = true
				} else {
					delete(c.subscribed, topic)
				}
			}
			c.mu.Unlock()

		default:
			c.hub.logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Msg("Unknown message type")
		}
	}
}

// isSubscribed checks if the client is subscribed to a message type
func (c *WebSocketClient) isSubscribed(msgType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// If no specific subscriptions, receive all messages
	if len(c.subscribed) == 0 {
		return true
	}

	return c.subscribed[msgType]
}

// Package streaming pushes session notifications to WebSocket clients.
// Clients subscribe to individual sessions; lifecycle events go to everyone.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/events"
	"github.com/crashdbg/crashdbg/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HTTP layer already allows any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is the envelope forwarded to WebSocket clients.
type StreamMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub fans event-bus notifications out to connected WebSocket clients.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu          sync.RWMutex
	clients     map[*Client]bool
	sessionSubs map[string]map[*Client]bool
	busSubs     []bus.Subscription
}

// NewHub creates a hub on top of the event bus.
func NewHub(b bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:         b,
		logger:      log.WithFields(zap.String("component", "streaming-hub")),
		clients:     make(map[*Client]bool),
		sessionSubs: make(map[string]map[*Client]bool),
	}
}

// Start subscribes the hub to every notification subject.
func (h *Hub) Start() error {
	subjects := []string{
		events.SubjectCommandStatusPrefix + "*",
		events.SubjectSessionLifecycle,
		events.SubjectRecoveryPrefix + "*",
	}
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, h.forward)
		if err != nil {
			return err
		}
		h.busSubs = append(h.busSubs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop() {
	for _, sub := range h.busSubs {
		_ = sub.Unsubscribe()
	}
	h.busSubs = nil

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubs = make(map[string]map[*Client]bool)
	h.mu.Unlock()
}

// forward turns a bus event into a stream message and routes it.
func (h *Hub) forward(ctx context.Context, ev *bus.Event) error {
	sessionID, _ := ev.Data["session_id"].(string)
	msg := StreamMessage{
		Type:      ev.Type,
		SessionID: sessionID,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// Lifecycle events go to every client; per-session events go to
	// subscribers of that session.
	if ev.Type == events.TypeSessionEvent || sessionID == "" {
		h.broadcastAll(payload)
		return nil
	}
	h.broadcastSession(sessionID, payload)
	return nil
}

func (h *Hub) broadcastAll(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.Send(payload) {
			h.logger.Debug("dropping message for slow client")
		}
	}
}

func (h *Hub) broadcastSession(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionSubs[sessionID] {
		if !client.Send(payload) {
			h.logger.Debug("dropping message for slow client",
				zap.String("session_id", sessionID))
		}
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// Unregister removes a client and all its session subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for sessionID, subs := range h.sessionSubs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessionSubs, sessionID)
		}
	}
	close(c.send)
}

// SubscribeClient adds a client to a session's subscriber set.
func (h *Hub) SubscribeClient(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionSubs[sessionID] == nil {
		h.sessionSubs[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubs[sessionID][c] = true
}

// UnsubscribeClient removes a client from a session's subscriber set.
func (h *Hub) UnsubscribeClient(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.sessionSubs[sessionID]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessionSubs, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request and runs the client's pumps.
// GET /ws
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, h.logger)
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

package websocket

import (
	"errors"
	"net/http"
	"sync"

	"atelier/internal/events"
	"atelier/pkg/logger"
)

// ErrHubClosed is returned when a client connects after Close.
var ErrHubClosed = errors.New("websocket hub closed")

// ErrNoChatHandler is returned for chat when nothing consumes operator text.
var ErrNoChatHandler = errors.New("chat handler not configured")

// ChatHandler forwards operator text to a project's agent.
type ChatHandler func(projectID, message string) error

// Subscriber hands out project subscriptions.
type Subscriber interface {
	Subscribe(projectID string) (*events.Subscription, error)
}

// Hub tracks connected clients. Fan-out itself is done by the bus: every
// client owns one subscription to its project.
type Hub struct {
	bus Subscriber

	mu          sync.RWMutex
	clients     map[*Client]bool
	projects    map[string]int
	chatHandler ChatHandler
	originCheck func(origin string) bool
	closed      bool
}

// NewHub creates a hub over bus.
func NewHub(bus Subscriber) *Hub {
	return &Hub{
		bus:      bus,
		clients:  make(map[*Client]bool),
		projects: make(map[string]int),
	}
}

// SetChatHandler sets the callback for chat messages.
func (h *Hub) SetChatHandler(handler ChatHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatHandler = handler
}

// SetOriginCheck restricts which browser origins may connect. Requests
// without an Origin header are always accepted.
func (h *Hub) SetOriginCheck(check func(origin string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.originCheck = check
}

func (h *Hub) allowOrigin(r *http.Request) bool {
	h.mu.RLock()
	check := h.originCheck
	h.mu.RUnlock()

	origin := r.Header.Get("Origin")
	if check == nil || origin == "" {
		return true
	}
	return check(origin)
}

// HandleChat forwards a chat message from a client of projectID.
func (h *Hub) HandleChat(projectID, message string) error {
	h.mu.RLock()
	handler := h.chatHandler
	h.mu.RUnlock()

	if handler == nil {
		return ErrNoChatHandler
	}
	return handler(projectID, message)
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	h.clients[c] = true
	h.projects[c.projectID]++

	logger.Info().
		Str("client_id", c.id).
		Str("project_id", c.projectID).
		Msg("WebSocket client connected")
	return nil
}

// Unregister removes a client and ends its subscription. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		if h.projects[c.projectID]--; h.projects[c.projectID] <= 0 {
			delete(h.projects, c.projectID)
		}
	}
	h.mu.Unlock()

	if c.sub != nil {
		c.sub.Close()
	}
	if ok {
		logger.Info().
			Str("client_id", c.id).
			Str("project_id", c.projectID).
			Uint64("dropped", c.dropped()).
			Msg("WebSocket client disconnected")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ProjectClientCount returns the number of clients watching projectID.
func (h *Hub) ProjectClientCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.projects[projectID]
}

// Close refuses new clients and disconnects the current ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn != nil {
			c.conn.Close()
		}
		h.Unregister(c)
	}
}

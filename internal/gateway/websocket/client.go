package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"atelier/internal/events"
	"atelier/internal/gateway/handlers"
	"atelier/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection bound to a single project.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	sub         *events.Subscription
	send        chan []byte
	projectID   string
	id          string
	connectedAt time.Time
}

// NewClient creates a client for an established subscription.
func NewClient(hub *Hub, conn *websocket.Conn, sub *events.Subscription) *Client {
	c := &Client{
		hub:         hub,
		conn:        conn,
		sub:         sub,
		send:        make(chan []byte, 16),
		id:          uuid.New().String(),
		connectedAt: time.Now(),
	}
	if sub != nil {
		c.projectID = sub.ProjectID()
	}
	return c
}

func (c *Client) dropped() uint64 {
	if c.sub == nil {
		return 0
	}
	return c.sub.Dropped()
}

// readPump reads client messages until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes one client message.
func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendError(CodeInvalidMessage, "failed to parse message")
		return
	}

	switch msg.Type {
	case TypePing:
		c.enqueue(WSMessage{Type: TypePong})

	case TypeChat:
		if strings.TrimSpace(msg.Message) == "" {
			c.sendError(CodeInvalidRequest, "chat message is required")
			return
		}
		if err := c.hub.HandleChat(c.projectID, msg.Message); err != nil {
			logger.ForProject(c.projectID).Warn().
				Err(err).
				Str("client_id", c.id).
				Msg("Failed to forward chat message")
			c.sendError(CodeChatError, err.Error())
		}

	default:
		c.sendError(CodeInvalidMessage, "unknown message type "+msg.Type)
	}
}

// writePump writes bus envelopes and direct replies. It is the only writer
// on the connection and returns once the subscription is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(msg WSMessage) {
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
		// Buffer full
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(WSMessage{Type: TypeError, Code: code, Message: message})
}

// ServeWs upgrades a request into a client of projectID. A missing project
// is rejected before the handshake.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, projectID string) {
	if projectID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "projectId is required")
		return
	}

	sub, err := hub.bus.Subscribe(projectID)
	if err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     hub.allowOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.Warn().Err(err).Str("project_id", projectID).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := NewClient(hub, conn, sub)
	if err := hub.Register(client); err != nil {
		sub.Close()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Package websocket streams project envelopes to WebSocket clients and
// accepts operator chat from them.
package websocket

// WSMessage is a client message, or the gateway's direct reply to one.
// Bus envelopes are written as-is and never wrapped in a WSMessage.
type WSMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Message types.
const (
	TypeChat  = "chat"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

// Error codes carried by TypeError replies.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeChatError      = "CHAT_ERROR"
)

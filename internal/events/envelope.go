// Package events implements the project-scoped event bus and its envelope format.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the envelope type.
type Type string

// Envelope types.
const (
	TypeChat     Type = "chat"
	TypeAction   Type = "action"
	TypeUpdate   Type = "update"
	TypeScene    Type = "scene"
	TypeTimeline Type = "timeline"
	TypeLog      Type = "log"
	TypeError    Type = "error"
	TypeProject  Type = "project"
)

// Envelope is the uniform message delivered to subscribers.
type Envelope struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	ProjectID     string    `json:"projectId"`
	Payload       any       `json:"payload,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// New builds an envelope. ID and Timestamp are filled in by the bus on publish.
func New(t Type, projectID string, payload any) Envelope {
	return Envelope{Type: t, ProjectID: projectID, Payload: payload}
}

// WithCorrelation returns a copy of e carrying the correlation id.
func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// ChatPayload carries agent text.
type ChatPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// LogPayload carries a log line, usually agent stderr.
type LogPayload struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ErrorPayload carries a failure mirrored to the operator.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ActionPayload describes a tool call moving through its lifecycle.
type ActionPayload struct {
	Kind   string `json:"kind"`
	Tool   string `json:"tool"`
	Args   any    `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Source string `json:"source,omitempty"`
}

// ProjectPayload describes an agent lifecycle transition.
type ProjectPayload struct {
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func newID() string {
	return uuid.New().String()
}

// Package bridge is the RPC client for remote tool executors (editor plugins).
// Each service is reached over one persistent connection; requests and
// replies are correlated by request id, so several calls may be in flight.
package bridge

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	// MaxMessageSize is the maximum allowed frame payload (1MB).
	MaxMessageSize = 1024 * 1024

	// HeaderSize is the size of the big-endian length header.
	HeaderSize = 4

	// StatusOK and StatusError are the response statuses executors send.
	StatusOK    = "ok"
	StatusError = "error"

	// PingCommand is used by health probes.
	PingCommand = "ping"
)

// Transport names accepted in configuration.
const (
	TransportTCP  = "tcp"
	TransportWS   = "ws"
	TransportPipe = "pipe"
)

// Sentinel errors for the bridge package.
var (
	ErrTimeout        = errors.New("remote tool call timed out")
	ErrClosed         = errors.New("bridge connection closed")
	ErrUnknownService = errors.New("unknown bridge service")
	ErrRemote         = errors.New("remote tool returned an error")
)

// Request is sent to an executor.
type Request struct {
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// Response is received from an executor. Some executors answer with the
// field "action" echoed back; it is ignored.
type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ErrorMessage renders the response error, which may be a string or an object.
func (r *Response) ErrorMessage() string {
	if len(r.Error) == 0 {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(r.Error))
}

// Invocation is one tool call routed to an executor.
type Invocation struct {
	CorrelationID string
	Tool          string
	Args          map[string]any
}

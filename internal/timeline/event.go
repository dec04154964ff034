// Package timeline is the append-only record of executed tool calls and the
// selective revert built on compensating actions.
package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the outcome recorded by an event.
type Kind string

const (
	KindStart     Kind = "start"
	KindSuccess   Kind = "success"
	KindError     Kind = "error"
	KindReverted  Kind = "reverted"
	KindCannot    Kind = "cannot"
	KindCancelled Kind = "cancelled"
)

// Source tags who initiated the call.
const (
	SourceAgent  = "agent"
	SourcePlan   = "plan"
	SourceRevert = "revert"
)

// Sentinel errors for the timeline package.
var (
	ErrNotFound             = errors.New("timeline event not found")
	ErrNoCompensatingAction = errors.New("event has no compensating action")
	ErrAlreadyReverted      = errors.New("event already reverted")
	ErrMissingProject       = errors.New("project id is required")
)

// Invocation is a concrete tool call, used for compensating actions.
type Invocation struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Event is one immutable timeline entry.
type Event struct {
	ID                 string          `json:"id"`
	ProjectID          string          `json:"projectId"`
	Seq                int64           `json:"seq"`
	Kind               Kind            `json:"kind"`
	ToolName           string          `json:"toolName"`
	Args               map[string]any  `json:"args,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	ErrorDetail        string          `json:"errorDetail,omitempty"`
	CompensatingAction *Invocation     `json:"compensatingAction,omitempty"`
	CorrelationID      string          `json:"correlationId,omitempty"`
	RefEventID         string          `json:"refEventId,omitempty"`
	Source             string          `json:"source,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// RevertError reports a revert whose compensating action failed. The
// original event stays active and the revert may be retried.
type RevertError struct {
	EventID string
	Failure *Event
	Cause   error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("revert %s: compensating action failed: %v", e.EventID, e.Cause)
}

func (e *RevertError) Unwrap() error { return e.Cause }

package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors for the catalog package.
var (
	// ErrSourceUnreadable is returned when the tool-definition source cannot be read or parsed.
	ErrSourceUnreadable = errors.New("tool source unreadable")

	// ErrUnknownTool is returned when a call names a tool missing from the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when call arguments violate the tool schema.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// SourceUnreadableError provides detail about an unreadable source.
type SourceUnreadableError struct {
	Source string
	Cause  error
}

// Error implements the error interface.
func (e *SourceUnreadableError) Error() string {
	return fmt.Sprintf("tool source %s unreadable: %v", e.Source, e.Cause)
}

// Is allows errors.Is to match against ErrSourceUnreadable.
func (e *SourceUnreadableError) Is(target error) bool {
	return target == ErrSourceUnreadable
}

// Unwrap returns the underlying cause.
func (e *SourceUnreadableError) Unwrap() error {
	return e.Cause
}

// Warning reports a tool definition that was skipped.
type Warning struct {
	Tool    string `json:"tool,omitempty"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Tool == "" {
		return fmt.Sprintf("tools[%d]: %s", w.Index, w.Message)
	}
	return fmt.Sprintf("tools[%d] %s: %s", w.Index, w.Tool, w.Message)
}

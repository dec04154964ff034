package shim

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"atelier/internal/errs"
)

const toolCallKey = `"tool_call"`

type toolCallLine struct {
	ToolCall *toolCall `json:"tool_call"`
}

type toolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ResultError is the error body of a failed tool_result.
type ResultError struct {
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	Reason     string   `json:"reason,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// ToolResult is injected into the agent's stdin after each tool call.
type ToolResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResultError    `json:"error,omitempty"`
}

type toolResultLine struct {
	ToolResult ToolResult `json:"tool_result"`
}

// parseLine classifies one agent output line. It returns nil, nil for plain
// text and a *errs.ProtocolError for a line that claims to be a tool call
// but cannot be decoded.
func parseLine(line string) (*toolCall, error) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(toolCallKey)) {
		return nil, nil
	}

	var msg toolCallLine
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, &errs.ProtocolError{Line: line, Cause: err}
	}
	if msg.ToolCall == nil {
		return nil, nil
	}
	if msg.ToolCall.Name == "" {
		return nil, &errs.ProtocolError{Line: line, Cause: errors.New("tool_call without name")}
	}
	return msg.ToolCall, nil
}

func encodeResult(r ToolResult) (string, error) {
	data, err := json.Marshal(toolResultLine{ToolResult: r})
	if err != nil {
		return "", fmt.Errorf("encode tool_result: %w", err)
	}
	return string(data), nil
}

func okResult(result json.RawMessage) ToolResult {
	if len(bytes.TrimSpace(result)) == 0 {
		result = json.RawMessage("null")
	}
	return ToolResult{OK: true, Result: result}
}

func errorResult(err error) ToolResult {
	re := &ResultError{
		Kind:    string(errs.Classify(err)),
		Message: err.Error(),
	}
	var valErr *errs.ValidationError
	if errors.As(err, &valErr) {
		re.Reason = valErr.Reason
		re.Violations = valErr.Violations
	}
	return ToolResult{OK: false, Error: re}
}

func cancelledResult() ToolResult {
	return ToolResult{OK: false, Error: &ResultError{
		Kind:    "cancelled",
		Message: "tool call cancelled: agent is stopping",
	}}
}

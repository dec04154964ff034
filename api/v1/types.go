// Package v1 provides API v1 data types and handlers.
package v1

import (
	"encoding/json"
	"time"

	"atelier/internal/action"
	"atelier/internal/agent"
	"atelier/internal/bridge"
	"atelier/internal/catalog"
	"atelier/internal/storage"
	"atelier/internal/timeline"
)

// =============================================================================
// Error Codes
// =============================================================================

// Error codes for API responses.
const (
	// Client errors (4xx)
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeAlreadyRunning       = "ALREADY_RUNNING"
	ErrCodeNotRunning           = "NOT_RUNNING"
	ErrCodeLockConflict         = "LOCK_CONFLICT"
	ErrCodeNoCompensatingAction = "NO_COMPENSATING_ACTION"
	ErrCodeAlreadyReverted      = "ALREADY_REVERTED"

	// Server errors (5xx)
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeProcessError       = "PROCESS_ERROR"
	ErrCodeToolExecutionError = "TOOL_EXECUTION_ERROR"
	ErrCodeRevertFailed       = "REVERT_FAILED"
)

// =============================================================================
// Health
// =============================================================================

// HealthResponse represents health check response.
type HealthResponse struct {
	Status     string                     `json:"status"` // healthy, degraded
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth represents component health status.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// Catalog
// =============================================================================

// CatalogResponse is the catalog delivery plus build metadata.
type CatalogResponse struct {
	Version        string                   `json:"version"`
	Hash           string                   `json:"hash"`
	Count          int                      `json:"count"`
	PromptList     string                   `json:"promptList"`
	FunctionSchema []catalog.FunctionSchema `json:"functionSchema"`
	Warnings       []string                 `json:"warnings,omitempty"`
	BuiltAt        time.Time                `json:"builtAt"`
}

// ValidateRequest asks whether args satisfy a tool's schema.
type ValidateRequest struct {
	Args json.RawMessage `json:"args"`
}

// ValidateResponse reports validation outcome.
type ValidateResponse struct {
	Valid      bool     `json:"valid"`
	Reason     string   `json:"reason,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// =============================================================================
// Bridges
// =============================================================================

// BridgesResponse lists remote executor connections.
type BridgesResponse struct {
	Bridges []bridge.Status `json:"bridges"`
	Count   int             `json:"count"`
}

// =============================================================================
// Projects / Agent
// =============================================================================

// AgentStartRequest optionally overrides the configured agent command.
type AgentStartRequest struct {
	Executable string            `json:"executable,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkDir    string            `json:"workDir,omitempty"`
}

// AgentStopRequest configures a stop.
type AgentStopRequest struct {
	GraceMs int64 `json:"graceMs,omitempty"`
}

// AgentSendRequest is an operator line for the agent.
type AgentSendRequest struct {
	Text string `json:"text"`
}

// AgentStatusResponse is the agent state plus recent runs.
type AgentStatusResponse struct {
	Agent agent.Snapshot      `json:"agent"`
	Runs  []*storage.AgentRun `json:"runs,omitempty"`
}

// ProjectsResponse lists known projects.
type ProjectsResponse struct {
	Projects []agent.Snapshot `json:"projects"`
	Count    int              `json:"count"`
}

// =============================================================================
// Timeline
// =============================================================================

// TimelineResponse lists events most recent first.
type TimelineResponse struct {
	Events []*timeline.Event `json:"events"`
	Count  int               `json:"count"`
}

// RevertResponse carries the compensating event created by a revert.
type RevertResponse struct {
	Event *timeline.Event `json:"event"`
}

// =============================================================================
// Plans
// =============================================================================

// PlanRequest submits an ordered plan.
type PlanRequest struct {
	ID        string        `json:"id,omitempty"`
	Steps     []action.Step `json:"steps"`
	Confirmed bool          `json:"confirmed"`
}

// Package errs holds the gateway's error taxonomy.
// It exists so agent, shim, bridge and action can share error kinds without import cycles.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for operators and envelope payloads.
type Kind string

const (
	KindProcess      Kind = "process"
	KindProtocol     Kind = "protocol"
	KindValidation   Kind = "validation"
	KindRemoteTool   Kind = "remote_tool"
	KindLockConflict Kind = "lock_conflict"
	KindInternal     Kind = "internal"
)

// ProcessError reports a spawn or IO failure of the agent subprocess.
// It is not retryable without an explicit restart.
type ProcessError struct {
	ProjectID string
	Op        string
	Cause     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %s (project %s): %v", e.Op, e.ProjectID, e.Cause)
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// ProtocolError reports a line that looked like a tool call but was malformed.
type ProtocolError struct {
	Line  string
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed tool call: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ValidationError reports a tool call rejected before dispatch.
type ValidationError struct {
	Tool       string
	Reason     string
	Violations []string
	Cause      error
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Reason, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// RemoteToolError reports an executor-side error or a timeout waiting for one.
type RemoteToolError struct {
	Service       string
	Tool          string
	CorrelationID string
	Message       string
	Cause         error
}

func (e *RemoteToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("remote tool %s on %s: %s: %v", e.Tool, e.Service, e.Message, e.Cause)
	}
	return fmt.Sprintf("remote tool %s on %s: %s", e.Tool, e.Service, e.Message)
}

func (e *RemoteToolError) Unwrap() error { return e.Cause }

// LockConflictError reports that another process owns the single-instance lock.
type LockConflictError struct {
	Path string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock %s is held by another process", e.Path)
}

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	var (
		procErr  *ProcessError
		protoErr *ProtocolError
		valErr   *ValidationError
		remErr   *RemoteToolError
		lockErr  *LockConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &lockErr):
		return KindLockConflict
	case errors.As(err, &procErr):
		return KindProcess
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &remErr):
		return KindRemoteTool
	case errors.As(err, &protoErr):
		return KindProtocol
	default:
		return KindInternal
	}
}

// Fatal reports whether err aborts the current run and needs operator action.
func Fatal(err error) bool {
	k := Classify(err)
	return k == KindProcess || k == KindLockConflict
}

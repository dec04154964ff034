package v1

import (
	"errors"
	"net/http"

	"atelier/internal/action"
	"atelier/internal/agent"
	"atelier/internal/errs"
	"atelier/internal/gateway/handlers"
	"atelier/internal/storage"
	"atelier/internal/timeline"
	"atelier/pkg/logger"
)

// sendDomainError maps a domain error onto an HTTP status and error code.
func sendDomainError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Warn().Err(err).Str("code", code).Msg("API request failed")
	}
	handlers.SendError(w, status, code, err.Error())
}

func classifyError(err error) (int, string) {
	var (
		revertErr *timeline.RevertError
		planErr   *action.PlanValidationError
		valErr    *errs.ValidationError
		procErr   *errs.ProcessError
		remoteErr *errs.RemoteToolError
	)

	switch {
	case errors.Is(err, agent.ErrMissingProject), errors.Is(err, timeline.ErrMissingProject),
		errors.Is(err, action.ErrEmptyPlan):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, agent.ErrAlreadyRunning):
		return http.StatusConflict, ErrCodeAlreadyRunning
	case errors.Is(err, agent.ErrNotRunning):
		return http.StatusConflict, ErrCodeNotRunning
	case errors.Is(err, agent.ErrLockConflict):
		return http.StatusConflict, ErrCodeLockConflict
	case errors.Is(err, timeline.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, timeline.ErrNoCompensatingAction):
		return http.StatusUnprocessableEntity, ErrCodeNoCompensatingAction
	case errors.Is(err, timeline.ErrAlreadyReverted):
		return http.StatusConflict, ErrCodeAlreadyReverted
	case errors.As(err, &revertErr):
		return http.StatusBadGateway, ErrCodeRevertFailed
	case errors.As(err, &planErr), errors.As(err, &valErr):
		return http.StatusUnprocessableEntity, ErrCodeValidationFailed
	case errors.As(err, &procErr):
		return http.StatusInternalServerError, ErrCodeProcessError
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway, ErrCodeToolExecutionError
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

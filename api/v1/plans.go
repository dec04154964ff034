package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"atelier/internal/action"
	"atelier/internal/gateway/handlers"
)

// HandleExecutePlan runs an ordered plan for a project and returns the
// execution report. Refused and failed plans are reported with 200; a
// structurally invalid plan is reported with 422.
func (r *Router) HandleExecutePlan(w http.ResponseWriter, req *http.Request) {
	if r.plans == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Plan execution not available")
		return
	}

	var body PlanRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	report, err := r.plans.Execute(req.Context(), mux.Vars(req)["projectId"],
		action.Plan{ID: body.ID, Steps: body.Steps}, body.Confirmed)

	var planErr *action.PlanValidationError
	switch {
	case err == nil:
		handlers.SendJSON(w, http.StatusOK, report)
	case errors.As(err, &planErr) && report != nil:
		handlers.SendJSON(w, http.StatusUnprocessableEntity, report)
	default:
		sendDomainError(w, err)
	}
}

package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"atelier/internal/events"
	"atelier/internal/gateway/handlers"
	"atelier/internal/timeline"
)

// HandleListTimeline lists a project's events, most recent first.
func (r *Router) HandleListTimeline(w http.ResponseWriter, req *http.Request) {
	if r.timeline == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Timeline not available")
		return
	}

	limit := 0
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			handlers.SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	evs, err := r.timeline.List(req.Context(), mux.Vars(req)["projectId"], limit)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	if evs == nil {
		evs = []*timeline.Event{}
	}
	handlers.SendJSON(w, http.StatusOK, TimelineResponse{Events: evs, Count: len(evs)})
}

// HandleGetEvent returns one timeline event.
func (r *Router) HandleGetEvent(w http.ResponseWriter, req *http.Request) {
	if r.timeline == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Timeline not available")
		return
	}
	ev, err := r.timeline.Get(req.Context(), mux.Vars(req)["eventId"])
	if err != nil {
		sendDomainError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, ev)
}

// HandleRevertEvent runs an event's compensating action and returns the
// new compensating event.
func (r *Router) HandleRevertEvent(w http.ResponseWriter, req *http.Request) {
	if r.timeline == nil || r.compensator == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Timeline not available")
		return
	}

	eventID := mux.Vars(req)["eventId"]
	ev, err := r.timeline.Revert(req.Context(), eventID, r.compensator)
	if err != nil {
		sendDomainError(w, err)
		return
	}

	if r.bus != nil && ev != nil {
		r.bus.Publish(events.New(events.TypeUpdate, ev.ProjectID, map[string]any{
			"reverted":            eventID,
			"compensationEventId": ev.ID,
		}).WithCorrelation(ev.CorrelationID))
	}
	handlers.SendJSON(w, http.StatusOK, RevertResponse{Event: ev})
}

package v1

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"atelier/internal/agent"
	"atelier/internal/gateway/handlers"
	"atelier/internal/project"
	"atelier/internal/storage"
	"atelier/pkg/logger"
)

const recentRuns = 10

// HandleListProjects lists every project that has had an agent.
func (r *Router) HandleListProjects(w http.ResponseWriter, req *http.Request) {
	snaps := []agent.Snapshot{}
	if r.projects != nil {
		snaps = append(snaps, r.projects.List()...)
	}
	handlers.SendJSON(w, http.StatusOK, ProjectsResponse{
		Projects: snaps,
		Count:    len(snaps),
	})
}

// HandleAgentStatus returns the project's agent state and recent runs.
func (r *Router) HandleAgentStatus(w http.ResponseWriter, req *http.Request) {
	if r.projects == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Agent runtime not available")
		return
	}
	projectID := mux.Vars(req)["projectId"]

	snap, _ := r.projects.Status(projectID)
	resp := AgentStatusResponse{Agent: snap}
	if r.db != nil {
		runs, err := r.db.ListRuns(projectID, recentRuns)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.ForProject(projectID).Warn().Err(err).Msg("Failed to list agent runs")
		}
		resp.Runs = runs
	}
	handlers.SendJSON(w, http.StatusOK, resp)
}

// HandleAgentStart launches the project's agent.
func (r *Router) HandleAgentStart(w http.ResponseWriter, req *http.Request) {
	if r.projects == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Agent runtime not available")
		return
	}

	var body AgentStartRequest
	if !decodeOptional(w, req, &body) {
		return
	}

	snap, err := r.projects.Start(mux.Vars(req)["projectId"], project.StartRequest{
		Executable: body.Executable,
		Args:       body.Args,
		Env:        body.Env,
		WorkDir:    body.WorkDir,
	})
	if err != nil {
		sendDomainError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusCreated, snap)
}

// HandleAgentStop stops the project's agent.
func (r *Router) HandleAgentStop(w http.ResponseWriter, req *http.Request) {
	if r.projects == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Agent runtime not available")
		return
	}

	var body AgentStopRequest
	if !decodeOptional(w, req, &body) {
		return
	}

	projectID := mux.Vars(req)["projectId"]
	if err := r.projects.Stop(projectID, time.Duration(body.GraceMs)*time.Millisecond); err != nil {
		sendDomainError(w, err)
		return
	}
	snap, _ := r.projects.Status(projectID)
	handlers.SendJSON(w, http.StatusOK, snap)
}

// HandleAgentSend queues an operator line for the agent.
func (r *Router) HandleAgentSend(w http.ResponseWriter, req *http.Request) {
	if r.projects == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Agent runtime not available")
		return
	}

	var body AgentSendRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		handlers.SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		handlers.SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	if err := r.projects.Send(mux.Vars(req)["projectId"], body.Text); err != nil {
		sendDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(w http.ResponseWriter, req *http.Request, v any) bool {
	if req.Body == nil {
		return true
	}
	if err := json.NewDecoder(req.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		handlers.SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return false
	}
	return true
}

package v1

import (
	"net/http"

	"atelier/internal/bridge"
	"atelier/internal/gateway/handlers"
)

// HandleListBridges returns the connection state of every executor.
func (r *Router) HandleListBridges(w http.ResponseWriter, req *http.Request) {
	statuses := []bridge.Status{}
	if r.bridges != nil {
		statuses = append(statuses, r.bridges.Statuses()...)
	}
	handlers.SendJSON(w, http.StatusOK, BridgesResponse{
		Bridges: statuses,
		Count:   len(statuses),
	})
}

// HandleCheckBridges pings every executor now and returns the result.
func (r *Router) HandleCheckBridges(w http.ResponseWriter, req *http.Request) {
	if r.bridges == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "No bridges configured")
		return
	}
	r.bridges.CheckAll(req.Context())
	r.HandleListBridges(w, req)
}

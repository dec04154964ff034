package handlers

import (
	"net/http"
	"sync"
	"time"
)

var (
	startTime time.Time
	startOnce sync.Once
)

// InitStartTime records when the gateway started serving. Only the first
// call has an effect.
func InitStartTime() {
	startOnce.Do(func() {
		startTime = time.Now()
	})
}

// LivenessResponse is the body of the unversioned liveness probe.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    int64     `json:"uptime"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// HealthHandler answers liveness probes. It never touches dependencies;
// component health lives under /api/v1/health.
func HealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := LivenessResponse{Status: "ok", Version: version}
		if !startTime.IsZero() {
			resp.Uptime = int64(time.Since(startTime).Seconds())
			resp.StartedAt = startTime
		}
		SendJSON(w, http.StatusOK, resp)
	}
}

// NotFound replies with a JSON 404 for unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	SendError(w, http.StatusNotFound, ErrCodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
}

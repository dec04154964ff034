package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"atelier/internal/action"
	"atelier/internal/agent"
	"atelier/internal/bridge"
	"atelier/internal/catalog"
	"atelier/internal/events"
	"atelier/internal/gateway/handlers"
	"atelier/internal/project"
	"atelier/internal/storage"
	"atelier/internal/timeline"
)

// CatalogProvider returns the current tool catalog.
type CatalogProvider interface {
	Get() (*catalog.Catalog, error)
}

// BridgeMonitor reports and refreshes remote executor health.
type BridgeMonitor interface {
	Statuses() []bridge.Status
	CheckAll(ctx context.Context)
}

// ProjectRuntime controls per-project agents.
type ProjectRuntime interface {
	Start(projectID string, req project.StartRequest) (agent.Snapshot, error)
	Stop(projectID string, grace time.Duration) error
	Send(projectID, text string) error
	Status(projectID string) (agent.Snapshot, bool)
	List() []agent.Snapshot
}

// TimelineStore reads and reverts timeline events.
type TimelineStore interface {
	List(ctx context.Context, projectID string, limit int) ([]*timeline.Event, error)
	Get(ctx context.Context, id string) (*timeline.Event, error)
	Revert(ctx context.Context, eventID string, c timeline.Compensator) (*timeline.Event, error)
}

// PlanExecutor runs operator-approved plans.
type PlanExecutor interface {
	Execute(ctx context.Context, projectID string, plan action.Plan, confirmed bool) (*action.ExecutionReport, error)
}

// RouterDeps holds dependencies for the v1 API router.
type RouterDeps struct {
	Version     string
	Catalogs    CatalogProvider
	Bridges     BridgeMonitor
	Projects    ProjectRuntime
	Timeline    TimelineStore
	Compensator timeline.Compensator
	Plans       PlanExecutor
	DB          *storage.DB
	Bus         events.Publisher
}

// Router wraps v1 API dependencies.
type Router struct {
	version     string
	catalogs    CatalogProvider
	bridges     BridgeMonitor
	projects    ProjectRuntime
	timeline    TimelineStore
	compensator timeline.Compensator
	plans       PlanExecutor
	db          *storage.DB
	bus         events.Publisher
	startedAt   time.Time
}

// NewRouter creates a new v1 API router.
func NewRouter(deps *RouterDeps) *Router {
	if deps == nil {
		deps = &RouterDeps{}
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	return &Router{
		version:     version,
		catalogs:    deps.Catalogs,
		bridges:     deps.Bridges,
		projects:    deps.Projects,
		timeline:    deps.Timeline,
		compensator: deps.Compensator,
		plans:       deps.Plans,
		db:          deps.DB,
		bus:         deps.Bus,
		startedAt:   time.Now(),
	}
}

// RegisterRoutes registers all v1 API routes.
func (r *Router) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Health
	v1.HandleFunc("/health", r.HandleHealth).Methods(http.MethodGet)

	// Catalog
	v1.HandleFunc("/catalog", r.HandleGetCatalog).Methods(http.MethodGet)
	v1.HandleFunc("/catalog/tools/{name}", r.HandleGetTool).Methods(http.MethodGet)
	v1.HandleFunc("/catalog/tools/{name}/validate", r.HandleValidateTool).Methods(http.MethodPost)

	// Bridges
	v1.HandleFunc("/bridges", r.HandleListBridges).Methods(http.MethodGet)
	v1.HandleFunc("/bridges/check", r.HandleCheckBridges).Methods(http.MethodPost)

	// Projects
	v1.HandleFunc("/projects", r.HandleListProjects).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{projectId}/agent", r.HandleAgentStatus).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{projectId}/agent/start", r.HandleAgentStart).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{projectId}/agent/stop", r.HandleAgentStop).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{projectId}/agent/send", r.HandleAgentSend).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{projectId}/timeline", r.HandleListTimeline).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{projectId}/plans", r.HandleExecutePlan).Methods(http.MethodPost)

	// Timeline events
	v1.HandleFunc("/timeline/{eventId}", r.HandleGetEvent).Methods(http.MethodGet)
	v1.HandleFunc("/timeline/{eventId}/revert", r.HandleRevertEvent).Methods(http.MethodPost)
}

// HandleHealth reports gateway and component health.
func (r *Router) HandleHealth(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]ComponentHealth)

	if r.db != nil {
		if err := r.db.Ping(); err != nil {
			components["database"] = ComponentHealth{Status: "unhealthy", Message: err.Error()}
		} else {
			components["database"] = ComponentHealth{Status: "healthy"}
		}
	}

	if r.catalogs != nil {
		if cat, err := r.catalogs.Get(); err != nil {
			components["catalog"] = ComponentHealth{Status: "unhealthy", Message: err.Error()}
		} else {
			components["catalog"] = ComponentHealth{Status: "healthy", Message: cat.Version}
		}
	}

	if r.bridges != nil {
		for _, st := range r.bridges.Statuses() {
			ch := ComponentHealth{Status: "healthy"}
			switch {
			case st.LastChecked.IsZero():
				ch.Status = "unknown"
			case !st.Healthy:
				ch = ComponentHealth{Status: "unhealthy", Message: st.LastError}
			}
			components["bridge:"+st.Service] = ch
		}
	}

	status := "healthy"
	for _, comp := range components {
		if comp.Status == "unhealthy" {
			status = "degraded"
			break
		}
	}

	handlers.SendJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Version:    r.version,
		Uptime:     time.Since(r.startedAt).Round(time.Second).String(),
		Timestamp:  time.Now().Format(time.RFC3339),
		Components: components,
	})
}

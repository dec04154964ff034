// Package gateway provides the HTTP gateway server: the versioned REST API
// and the per-project WebSocket event stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	v1 "atelier/api/v1"
	"atelier/internal/config"
	"atelier/internal/gateway/handlers"
	"atelier/internal/gateway/middleware"
	"atelier/internal/gateway/websocket"
	"atelier/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Server represents the HTTP gateway server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	config      *config.Config
	rateLimiter *middleware.RateLimiter
	apiRouter   *v1.Router
	version     string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer wires the middleware chain and every route. deps may be nil,
// in which case the API answers 503 for the missing components.
func NewServer(cfg *config.Config, hub *websocket.Hub, deps *v1.RouterDeps) *Server {
	if deps == nil {
		deps = &v1.RouterDeps{}
	}
	router := mux.NewRouter()
	rateLimiter := middleware.NewRateLimiter(cfg.Gateway.RateLimit)

	origins := cfg.Gateway.CORSOrigins
	hub.SetOriginCheck(func(origin string) bool {
		return middleware.OriginAllowed(origins, origin)
	})

	// Recovery -> Logging -> CORS -> RateLimit -> Version
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(origins)(
				rateLimiter.RateLimit(
					middleware.Version(deps.Version)(router),
				),
			),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		router:      router,
		hub:         hub,
		config:      cfg,
		rateLimiter: rateLimiter,
		apiRouter:   v1.NewRouter(deps),
		version:     deps.Version,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.apiRouter.RegisterRoutes(s.router)

	s.router.HandleFunc("/health", handlers.HealthHandler(s.version)).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/{projectId}", s.handleWs)
	s.router.HandleFunc("/ws", s.handleWs)

	s.router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
}

// handleWs accepts the project from the path or the projectId query.
func (s *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if projectID == "" {
		projectID = r.URL.Query().Get("projectId")
	}
	websocket.ServeWs(s.hub, w, r, projectID)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	handlers.InitStartTime()

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	logger.Info().
		Str("addr", l.Addr().String()).
		Msg("Starting gateway server")

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown disconnects WebSocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	s.hub.Close()
	s.rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// Package server assembles the gateway from configuration. The serve command
// and the integration tests share this single wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	v1 "atelier/api/v1"
	"atelier/internal/action"
	"atelier/internal/agent"
	"atelier/internal/bridge"
	"atelier/internal/catalog"
	"atelier/internal/config"
	"atelier/internal/events"
	"atelier/internal/gateway"
	"atelier/internal/gateway/websocket"
	"atelier/internal/policy"
	"atelier/internal/project"
	"atelier/internal/storage"
	"atelier/internal/timeline"
	"atelier/pkg/logger"
)

const (
	startTimeout       = 10 * time.Second
	healthProbeTimeout = 5 * time.Second
	fallbackSchedule   = "@every 30s"
)

// Options configures New.
type Options struct {
	Config  *config.Config
	Version string
}

// Server owns every long-lived component of a running gateway.
type Server struct {
	cfg     *config.Config
	version string

	db           *storage.DB
	bus          *events.Bus
	timeline     *timeline.Store
	bridges      *bridge.Registry
	health       *bridge.HealthMonitor
	catalogs     *catalog.Cache
	watcher      *catalog.Watcher
	dispatcher   *action.Dispatcher
	orchestrator *action.Orchestrator
	agents       *agent.Manager
	projects     *project.Service
	gateway      *gateway.Server

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	errChan   chan error
}

// New builds every component without opening the listener. Anything
// opened before a failure is closed again.
func New(opts Options) (_ *Server, err error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	cfg := opts.Config
	s := &Server{
		cfg:     cfg,
		version: opts.Version,
		bus:     events.NewBus(),
		errChan: make(chan error, 1),
	}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	s.db, err = storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.timeline = timeline.NewStore(s.db)

	s.bridges, err = bridge.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure bridges: %w", err)
	}
	schedule := cfg.Health.Schedule
	if schedule == "" {
		schedule = fallbackSchedule
	}
	s.health, err = bridge.NewHealthMonitor(s.bridges, schedule, healthProbeTimeout)
	if err != nil {
		return nil, err
	}

	source, err := config.ExpandPath(cfg.Catalog.Source)
	if err != nil {
		return nil, fmt.Errorf("catalog source: %w", err)
	}
	s.catalogs = catalog.NewCache(source)
	if cat, cerr := s.catalogs.Get(); cerr != nil {
		logger.Warn().Err(cerr).Str("source", source).Msg("Tool catalog unavailable; tool calls will fail until it builds")
	} else {
		for _, w := range cat.Warnings {
			logger.Warn().Str("source", source).Msg(w.String())
		}
	}

	s.dispatcher = action.NewDispatcher(s.bridges, s.timeline, s.bus, s.catalogs, action.WithTimeouts(cfg.TimeoutFor))
	s.orchestrator = action.NewOrchestrator(s.dispatcher, policy.NewClassifier(cfg.Policy.Sensitive), s.bus)

	lockDir, err := config.ExpandPath(cfg.Agent.LockDir)
	if err != nil {
		return nil, fmt.Errorf("agent lock dir: %w", err)
	}
	s.agents = agent.NewManager(agent.Options{
		LockDir:     lockDir,
		Adapter:     cfg.Agent.Adapter,
		GracePeriod: cfg.Agent.GracePeriod,
		TailLines:   cfg.Agent.StderrTailLines,
		Bus:         s.bus,
		Runs:        s.db,
	})
	s.projects = project.NewService(s.agents, s.dispatcher, s.bus, cfg.Agent, cfg.Shim)

	if cfg.Catalog.Watch {
		s.watcher, err = catalog.NewWatcher(s.catalogs, s.announceCatalog)
		if err != nil {
			return nil, fmt.Errorf("catalog watcher: %w", err)
		}
	}

	hub := websocket.NewHub(s.bus)
	hub.SetChatHandler(s.projects.Send)

	s.gateway = gateway.NewServer(cfg, hub, &v1.RouterDeps{
		Version:     opts.Version,
		Catalogs:    s.catalogs,
		Bridges:     s.health,
		Projects:    s.projects,
		Timeline:    s.timeline,
		Compensator: s.dispatcher,
		Plans:       s.orchestrator,
		DB:          s.db,
		Bus:         s.bus,
	})
	return s, nil
}

// announceCatalog tells every running project, and every project someone
// is watching, that the catalog changed.
func (s *Server) announceCatalog(cat *catalog.Catalog) {
	d := cat.Delivery()
	payload := map[string]any{
		"catalog": map[string]any{
			"version": d.Version,
			"hash":    d.Hash,
			"count":   d.Count,
		},
	}

	seen := make(map[string]bool)
	for _, id := range append(s.projects.Running(), s.bus.Projects()...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		s.bus.Publish(events.New(events.TypeUpdate, id, payload))
	}
	logger.Info().
		Str("version", d.Version).
		Int("tools", d.Count).
		Int("projects", len(seen)).
		Msg("Tool catalog reloaded")
}

// ErrorChan reports a listener failure after Start.
func (s *Server) ErrorChan() <-chan error {
	return s.errChan
}

// Start starts background services and the listener, and returns once the
// gateway accepts connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logger.Warn().Err(err).Str("source", s.catalogs.Source()).Msg("Catalog hot reload disabled")
		}
	}
	if s.cfg.Health.Schedule != "" && len(s.bridges.Services()) > 0 {
		if err := s.health.Start(); err != nil {
			return err
		}
		go s.health.CheckAll(context.Background())
	}

	go func() {
		if err := s.gateway.Start(); err != nil {
			logger.Error().Err(err).Msg("Gateway server error")
			s.errChan <- err
		}
	}()

	deadline := time.NewTimer(startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return errors.New("server start timeout")
		case err := <-s.errChan:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("server start failed: %w", err)
		case <-ticker.C:
			if addr := s.gateway.Addr(); addr != "" {
				logger.Info().
					Str("address", "http://"+addr).
					Str("version", s.version).
					Msg("Gateway started")
				return nil
			}
		}
	}
}

// Stop shuts down in dependency order: the listener and WebSocket
// clients first, then agents, then watchers and bridges, then storage.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.closeResources()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	logger.Info().Msg("Stopping gateway...")

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.closeResources()
	logger.Info().Msg("Gateway stopped")
	return errors.Join(errs...)
}

func (s *Server) closeResources() {
	if s.projects != nil {
		s.projects.Shutdown(s.cfg.Agent.GracePeriod)
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.health != nil {
		s.health.Stop()
	}
	if s.bridges != nil {
		if err := s.bridges.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close bridges")
		}
		s.bridges = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close storage")
		}
		s.db = nil
	}
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// StartedAt returns when Start was last called.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Addr returns the bound gateway address.
func (s *Server) Addr() string {
	return s.gateway.Addr()
}

// Projects returns the project service.
func (s *Server) Projects() *project.Service {
	return s.projects
}

// Bus returns the event bus.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

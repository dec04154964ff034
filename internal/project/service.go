// Package project wires an agent process and its shim together per project.
package project

import (
	"errors"
	"sort"
	"sync"
	"time"

	"atelier/internal/agent"
	"atelier/internal/config"
	"atelier/internal/events"
	"atelier/internal/shim"
	"atelier/pkg/logger"
)

// Supervisor is the subset of *agent.Manager used here.
type Supervisor interface {
	Start(spec agent.Spec, listeners ...agent.Listener) (agent.Snapshot, error)
	Stop(projectID string, grace time.Duration) error
	Send(projectID, text string) error
	Status(projectID string) (agent.Snapshot, bool)
	List() []agent.Snapshot
	StopAll(grace time.Duration)
}

// StartRequest optionally overrides the configured agent command line.
type StartRequest struct {
	Executable string            `json:"executable,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkDir    string            `json:"workDir,omitempty"`
}

// Service owns the running projects.
type Service struct {
	agents     Supervisor
	dispatcher shim.Dispatcher
	bus        events.Publisher
	agentCfg   config.AgentConfig
	shimCfg    config.ShimConfig

	mu    sync.Mutex
	shims map[string]*shim.Shim
}

// NewService creates a project service.
func NewService(agents Supervisor, dispatcher shim.Dispatcher, bus events.Publisher, agentCfg config.AgentConfig, shimCfg config.ShimConfig) *Service {
	return &Service{
		agents:     agents,
		dispatcher: dispatcher,
		bus:        bus,
		agentCfg:   agentCfg,
		shimCfg:    shimCfg,
		shims:      make(map[string]*shim.Shim),
	}
}

// Start launches the project's agent with a fresh shim attached.
func (s *Service) Start(projectID string, req StartRequest) (agent.Snapshot, error) {
	spec := s.spec(projectID, req)

	sh := shim.New(projectID, s.agents, s.dispatcher, s.bus, shim.Options{
		CoalesceWindow: s.shimCfg.CoalesceWindow,
	})
	sh.Start()

	snap, err := s.agents.Start(spec, sh)
	if err != nil {
		sh.Close()
		return snap, err
	}

	s.mu.Lock()
	s.shims[projectID] = sh
	s.mu.Unlock()

	logger.ForProject(projectID).Info().Int("pid", snap.PID).Msg("project agent running")
	return snap, nil
}

func (s *Service) spec(projectID string, req StartRequest) agent.Spec {
	spec := agent.Spec{
		ProjectID:  projectID,
		Executable: s.agentCfg.Executable,
		Args:       s.agentCfg.Args,
		WorkDir:    s.agentCfg.WorkDir,
		Env:        map[string]string{},
	}
	for k, v := range s.agentCfg.Env {
		spec.Env[k] = v
	}
	if req.Executable != "" {
		spec.Executable = req.Executable
		spec.Args = req.Args
	} else if len(req.Args) > 0 {
		spec.Args = req.Args
	}
	if req.WorkDir != "" {
		spec.WorkDir = req.WorkDir
	}
	for k, v := range req.Env {
		spec.Env[k] = v
	}
	spec.Env["ATELIER_PROJECT_ID"] = projectID
	return spec
}

// Stop stops the project's agent. The shim is cancelled by the supervisor's
// Stopping notification before the process is signalled.
func (s *Service) Stop(projectID string, grace time.Duration) error {
	err := s.agents.Stop(projectID, grace)

	s.mu.Lock()
	sh := s.shims[projectID]
	delete(s.shims, projectID)
	s.mu.Unlock()

	if sh != nil {
		sh.Close()
	}
	return err
}

// Send queues an operator line through the project's shim so that it
// respects tool-call turns.
func (s *Service) Send(projectID, text string) error {
	s.mu.Lock()
	sh := s.shims[projectID]
	s.mu.Unlock()

	if sh == nil {
		return agent.ErrNotRunning
	}
	if snap, ok := s.agents.Status(projectID); !ok || snap.State != agent.StateRunning {
		return agent.ErrNotRunning
	}
	if err := sh.Prompt(text); err != nil {
		if errors.Is(err, shim.ErrTerminated) {
			return agent.ErrNotRunning
		}
		return err
	}
	return nil
}

// Status returns the project's agent snapshot.
func (s *Service) Status(projectID string) (agent.Snapshot, bool) {
	return s.agents.Status(projectID)
}

// List returns every known project's agent snapshot.
func (s *Service) List() []agent.Snapshot {
	return s.agents.List()
}

// Running returns the ids of projects whose agent is running, sorted.
func (s *Service) Running() []string {
	var ids []string
	for _, snap := range s.agents.List() {
		if snap.State == agent.StateRunning {
			ids = append(ids, snap.ProjectID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every agent.
func (s *Service) Shutdown(grace time.Duration) {
	s.agents.StopAll(grace)

	s.mu.Lock()
	shims := s.shims
	s.shims = make(map[string]*shim.Shim)
	s.mu.Unlock()

	for _, sh := range shims {
		sh.Close()
	}
}

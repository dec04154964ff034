package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"atelier/internal/config"
	"atelier/internal/errs"
)

// Invoker routes an invocation to the executor serving a service.
type Invoker interface {
	Invoke(ctx context.Context, service string, inv Invocation) (json.RawMessage, error)
}

// Status is a snapshot of one service connection.
type Status struct {
	Service     string          `json:"service"`
	Address     string          `json:"address"`
	State       ConnectionState `json:"state"`
	Healthy     bool            `json:"healthy"`
	LastError   string          `json:"lastError,omitempty"`
	LastChecked time.Time       `json:"lastChecked,omitempty"`
}

// Registry maps service names onto persistent clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	health  map[string]Status
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		health:  make(map[string]Status),
	}
}

// NewRegistryFromConfig creates one client per configured bridge.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for name, bc := range cfg.Bridges {
		dial, err := DialerFor(bc.Transport)
		if err != nil {
			return nil, fmt.Errorf("bridge %s: %w", name, err)
		}
		r.Register(NewClient(name, ClientConfig{
			Address:     bc.Address,
			Dial:        dial,
			Timeout:     cfg.TimeoutFor(name),
			DialTimeout: bc.DialTimeout,
		}))
	}
	return r, nil
}

// Register adds or replaces the client for its service.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[c.Service()]; ok && old != c {
		_ = old.Close()
	}
	r.clients[c.Service()] = c
}

// Client returns the client for service.
func (r *Registry) Client(service string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[service]
	return c, ok
}

// Services lists registered services in name order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements Invoker. An unregistered service is a remote tool error.
func (r *Registry) Invoke(ctx context.Context, service string, inv Invocation) (json.RawMessage, error) {
	c, ok := r.Client(service)
	if !ok {
		return nil, &errs.RemoteToolError{
			Service:       service,
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Message:       "no executor registered",
			Cause:         ErrUnknownService,
		}
	}
	return c.Call(ctx, inv)
}

func (r *Registry) recordHealth(service string, err error, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Service: service, Healthy: err == nil, LastChecked: at}
	if err != nil {
		st.LastError = err.Error()
	}
	r.health[service] = st
}

// Statuses reports every service's connection state and last probe result.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.clients))
	for name, c := range r.clients {
		st, ok := r.health[name]
		if !ok {
			st = Status{Service: name}
		}
		st.Address = c.config.Address
		st.State = c.State()
		if st.LastError == "" && c.LastError() != nil {
			st.LastError = c.LastError().Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Close closes every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		_ = c.Close()
	}
	return nil
}

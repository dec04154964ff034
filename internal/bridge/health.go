package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"atelier/pkg/logger"
)

// HealthMonitor pings every registered service on a cron schedule.
type HealthMonitor struct {
	registry *Registry
	cron     *cron.Cron
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	running bool
}

// NewHealthMonitor validates schedule and creates a monitor. Both standard
// five-field expressions and descriptors such as "@every 30s" are accepted.
func NewHealthMonitor(registry *Registry, schedule string, timeout time.Duration) (*HealthMonitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid health schedule %q: %w", schedule, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		registry: registry,
		cron:     cron.New(cron.WithParser(parser)),
		schedule: schedule,
		timeout:  timeout,
	}, nil
}

// Start registers the probe job and starts the scheduler.
func (m *HealthMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("health monitor already running")
	}
	if _, err := m.cron.AddFunc(m.schedule, func() { m.CheckAll(context.Background()) }); err != nil {
		return err
	}
	m.cron.Start()
	m.running = true
	logger.Info().Str("schedule", m.schedule).Msg("Bridge health monitor started")
	return nil
}

// Stop stops the scheduler and waits for a running probe to finish.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
}

// CheckAll pings every service once and records the outcome.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, service := range m.registry.Services() {
		c, ok := m.registry.Client(service)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			err := c.Ping(pingCtx)
			m.registry.recordHealth(c.Service(), err, time.Now())
			if err != nil {
				logger.Warn().Err(err).Str("service", c.Service()).Msg("Bridge health check failed")
			}
		}(c)
	}
	wg.Wait()
}

// Statuses returns the registry's view of every service.
func (m *HealthMonitor) Statuses() []Status {
	return m.registry.Statuses()
}

// Package connwatch tracks the reachability of the services a request
// depends on (the model provider and the database) so health checks can
// report them without making a call on the request path.
//
// A [Manager] probes every registered service once at startup and then
// on a fixed interval. While any service is down it probes more often,
// doubling the delay from RetryDelay up to Interval.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. It returns nil if healthy
// and must be safe for concurrent use.
type Probe func(ctx context.Context) error

// Config controls probe timing. Zero fields take the defaults from
// [DefaultConfig].
type Config struct {
	// Interval is the delay between probes while everything is up.
	Interval time.Duration
	// RetryDelay is the first delay after a failed probe.
	RetryDelay time.Duration
	// Timeout bounds each probe call.
	Timeout time.Duration
}

// DefaultConfig returns a 60s poll interval, a 2s initial retry delay,
// and a 10s probe timeout.
func DefaultConfig() Config {
	return Config{
		Interval:   60 * time.Second,
		RetryDelay: 2 * time.Second,
		Timeout:    10 * time.Second,
	}
}

// Status is the health of one service, suitable for health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

type service struct {
	probe  Probe
	status Status
}

// Manager probes a set of named services.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*service
}

// NewManager creates a manager with cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RetryDelay > cfg.Interval {
		cfg.RetryDelay = cfg.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "connwatch"),
		services: make(map[string]*service),
	}
}

// Add registers a service. It is not ready until its first probe
// succeeds. Panics if name is empty or probe is nil.
func (m *Manager) Add(name string, probe Probe) {
	if name == "" {
		panic("connwatch: service name must not be empty")
	}
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}
	m.mu.Lock()
	m.services[name] = &service{probe: probe, status: Status{Name: name}}
	m.mu.Unlock()
}

// CheckAll probes every service once, concurrently, and records the
// results. It reports whether all services are ready.
func (m *Manager) CheckAll(ctx context.Context) bool {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	probes := make([]Probe, 0, len(m.services))
	for name, s := range m.services {
		names = append(names, name)
		probes = append(probes, s.probe)
	}
	m.mu.RUnlock()

	errs := make([]error, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			errs[i] = p(probeCtx)
		}()
	}
	wg.Wait()

	now := time.Now()
	allReady := true
	for i, name := range names {
		m.record(name, errs[i], now)
		if errs[i] != nil {
			allReady = false
		}
	}
	return allReady
}

func (m *Manager) record(name string, err error, now time.Time) {
	m.mu.Lock()
	s, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasReady, first := s.status.Ready, s.status.LastCheck.IsZero()
	s.status.LastCheck = now
	if err == nil {
		s.status.Ready = true
		s.status.LastError = ""
		s.status.Failures = 0
	} else {
		s.status.Ready = false
		s.status.LastError = err.Error()
		s.status.Failures++
	}
	failures := s.status.Failures
	m.mu.Unlock()

	switch {
	case err == nil && (first || !wasReady):
		m.logger.Info("service reachable", "service", name)
	case err != nil && (first || wasReady):
		m.logger.Warn("service unreachable", "service", name, "error", err)
	case err != nil:
		m.logger.Debug("service still unreachable", "service", name, "failures", failures, "error", err)
	}
}

// Run probes immediately and then keeps probing until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	retry := m.cfg.RetryDelay
	for {
		delay := m.cfg.Interval
		if !m.CheckAll(ctx) {
			delay = retry
			retry = min(retry*2, m.cfg.Interval)
		} else {
			retry = m.cfg.RetryDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Ready reports whether every registered service passed its last probe.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.services {
		if !s.status.Ready {
			return false
		}
	}
	return true
}

// Status returns the current status of every service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s.status)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

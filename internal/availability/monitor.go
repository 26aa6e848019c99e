package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/metrics"
	"github.com/ashureev/agentchat/internal/scheduler"
	"github.com/ashureev/agentchat/internal/store"
)

// TimerName is the scheduler name of the background check.
const TimerName = "availability"

// Settings are the monitor's timing constants.
type Settings struct {
	CacheTTL   time.Duration // positive result reuse window
	Interval   time.Duration // background probe interval
	MaxBackoff time.Duration // cap for the failure back-off
}

// Monitor caches workflow engine reachability and probes it in the
// background with exponential back-off on consecutive failures.
type Monitor struct {
	probe    Probe
	settings Settings
	clock    scheduler.Clock
	store    store.Timestamps
	logger   *slog.Logger
	onChange func(available bool)

	mu           sync.Mutex
	available    bool
	lastPositive time.Time
	failures     int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for cache expiry.
func WithClock(c scheduler.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithStore persists the last positive check time.
func WithStore(s store.Timestamps) Option {
	return func(m *Monitor) { m.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithOnChange registers a callback invoked when availability flips.
// It runs outside the monitor's lock.
func WithOnChange(fn func(available bool)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// NewMonitor creates a monitor. Availability is unknown (false) until the
// first check or a Restore.
func NewMonitor(probe Probe, settings Settings, opts ...Option) *Monitor {
	m := &Monitor{
		probe:    probe,
		settings: settings,
		clock:    scheduler.RealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore seeds the cache from the persisted last-check timestamp. A check
// recorded within the cache TTL counts as a fresh positive result.
func (m *Monitor) Restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	ts, ok, err := m.store.GetTimestamp(ctx, store.KeyAvailabilityCheck)
	if err != nil {
		m.logger.Warn("failed to read last availability check", "error", err)
		return
	}
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clock.Now().Sub(ts) < m.settings.CacheTTL {
		m.available = true
		m.lastPositive = ts
		metrics.BackendAvailable.Set(1)
	}
}

// Check returns whether the engine is reachable. A positive result younger
// than the cache TTL is reused unless force is set.
func (m *Monitor) Check(ctx context.Context, force bool) bool {
	m.mu.Lock()
	if !force && m.available && m.clock.Now().Sub(m.lastPositive) < m.settings.CacheTTL {
		m.mu.Unlock()
		metrics.AvailabilityChecks.WithLabelValues("cached").Inc()
		return true
	}
	m.mu.Unlock()

	err := m.probe.Probe(ctx)
	now := m.clock.Now()

	m.mu.Lock()
	prev := m.available
	if err == nil {
		m.available = true
		m.lastPositive = now
		m.failures = 0
	} else {
		m.available = false
		m.failures++
	}
	available := m.available
	failures := m.failures
	m.mu.Unlock()

	if err == nil {
		metrics.AvailabilityChecks.WithLabelValues("available").Inc()
		metrics.BackendAvailable.Set(1)
		m.persist(ctx, now)
	} else {
		metrics.AvailabilityChecks.WithLabelValues("unavailable").Inc()
		metrics.BackendAvailable.Set(0)
		m.logger.Debug("workflow engine unavailable", "error", err, "consecutive_failures", failures)
	}

	if prev != available {
		m.logger.Info("workflow engine availability changed", "available", available)
		if m.onChange != nil {
			m.onChange(available)
		}
	}
	return available
}

func (m *Monitor) persist(ctx context.Context, t time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.SetTimestamp(ctx, store.KeyAvailabilityCheck, t); err != nil {
		m.logger.Warn("failed to persist availability check", "error", err)
	}
}

// Available returns the cached availability without probing.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Failures returns the number of consecutive failed probes.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// NextInterval returns the delay before the next background probe:
// Interval doubled per consecutive failure, capped at MaxBackoff.
func (m *Monitor) NextInterval() time.Duration {
	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()

	d := m.settings.Interval
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= m.settings.MaxBackoff {
			return m.settings.MaxBackoff
		}
	}
	return d
}

// Start registers the background check on s. ctx bounds every probe.
func (m *Monitor) Start(ctx context.Context, s *scheduler.Scheduler) {
	s.Every(TimerName, m.NextInterval, func() {
		m.Check(ctx, false)
	})
}

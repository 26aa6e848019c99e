package chat

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/metrics"
	"github.com/ashureev/agentchat/internal/scheduler"
)

const recoverTimer = "recover"

// Supervisor wraps every timer callback. A panic is logged and, after a
// short delay, the controller's transient flags are reset so the UI is
// never left frozen.
type Supervisor struct {
	logger *slog.Logger
	delay  time.Duration
	reset  func()

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

// NewSupervisor creates a supervisor that calls reset delay after a panic.
func NewSupervisor(logger *slog.Logger, delay time.Duration, reset func()) *Supervisor {
	return &Supervisor{logger: logger, delay: delay, reset: reset}
}

// attach sets the scheduler used for delayed recovery.
func (s *Supervisor) attach(sched *scheduler.Scheduler) {
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()
}

// Wrap runs fn and recovers a panic. It satisfies scheduler.Wrapper.
func (s *Supervisor) Wrap(name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		metrics.RecoveredPanics.WithLabelValues(name).Inc()
		s.logger.Error("recovered panic in timer callback",
			"timer", name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()),
		)

		s.mu.Lock()
		sched := s.sched
		s.mu.Unlock()
		if sched == nil || name == recoverTimer {
			return
		}
		sched.After(recoverTimer, s.delay, s.reset)
	}()
	fn()
}

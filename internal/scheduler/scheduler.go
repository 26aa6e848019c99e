package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Wrapper decorates every timer callback, e.g. to recover panics.
type Wrapper func(name string, fn func())

// Scheduler owns a set of named timers. Registering a name that is already
// pending replaces the previous timer; Close cancels everything and makes
// later registrations no-ops.
type Scheduler struct {
	clock  Clock
	wrap   Wrapper
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	timers map[string]*entry
	closed bool
}

type entry struct {
	id    uint64
	timer Timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWrapper installs a callback decorator.
func WithWrapper(w Wrapper) Option {
	return func(s *Scheduler) { s.wrap = w }
}

// WithLogger sets the logger used for timer diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler on the given clock.
func New(clock Clock, opts ...Option) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	s := &Scheduler{
		clock:  clock,
		logger: slog.Default(),
		timers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// After runs fn once after d under the given name.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.scheduleLocked(name, d, func() { s.run(name, fn) }, false)
}

// Every runs fn repeatedly under the given name. The delay before each run is
// read from next, so intervals may change between runs.
func (s *Scheduler) Every(name string, next func() time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.everyLocked(name, next, fn)
}

func (s *Scheduler) everyLocked(name string, next func() time.Duration, fn func()) {
	var id uint64
	tick := func() {
		s.run(name, fn)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		// Only reschedule if nobody replaced or cancelled us while fn ran.
		if cur, ok := s.timers[name]; !ok || cur.id != id {
			return
		}
		s.everyLocked(name, next, fn)
	}
	id = s.scheduleLocked(name, next(), tick, true)
}

func (s *Scheduler) scheduleLocked(name string, d time.Duration, fn func(), periodic bool) uint64 {
	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
	}
	s.seq++
	id := s.seq
	e := &entry{id: id}
	e.timer = s.clock.AfterFunc(d, func() {
		if !periodic {
			s.mu.Lock()
			if cur, ok := s.timers[name]; !ok || cur.id != id {
				s.mu.Unlock()
				return
			}
			delete(s.timers, name)
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			cur, ok := s.timers[name]
			s.mu.Unlock()
			if !ok || cur.id != id {
				return
			}
		}
		fn()
	})
	s.timers[name] = e
	return id
}

func (s *Scheduler) run(name string, fn func()) {
	if s.wrap != nil {
		s.wrap(name, fn)
		return
	}
	fn()
}

// Cancel stops the named timer if it is pending.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[name]; ok {
		e.timer.Stop()
		delete(s.timers, name)
	}
}

// Pending reports whether the named timer is registered.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Names returns the registered timer names in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels every timer. Registrations after Close are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for name, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, name)
	}
	s.logger.Debug("scheduler closed")
}

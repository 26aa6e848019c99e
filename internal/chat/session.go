package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentchat/internal/backend"
	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/scheduler"
	"github.com/ashureev/agentchat/internal/store"
)

// sessionManager starts, adopts and ends backend sessions. It holds no UI
// state; the controller applies its results.
type sessionManager struct {
	backend Backend
	avail   Availability
	store   store.Timestamps
	clock   scheduler.Clock
	policy  config.Policy
	logger  *slog.Logger
}

// startIfNeeded adopts a running session or creates one. An unavailable
// engine returns a KindUnavailable error without touching the backend.
func (s *sessionManager) startIfNeeded(ctx context.Context) (domain.SessionState, error) {
	if !s.avail.Check(ctx, false) {
		return domain.SessionState{}, backend.Unavailable("start session")
	}

	st, err := s.backend.FetchSessionState(ctx)
	if err != nil {
		s.logger.Warn("failed to query session state, assuming none", "error", err)
	}
	if st.Exists {
		s.logger.Info("adopting existing session", "message_count", st.MessageCount)
		return st, nil
	}

	if s.recentlyStarted(ctx) {
		s.logger.Info("session start already requested recently, not starting another")
		return domain.SessionState{Exists: true, MessageCount: domain.UnknownMessageCount}, nil
	}

	if err := s.create(ctx); err != nil {
		return domain.SessionState{}, err
	}
	return domain.SessionState{Exists: true}, nil
}

// startNew ends the current session, waits for teardown and creates a new one.
func (s *sessionManager) startNew(ctx context.Context) (domain.SessionState, error) {
	s.end(ctx)

	if err := sleepCtx(ctx, s.policy.TeardownGrace); err != nil {
		return domain.SessionState{}, err
	}

	if !s.avail.Check(ctx, true) {
		return domain.SessionState{}, backend.Unavailable("start session")
	}
	if err := s.create(ctx); err != nil {
		return domain.SessionState{}, err
	}
	return domain.SessionState{Exists: true}, nil
}

// end asks the backend to end the session. Failures are expected when no
// session exists and are only logged.
func (s *sessionManager) end(ctx context.Context) {
	if err := s.backend.EndSession(ctx); err != nil {
		s.logger.Debug("end session failed", "error", err)
	}
}

func (s *sessionManager) create(ctx context.Context) error {
	if err := s.backend.StartSession(ctx); err != nil {
		return err
	}
	s.logger.Info("started new session")
	if s.store == nil {
		return nil
	}
	if err := s.store.SetTimestamp(ctx, store.KeySessionStart, s.clock.Now()); err != nil {
		s.logger.Warn("failed to record session start", "error", err)
	}
	return nil
}

func (s *sessionManager) recentlyStarted(ctx context.Context) bool {
	if s.store == nil {
		return false
	}
	ts, ok, err := s.store.GetTimestamp(ctx, store.KeySessionStart)
	if err != nil {
		s.logger.Warn("failed to read last session start", "error", err)
		return false
	}
	return ok && s.clock.Now().Sub(ts) < s.policy.StartCooldown
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// bootstrapSession runs the first-activation start. Whatever happens, the
// UI ends up unblocked with input enabled.
func (c *Controller) bootstrapSession() {
	st, err := c.sessions.startIfNeeded(c.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ui.SessionStarted = true
	c.ui.Loading = false
	c.ui.Done = true
	c.session = st

	if err != nil {
		if backend.IsKind(err, backend.KindUnavailable) {
			c.logger.Warn("workflow engine unavailable, session start skipped")
			c.noticeLocked(LevelWarn, "The agent service is unavailable. Messages can be sent once it is back.")
		} else {
			c.logger.Error("failed to start session", "error", err)
			c.showErrorLocked(errorKind(err), errorMessage(err))
		}
	}
	c.changedLocked()
}

// checkSession is the periodic session-state refresh.
func (c *Controller) checkSession() {
	c.mu.Lock()
	if c.closed || c.restarting {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	st, err := c.backend.FetchSessionState(c.ctx)
	if err != nil {
		c.logger.Debug("session state check failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.restarting {
		return
	}
	prev := c.session
	if prev == st {
		return
	}
	if st.ContinuedFromPrevious && !prev.ContinuedFromPrevious {
		c.logger.Info("session continued as a new workflow run", "message_count", st.MessageCount)
		c.noticeLocked(LevelInfo, "The conversation was summarized and continued in a fresh session.")
	}
	c.session = st
	c.changedLocked()
}

// startNew is the explicit restart: clear the conversation, end the old
// session, create a new one and resume polling.
func (c *Controller) startNew(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.restarting {
		c.mu.Unlock()
		return ErrRestarting
	}
	c.restarting = true
	c.gen++
	c.stopPollerLocked()
	c.sched.Cancel(numericConfirmTimer)
	c.sched.Cancel(stopCooldownTimer)
	c.messages = nil
	c.optimistic = nil
	c.tool = nil
	c.session = domain.SessionState{}
	c.pollErrors = 0
	c.loop.Reset()
	c.ui = domain.UIState{Done: true, SessionStarted: c.ui.SessionStarted}
	c.clearErrorLocked()
	c.changedLocked()
	c.mu.Unlock()

	st, err := c.sessions.startNew(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarting = false
	c.gen++
	if c.closed {
		return ErrClosed
	}
	if err == nil {
		c.session = st
	} else {
		c.logger.Error("failed to start new chat", "error", err)
		c.showErrorLocked(errorKind(err), errorMessage(err))
	}
	c.markActivityLocked()
	c.startPollerLocked()
	c.changedLocked()
	return err
}

// End ends the backend session and clears the conversation.
func (c *Controller) End(ctx context.Context) {
	c.sessions.end(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.gen++
	c.messages = nil
	c.optimistic = nil
	c.tool = nil
	c.session = domain.SessionState{}
	c.loop.Reset()
	c.ui.Loading = false
	c.ui.Done = true
	c.ui.ConfirmVisible = false
	c.ui.PendingTool = ""
	c.changedLocked()
}

package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/agentchat/internal/backend"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/metrics"
)

// Error banner kinds that are not backend.Kind values.
const (
	errorKindNotFound = string(backend.KindNotFound)
	errorKindAgent    = "agent"
	errorKindInternal = "internal"
)

func errorKind(err error) string {
	if k := backend.KindOf(err); k != "" {
		return string(k)
	}
	return errorKindInternal
}

func errorMessage(err error) string {
	var be *backend.Error
	if errors.As(err, &be) {
		return be.UserMessage()
	}
	return err.Error()
}

func recordAction(action string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrBusy),
		errors.Is(err, ErrNoPendingConfirm), errors.Is(err, ErrRestarting):
		result = "rejected"
	case backend.IsKind(err, backend.KindUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	metrics.Actions.WithLabelValues(action, result).Inc()
}

// SendMessage sends a user message. The message is shown immediately and
// input stays disabled until the agent answers.
func (c *Controller) SendMessage(ctx context.Context, text string) (err error) {
	defer func() { recordAction("send", err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if err := c.sendableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.markActivityLocked()
	c.mu.Unlock()

	if !c.avail.Check(ctx, true) {
		err := backend.Unavailable("send prompt")
		c.mu.Lock()
		c.failActionLocked(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if err := c.sendableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	numeric := IsNumericReply(text) && AwaitingParameter(c.messages)
	base := len(c.messages)
	m := Normalize(Raw(domain.Message{Actor: domain.ActorUser, Content: text}), base)
	c.optimistic = &m
	c.optimisticBase = base
	c.sending = true
	c.gen++
	c.ui.Loading = true
	c.ui.Done = false
	c.ui.Stuck = false
	c.ui.ConfirmVisible = false
	c.ui.PendingTool = ""
	c.clearErrorLocked()
	c.loop.Reset()
	c.changedLocked()
	c.mu.Unlock()

	sendErr := c.backend.SendPrompt(context.WithoutCancel(ctx), text)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	c.gen++
	if sendErr != nil {
		c.logger.Error("failed to send message", "error", sendErr)
		c.optimistic = nil
		c.failActionLocked(sendErr)
		return sendErr
	}

	if numeric {
		// A bare tempo value does not advance the workflow on its own.
		c.logger.Info("numeric reply while awaiting parameter, confirming automatically")
		c.sched.After(numericConfirmTimer, c.policy.NumericConfirmDelay, func() {
			if err := c.confirm(c.ctx, false); err != nil {
				c.logger.Warn("automatic confirm failed", "error", err)
			}
		})
	}
	c.changedLocked()
	return nil
}

func (c *Controller) sendableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.restarting:
		return ErrRestarting
	case c.ui.Loading || c.sending:
		return ErrBusy
	}
	return nil
}

// Confirm approves the tool call the agent is waiting on.
func (c *Controller) Confirm(ctx context.Context) error {
	return c.confirm(ctx, true)
}

func (c *Controller) confirm(ctx context.Context, requirePending bool) (err error) {
	defer func() { recordAction("confirm", err) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if requirePending && !c.ui.ConfirmVisible {
		c.mu.Unlock()
		return ErrNoPendingConfirm
	}
	c.markActivityLocked()
	c.mu.Unlock()

	if !c.avail.Check(ctx, true) {
		err := backend.Unavailable("confirm")
		c.mu.Lock()
		c.failActionLocked(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.gen++
	c.ui.Loading = true
	c.ui.Done = false
	c.ui.Stuck = false
	c.clearErrorLocked()
	c.changedLocked()
	c.mu.Unlock()

	confirmErr := c.backend.Confirm(context.WithoutCancel(ctx))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if confirmErr != nil {
		c.logger.Error("failed to confirm tool call", "error", confirmErr)
		c.failActionLocked(confirmErr)
		return confirmErr
	}
	c.ui.ConfirmVisible = false
	c.ui.PendingTool = ""
	c.tool = nil
	c.changedLocked()
	return nil
}

// failActionLocked surfaces a failed user action and re-enables input.
func (c *Controller) failActionLocked(err error) {
	c.ui.Loading = false
	c.ui.Done = true
	c.showErrorLocked(errorKind(err), errorMessage(err))
	c.changedLocked()
}

// StopAgent halts polling. After the cooldown polling resumes at the long
// interval until the user interacts again.
func (c *Controller) StopAgent() {
	defer recordAction("stop", nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.logger.Info("agent stopped by user")
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	c.gen++
	c.stopPollerLocked()
	c.ui.AgentStopped = true
	c.ui.Loading = false
	c.ui.Done = true
	c.idleUntilActivity = true
	c.refreshIntervalLocked()
	c.sched.After(stopCooldownTimer, c.policy.StopCooldown, c.resumeAfterStop)
	c.changedLocked()
}

func (c *Controller) resumeAfterStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.restarting {
		return
	}
	c.ui.AgentStopped = false
	c.startPollerLocked()
	c.changedLocked()
}

// StartNewChat ends the current session and starts a fresh one. Polling
// resumes whether or not the restart succeeds.
func (c *Controller) StartNewChat(ctx context.Context) (err error) {
	defer func() { recordAction("new_chat", err) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.restarting {
		c.mu.Unlock()
		return ErrRestarting
	}
	c.markActivityLocked()
	c.mu.Unlock()

	if !c.avail.Check(ctx, true) {
		err := backend.Unavailable("start new chat")
		c.mu.Lock()
		defer c.mu.Unlock()
		c.showErrorLocked(errorKind(err), errorMessage(err))
		if !c.polling && !c.ui.AgentStopped {
			c.startPollerLocked()
		}
		c.changedLocked()
		return err
	}

	return c.startNew(context.WithoutCancel(ctx))
}

// Reset is the manual escape hatch: it re-enables input.
func (c *Controller) Reset() {
	defer recordAction("reset", nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ui.Loading = false
	c.ui.Done = true
	c.ui.Stuck = false
	c.clearErrorLocked()
	c.changedLocked()
}

// Activity records user interaction, switching polling to the short interval.
func (c *Controller) Activity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.markActivityLocked()
	c.publishLocked()
}

func (c *Controller) markActivityLocked() {
	c.lastActivity = c.clock.Now()
	c.idleUntilActivity = false
	c.refreshIntervalLocked()
	c.armActivityDecayLocked()
}

// AvailabilityChanged republishes the view when the engine comes or goes.
func (c *Controller) AvailabilityChanged(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.logger.Debug("availability changed", "available", available)
	c.publishLocked()
}

package chat

import (
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/metrics"
	"github.com/ashureev/agentchat/internal/shared"
)

const notFoundNotice = "Waiting for the agent to start the conversation..."

// startPollerLocked (re)registers the poll timer. Starting cancels any
// previous timer, so calling it twice is harmless.
func (c *Controller) startPollerLocked() {
	if c.closed {
		return
	}
	c.polling = true
	c.sched.Every(pollTimer, c.pollInterval, c.poll)
}

func (c *Controller) stopPollerLocked() {
	c.polling = false
	c.sched.Cancel(pollTimer)
}

// pollInterval is read by the scheduler before every tick.
func (c *Controller) pollInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// refreshIntervalLocked recomputes the poll interval from recent activity.
// A switch to the short interval restarts the poller so it applies at once.
func (c *Controller) refreshIntervalLocked() {
	next := c.policy.IdlePollInterval
	if !c.idleUntilActivity && c.clock.Now().Sub(c.lastActivity) < c.policy.ActivityWindow {
		next = c.policy.ActivePollInterval
	}
	prev := time.Duration(c.interval.Swap(int64(next)))
	if next < prev && c.polling {
		c.startPollerLocked()
	}
}

// poll is one poller tick.
func (c *Controller) poll() {
	c.mu.Lock()
	if c.closed || c.restarting || c.ui.AgentStopped || c.pollInFlight || c.sending {
		c.mu.Unlock()
		metrics.Polls.WithLabelValues("skipped").Inc()
		return
	}
	c.pollInFlight = true
	gen := c.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pollInFlight = false
		c.mu.Unlock()
	}()

	start := time.Now()
	conv, err := c.backend.FetchConversation(c.ctx)
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	var msgs []domain.Message
	var tool *domain.ToolData
	if err == nil && !conv.Missing {
		msgs = NormalizeAll(conv.Messages)
		if _, pending := PendingConfirm(LastMessage(msgs)); pending {
			tool = c.fetchToolData()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if gen != c.gen {
		metrics.Polls.WithLabelValues("stale").Inc()
		c.logger.Debug("discarding stale poll result", "poll_gen", gen, "current_gen", c.gen)
		return
	}

	switch {
	case err != nil:
		metrics.Polls.WithLabelValues("error").Inc()
		c.onPollErrorLocked(err)
	case conv.Missing:
		metrics.Polls.WithLabelValues("missing").Inc()
		c.onMissingLocked()
	default:
		metrics.Polls.WithLabelValues("ok").Inc()
		c.applyLocked(msgs, tool)
	}
}

func (c *Controller) fetchToolData() *domain.ToolData {
	td, err := c.backend.FetchToolData(c.ctx)
	if err != nil {
		c.logger.Debug("failed to fetch tool data", "error", err)
		return nil
	}
	return td
}

func (c *Controller) onPollErrorLocked(err error) {
	c.pollErrors++
	c.logger.Warn("conversation poll failed", "error", err, "consecutive_errors", c.pollErrors)

	if c.pollErrors <= c.policy.MaxConsecutivePollErrors {
		return
	}
	if c.pollErrors == c.policy.MaxConsecutivePollErrors+1 {
		metrics.Watchdog.WithLabelValues("poll_errors").Inc()
		c.showErrorLocked(errorKind(err), "Having trouble reaching the agent. Still retrying.")
	}
	if c.ui.Loading || !c.ui.Done {
		c.ui.Loading = false
		c.ui.Done = true
	}
	c.changedLocked()
}

// onMissingLocked handles a 404 or timed-out fetch. Before any conversation
// has been seen this means it does not exist yet, which is not an error.
// Once messages are shown, the last good snapshot is kept.
func (c *Controller) onMissingLocked() {
	if len(c.messages) > 0 {
		c.pollErrors = 0
		return
	}
	if c.notFoundNotices.AllowN(c.clock.Now(), 1) {
		c.noticeLocked(LevelInfo, notFoundNotice)
	}
	c.applyLocked(nil, nil)
}

// applyLocked reconciles a fetched snapshot into the controller state.
func (c *Controller) applyLocked(fetched []domain.Message, tool *domain.ToolData) {
	c.pollErrors = 0
	if c.ui.Error.Visible && c.ui.Error.Kind == errorKindNotFound && len(fetched) > 0 {
		c.clearErrorLocked()
	}

	if c.optimistic != nil && len(fetched) > c.optimisticBase {
		c.optimistic = nil
	}

	display := fetched
	if c.optimistic != nil {
		display = append(append([]domain.Message(nil), fetched...), *c.optimistic)
	}
	last := LastMessage(display)

	// Only a pending agent turn can be a loop; user turns and finished
	// answers legitimately stay unchanged across polls.
	if !awaitingAgent(last) {
		c.loop.Reset()
	} else if c.loop.Observe(last) {
		metrics.AutoStops.Inc()
		c.logger.Warn("agent appears to be looping, stopping automatically",
			"identical_polls", c.loop.Count(),
			"last_message", shared.Truncate(last.Content, 80))
		c.noticeLocked(LevelWarn, "The agent seems to be repeating itself, so polling was paused.")
		c.stopLocked()
		return
	}

	c.ui.LongConversation = len(fetched) > c.policy.LongConversationThreshold

	if !HasChanged(c.messages, fetched) {
		return
	}
	c.recordLocked(fetched)
	c.messages = fetched
	c.tool = tool
	c.ui.Stuck = false
	c.deriveLocked(last)
	c.changedLocked()
}

// awaitingAgent reports whether last is an agent turn that is not done and
// not waiting for the user to confirm a tool call.
func awaitingAgent(last *domain.Message) bool {
	if last == nil || last.Actor != domain.ActorAgent || IsDone(last) {
		return false
	}
	_, confirming := PendingConfirm(last)
	return !confirming
}

// deriveLocked sets the loading/done flags from the last message.
func (c *Controller) deriveLocked(last *domain.Message) {
	c.ui.ConfirmVisible = false
	c.ui.PendingTool = ""

	switch {
	case last == nil:
		c.ui.Loading = false
		c.ui.Done = true
	case last.IsUserSide():
		c.ui.Loading = true
		c.ui.Done = false
	case last.Actor == domain.ActorAgent:
		p := ParseResponse(last.Response)
		switch {
		case p.Next.IsConfirm():
			// Loading is left as is: the agent is still mid-flow.
			c.ui.ConfirmVisible = true
			c.ui.PendingTool = p.Tool
			c.ui.Done = false
		case p.Next == domain.NextError:
			c.ui.Loading = false
			c.ui.Done = true
			c.showErrorLocked(errorKindAgent, last.Content)
		default:
			c.ui.Loading = false
			c.ui.Done = IsDone(last)
		}
	default:
		// System and summary turns never wait on the agent.
		c.ui.Loading = false
		c.ui.Done = true
	}
}

// recordLocked hands messages not seen before to the recorder.
func (c *Controller) recordLocked(msgs []domain.Message) {
	if c.recorder == nil {
		return
	}
	for _, m := range msgs {
		if _, ok := c.seen[m.Key]; ok {
			continue
		}
		c.seen[m.Key] = struct{}{}
		c.recorder.Record(m)
	}
}

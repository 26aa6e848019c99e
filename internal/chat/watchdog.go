package chat

import (
	"github.com/ashureev/agentchat/internal/metrics"
)

func (c *Controller) armActivityDecayLocked() {
	if c.closed {
		return
	}
	c.sched.After(activityTimer, c.policy.ActivityWindow, c.onActivityDecay)
}

// onActivityDecay moves polling to the long interval once the user has
// been idle for the activity window.
func (c *Controller) onActivityDecay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.refreshIntervalLocked()
	c.publishLocked()
}

// onStuck fires when nothing changed for the stuck timeout while loading.
func (c *Controller) onStuck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.ui.Loading {
		return
	}
	metrics.Watchdog.WithLabelValues("stuck").Inc()
	c.logger.Warn("no progress while waiting for the agent, re-enabling input",
		"timeout", c.policy.StuckTimeout)

	c.ui.Loading = false
	c.ui.Done = true
	c.ui.Stuck = true
	c.noticeLocked(LevelWarn, "The agent is taking a while. You can send another message.")
	c.changedLocked()
}

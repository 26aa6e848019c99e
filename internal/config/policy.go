package config

import (
	"fmt"
	"time"
)

// Policy holds the controller's timing and threshold constants.
// Every field can be overridden from the environment with the POLICY_ prefix.
type Policy struct {
	// Poller
	ActivePollInterval       time.Duration
	IdlePollInterval         time.Duration
	ActivityWindow           time.Duration
	MaxConsecutivePollErrors int
	NotFoundNoticeInterval   time.Duration

	// Reconciler
	LoopThreshold             int
	LongConversationThreshold int

	// Interaction
	StopCooldown        time.Duration
	StuckTimeout        time.Duration
	NumericConfirmDelay time.Duration
	ErrorDismiss        time.Duration
	RecoveryDelay       time.Duration

	// Session lifecycle
	StartCooldown        time.Duration
	TeardownGrace        time.Duration
	SessionCheckInterval time.Duration

	// Availability
	AvailabilityCacheTTL   time.Duration
	AvailabilityInterval   time.Duration
	AvailabilityMaxBackoff time.Duration
	ProbeTimeout           time.Duration

	// Transport
	FetchTimeout   time.Duration
	RequestTimeout time.Duration
}

// DefaultPolicy returns the stock policy constants.
func DefaultPolicy() Policy {
	return Policy{
		ActivePollInterval:       2 * time.Second,
		IdlePollInterval:         10 * time.Second,
		ActivityWindow:           5 * time.Minute,
		MaxConsecutivePollErrors: 3,
		NotFoundNoticeInterval:   10 * time.Second,

		LoopThreshold:             5,
		LongConversationThreshold: 20,

		StopCooldown:        5 * time.Second,
		StuckTimeout:        25 * time.Second,
		NumericConfirmDelay: time.Second,
		ErrorDismiss:        3 * time.Second,
		RecoveryDelay:       time.Second,

		StartCooldown:        10 * time.Second,
		TeardownGrace:        time.Second,
		SessionCheckInterval: 15 * time.Second,

		AvailabilityCacheTTL:   5 * time.Second,
		AvailabilityInterval:   10 * time.Second,
		AvailabilityMaxBackoff: time.Minute,
		ProbeTimeout:           3 * time.Second,

		FetchTimeout:   5 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// LoadPolicy returns DefaultPolicy with environment overrides applied.
func LoadPolicy() Policy {
	p := DefaultPolicy()

	p.ActivePollInterval = getEnvDuration("POLICY_ACTIVE_POLL_INTERVAL", p.ActivePollInterval)
	p.IdlePollInterval = getEnvDuration("POLICY_IDLE_POLL_INTERVAL", p.IdlePollInterval)
	p.ActivityWindow = getEnvDuration("POLICY_ACTIVITY_WINDOW", p.ActivityWindow)
	p.MaxConsecutivePollErrors = getEnvInt("POLICY_MAX_POLL_ERRORS", p.MaxConsecutivePollErrors)
	p.NotFoundNoticeInterval = getEnvDuration("POLICY_NOT_FOUND_NOTICE_INTERVAL", p.NotFoundNoticeInterval)

	p.LoopThreshold = getEnvInt("POLICY_LOOP_THRESHOLD", p.LoopThreshold)
	p.LongConversationThreshold = getEnvInt("POLICY_LONG_CONVERSATION_THRESHOLD", p.LongConversationThreshold)

	p.StopCooldown = getEnvDuration("POLICY_STOP_COOLDOWN", p.StopCooldown)
	p.StuckTimeout = getEnvDuration("POLICY_STUCK_TIMEOUT", p.StuckTimeout)
	p.NumericConfirmDelay = getEnvDuration("POLICY_NUMERIC_CONFIRM_DELAY", p.NumericConfirmDelay)
	p.ErrorDismiss = getEnvDuration("POLICY_ERROR_DISMISS", p.ErrorDismiss)
	p.RecoveryDelay = getEnvDuration("POLICY_RECOVERY_DELAY", p.RecoveryDelay)

	p.StartCooldown = getEnvDuration("POLICY_START_COOLDOWN", p.StartCooldown)
	p.TeardownGrace = getEnvDuration("POLICY_TEARDOWN_GRACE", p.TeardownGrace)
	p.SessionCheckInterval = getEnvDuration("POLICY_SESSION_CHECK_INTERVAL", p.SessionCheckInterval)

	p.AvailabilityCacheTTL = getEnvDuration("POLICY_AVAILABILITY_CACHE_TTL", p.AvailabilityCacheTTL)
	p.AvailabilityInterval = getEnvDuration("POLICY_AVAILABILITY_INTERVAL", p.AvailabilityInterval)
	p.AvailabilityMaxBackoff = getEnvDuration("POLICY_AVAILABILITY_MAX_BACKOFF", p.AvailabilityMaxBackoff)
	p.ProbeTimeout = getEnvDuration("POLICY_PROBE_TIMEOUT", p.ProbeTimeout)

	p.FetchTimeout = getEnvDuration("POLICY_FETCH_TIMEOUT", p.FetchTimeout)
	p.RequestTimeout = getEnvDuration("POLICY_REQUEST_TIMEOUT", p.RequestTimeout)

	return p
}

// Validate rejects policies that would spin or never fire.
func (p Policy) Validate() error {
	positive := map[string]time.Duration{
		"POLICY_ACTIVE_POLL_INTERVAL":  p.ActivePollInterval,
		"POLICY_IDLE_POLL_INTERVAL":    p.IdlePollInterval,
		"POLICY_STUCK_TIMEOUT":         p.StuckTimeout,
		"POLICY_AVAILABILITY_INTERVAL": p.AvailabilityInterval,
		"POLICY_PROBE_TIMEOUT":         p.ProbeTimeout,
		"POLICY_FETCH_TIMEOUT":         p.FetchTimeout,
		"POLICY_REQUEST_TIMEOUT":       p.RequestTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if p.IdlePollInterval < p.ActivePollInterval {
		return fmt.Errorf("POLICY_IDLE_POLL_INTERVAL must not be shorter than POLICY_ACTIVE_POLL_INTERVAL")
	}
	if p.AvailabilityMaxBackoff < p.AvailabilityInterval {
		return fmt.Errorf("POLICY_AVAILABILITY_MAX_BACKOFF must not be shorter than POLICY_AVAILABILITY_INTERVAL")
	}
	if p.LoopThreshold < 2 {
		return fmt.Errorf("POLICY_LOOP_THRESHOLD must be >= 2")
	}
	if p.MaxConsecutivePollErrors < 1 {
		return fmt.Errorf("POLICY_MAX_POLL_ERRORS must be >= 1")
	}
	if p.LongConversationThreshold < 1 {
		return fmt.Errorf("POLICY_LONG_CONVERSATION_THRESHOLD must be >= 1")
	}
	return nil
}

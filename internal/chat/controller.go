package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/scheduler"
	"github.com/ashureev/agentchat/internal/store"
	"golang.org/x/time/rate"
)

// Timer names registered on the controller's scheduler.
const (
	pollTimer           = "poll"
	sessionCheckTimer   = "session-check"
	stuckTimer          = "stuck"
	activityTimer       = "activity-decay"
	stopCooldownTimer   = "stop-cooldown"
	errorDismissTimer   = "error-dismiss"
	noticeTimer         = "notice"
	numericConfirmTimer = "numeric-confirm"
)

// Errors returned by user actions.
var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrBusy             = errors.New("agent is still working on the previous message")
	ErrNoPendingConfirm = errors.New("no tool call is waiting for confirmation")
	ErrRestarting       = errors.New("a new chat is already being started")
	ErrClosed           = errors.New("controller closed")
)

// Backend is the subset of the agent API the controller drives.
type Backend interface {
	FetchConversation(ctx context.Context) (domain.Conversation, error)
	FetchSessionState(ctx context.Context) (domain.SessionState, error)
	FetchToolData(ctx context.Context) (*domain.ToolData, error)
	SendPrompt(ctx context.Context, prompt string) error
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	Confirm(ctx context.Context) error
}

// Availability gates mutating actions on workflow engine reachability.
type Availability interface {
	Check(ctx context.Context, force bool) bool
	Available() bool
}

// backgroundChecker is implemented by availability monitors that probe on
// their own timer.
type backgroundChecker interface {
	Start(ctx context.Context, s *scheduler.Scheduler)
}

// Recorder receives every newly observed message, e.g. for a transcript.
type Recorder interface {
	Record(m domain.Message)
}

// Deps are the controller's collaborators.
type Deps struct {
	Backend      Backend
	Availability Availability
	Store        store.Timestamps // optional
	Policy       config.Policy
	Clock        scheduler.Clock // defaults to the real clock
	Logger       *slog.Logger
	Notifier     Notifier // defaults to logging
	Recorder     Recorder // optional
}

// Controller is the conversation session controller. Every state mutation
// happens under mu; network calls are made without holding it.
type Controller struct {
	backend  Backend
	avail    Availability
	policy   config.Policy
	clock    scheduler.Clock
	logger   *slog.Logger
	notifier Notifier
	recorder Recorder
	sessions *sessionManager
	sched    *scheduler.Scheduler
	sup      *Supervisor

	ctx    context.Context
	cancel context.CancelFunc

	// interval is the current poll interval in nanoseconds. It is read by the
	// scheduler without taking mu.
	interval atomic.Int64

	mu       sync.Mutex
	closed   bool
	messages []domain.Message
	ui       domain.UIState
	session  domain.SessionState
	tool     *domain.ToolData

	// gen is bumped by every mutating action; poll results fetched under an
	// older generation are discarded.
	gen          uint64
	polling      bool
	pollInFlight bool
	sending      bool
	restarting   bool

	lastActivity time.Time
	// idleUntilActivity pins the long interval after a stop until the user
	// interacts again.
	idleUntilActivity bool
	pollErrors        int
	loop              *LoopDetector
	notFoundNotices   *rate.Limiter

	// optimistic is the locally appended user turn shown until the backend
	// returns more than optimisticBase messages.
	optimistic     *domain.Message
	optimisticBase int

	seen   map[string]struct{}
	subs   map[int]chan domain.View
	nextID int
}

// New creates a controller. Call Start to bootstrap the session and begin polling.
func New(d Deps) (*Controller, error) {
	if d.Backend == nil {
		return nil, errors.New("chat: backend is required")
	}
	if d.Availability == nil {
		return nil, errors.New("chat: availability is required")
	}
	if err := d.Policy.Validate(); err != nil {
		return nil, err
	}
	if d.Clock == nil {
		d.Clock = scheduler.RealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = NewLogNotifier(d.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		backend:  d.Backend,
		avail:    d.Availability,
		policy:   d.Policy,
		clock:    d.Clock,
		logger:   d.Logger,
		notifier: d.Notifier,
		recorder: d.Recorder,
		ctx:      ctx,
		cancel:   cancel,
		ui:       domain.UIState{Done: true},
		loop:     NewLoopDetector(d.Policy.LoopThreshold),
		notFoundNotices: rate.NewLimiter(
			rate.Every(d.Policy.NotFoundNoticeInterval), 1),
		seen: make(map[string]struct{}),
		subs: make(map[int]chan domain.View),
	}

	c.sessions = &sessionManager{
		backend: d.Backend,
		avail:   d.Availability,
		store:   d.Store,
		clock:   d.Clock,
		policy:  d.Policy,
		logger:  d.Logger,
	}
	c.sup = NewSupervisor(d.Logger, d.Policy.RecoveryDelay, c.recoverFromPanic)
	c.sched = scheduler.New(d.Clock,
		scheduler.WithWrapper(c.sup.Wrap),
		scheduler.WithLogger(d.Logger),
	)
	c.sup.attach(c.sched)

	c.lastActivity = d.Clock.Now()
	c.interval.Store(int64(d.Policy.ActivePollInterval))
	return c, nil
}

// Start bootstraps the backend session, then starts the poller, the
// session-state check and the background availability probe.
func (c *Controller) Start() {
	if bg, ok := c.avail.(backgroundChecker); ok {
		bg.Start(c.ctx, c.sched)
	}

	c.bootstrapSession()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.armActivityDecayLocked()
	c.startPollerLocked()
	c.sched.Every(sessionCheckTimer, func() time.Duration { return c.policy.SessionCheckInterval }, c.checkSession)
	c.changedLocked()
}

// Close cancels every timer and in-flight request. Timers that fire after
// Close do nothing.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	c.sched.Close()
	c.cancel()
	c.logger.Info("session controller closed")
}

// Scheduler exposes the controller's timers.
func (c *Controller) Scheduler() *scheduler.Scheduler { return c.sched }

// View returns a snapshot of the render state.
func (c *Controller) View() domain.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() domain.View {
	msgs := make([]domain.Message, len(c.messages), len(c.messages)+1)
	copy(msgs, c.messages)
	if c.optimistic != nil {
		msgs = append(msgs, *c.optimistic)
	}

	ui := c.ui
	ui.Available = c.avail.Available()

	var tool *domain.ToolData
	if c.tool != nil {
		t := *c.tool
		tool = &t
	}

	return domain.View{
		Messages:      msgs,
		UI:            ui,
		InputDisabled: ui.InputDisabled(),
		Session:       c.session,
		Tool:          tool,
		PollInterval:  time.Duration(c.interval.Load()).Milliseconds(),
	}
}

// Subscribe returns a channel that receives the view after every change.
// Slow subscribers only see the latest view. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan domain.View, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan domain.View, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.viewLocked()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

// changedLocked re-arms the stuck watchdog and publishes the new view.
func (c *Controller) changedLocked() {
	if c.closed {
		return
	}
	if c.ui.Loading {
		c.sched.After(stuckTimer, c.policy.StuckTimeout, c.onStuck)
	} else {
		c.sched.Cancel(stuckTimer)
	}
	c.publishLocked()
}

func (c *Controller) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	v := c.viewLocked()
	for _, ch := range c.subs {
		select {
		case ch <- v:
		default:
			// Drop the stale view so the subscriber catches up on the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// recoverFromPanic is the supervisor's delayed reset.
func (c *Controller) recoverFromPanic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pollInFlight = false
	c.ui.Loading = false
	c.ui.Done = true
	c.logger.Warn("transient state reset after panic")
	c.changedLocked()
}

// showErrorLocked raises the error banner. Not-found errors persist until
// resolved; everything else auto-dismisses.
func (c *Controller) showErrorLocked(kind, message string) {
	c.ui.Error = domain.ErrorBanner{Visible: true, Message: message, Kind: kind}
	if kind == errorKindNotFound {
		c.sched.Cancel(errorDismissTimer)
		return
	}
	c.sched.After(errorDismissTimer, c.policy.ErrorDismiss, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || !c.ui.Error.Visible {
			return
		}
		c.ui.Error = domain.ErrorBanner{}
		c.changedLocked()
	})
}

func (c *Controller) clearErrorLocked() {
	c.ui.Error = domain.ErrorBanner{}
	c.sched.Cancel(errorDismissTimer)
}

// noticeLocked forwards a notice to the notifier and shows it briefly.
func (c *Controller) noticeLocked(level Level, message string) {
	c.notifier.Notify(Notice{Level: level, Message: message})
	c.ui.Notice = message
	c.sched.After(noticeTimer, c.policy.ErrorDismiss, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.ui.Notice == "" {
			return
		}
		c.ui.Notice = ""
		c.publishLocked()
	})
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentchat/internal/backend"
	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/metrics"
	"github.com/ashureev/agentchat/internal/scheduler"
	"github.com/ashureev/agentchat/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu         sync.Mutex
	conv       domain.Conversation
	convErr    error
	state      domain.SessionState
	stateErr   error
	tool       *domain.ToolData
	sendErr    error
	confirmErr error
	startErr   error
	calls      map[string]int
	prompts    []string
	onFetch    func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}}
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) setMessages(t *testing.T, msgs ...string) {
	t.Helper()
	raws := make([]domain.RawMessage, 0, len(msgs))
	for _, s := range msgs {
		raws = append(raws, raw(t, s))
	}
	f.mu.Lock()
	f.conv = domain.Conversation{Messages: raws}
	f.convErr = nil
	f.mu.Unlock()
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeBackend) FetchConversation(context.Context) (domain.Conversation, error) {
	f.mu.Lock()
	f.calls["fetch"]++
	hook, conv, err := f.onFetch, f.conv, f.convErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return conv, err
}

func (f *fakeBackend) FetchSessionState(context.Context) (domain.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["state"]++
	return f.state, f.stateErr
}

func (f *fakeBackend) FetchToolData(context.Context) (*domain.ToolData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["tool"]++
	return f.tool, nil
}

func (f *fakeBackend) SendPrompt(_ context.Context, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["send"]++
	f.prompts = append(f.prompts, prompt)
	return f.sendErr
}

func (f *fakeBackend) StartSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["start"]++
	return f.startErr
}

func (f *fakeBackend) EndSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["end"]++
	return errors.New("no session to end")
}

func (f *fakeBackend) Confirm(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["confirm"]++
	return f.confirmErr
}

type stubAvailability struct {
	mu     sync.Mutex
	ok     bool
	checks int
}

func (a *stubAvailability) Check(context.Context, bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks++
	return a.ok
}

func (a *stubAvailability) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ok
}

func (a *stubAvailability) set(ok bool) {
	a.mu.Lock()
	a.ok = ok
	a.mu.Unlock()
}

type memStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (s *memStore) GetTimestamp(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[key]
	return t, ok, nil
}

func (s *memStore) SetTimestamp(_ context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = t
	return nil
}

type recorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recorder) Record(m domain.Message) {
	r.mu.Lock()
	r.keys = append(r.keys, m.Key)
	r.mu.Unlock()
}

type harness struct {
	ctl   *Controller
	be    *fakeBackend
	av    *stubAvailability
	st    *memStore
	rec   *recorder
	clock *scheduler.ManualClock

	mu      sync.Mutex
	notices []Notice
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	policy := config.DefaultPolicy()
	policy.TeardownGrace = 0

	h := &harness{
		be:    newFakeBackend(),
		av:    &stubAvailability{ok: true},
		st:    &memStore{m: map[string]time.Time{}},
		rec:   &recorder{},
		clock: scheduler.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	ctl, err := New(Deps{
		Backend:      h.be,
		Availability: h.av,
		Store:        h.st,
		Policy:       policy,
		Clock:        h.clock,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Notifier: NotifierFunc(func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		}),
		Recorder: h.rec,
	})
	require.NoError(t, err)
	t.Cleanup(ctl.Close)
	h.ctl = ctl
	return h
}

func (h *harness) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func (h *harness) ui() domain.UIState { return h.ctl.View().UI }

const (
	questionMsg = `{"actor":"agent","response":{"next":"question","response":"Which city?"}}`
	doneMsg     = `{"actor":"agent","response":{"next":"done","response":"Here you go."}}`
	loopMsg     = `{"actor":"agent","response":"{\"next\":\"question\"}"}`
	melodyMsg   = `{"actor":"user","response":"Create a melody"}`
	confirmMsg  = `{"actor":"agent","response":{"next":"confirm_tool_use","tool":"MidiCreationTool","args":{"key":"C"}}}`
)

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{Availability: &stubAvailability{}, Policy: config.DefaultPolicy()})
	assert.Error(t, err)

	bad := config.DefaultPolicy()
	bad.LoopThreshold = 1
	_, err = New(Deps{Backend: newFakeBackend(), Availability: &stubAvailability{}, Policy: bad})
	assert.Error(t, err)
}

func TestStartCreatesSessionAndShowsQuestion(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()

	assert.Equal(t, 1, h.be.count("start"))
	_, recorded, _ := h.st.GetTimestamp(context.Background(), store.KeySessionStart)
	assert.True(t, recorded)

	v := h.ctl.View()
	assert.True(t, v.UI.SessionStarted)
	assert.True(t, v.Session.Exists)
	assert.False(t, v.InputDisabled)

	h.be.setMessages(t, questionMsg)
	h.clock.Advance(2 * time.Second)

	v = h.ctl.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "Which city?", v.Messages[0].Content)
	assert.False(t, v.UI.Loading)
	assert.False(t, v.UI.Done)
	assert.True(t, v.InputDisabled)
}

func TestStartAdoptsExistingSession(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(f *fakeBackend) {
		f.state = domain.SessionState{Exists: true, MessageCount: 7}
	})
	h.ctl.Start()

	assert.Equal(t, 0, h.be.count("start"))
	assert.Equal(t, 7, h.ctl.View().Session.MessageCount)
}

func TestStartHonoursRecentStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.SetTimestamp(context.Background(), store.KeySessionStart, h.clock.Now().Add(-3*time.Second)))
	h.ctl.Start()

	assert.Equal(t, 0, h.be.count("start"))
	v := h.ctl.View()
	assert.True(t, v.Session.Exists)
	assert.Equal(t, domain.UnknownMessageCount, v.Session.MessageCount)
}

func TestStartWhileUnavailableLeavesInputEnabled(t *testing.T) {
	h := newHarness(t)
	h.av.set(false)
	h.be.set(func(f *fakeBackend) { f.startErr = errors.New("should not be called") })
	h.ctl.Start()

	assert.Equal(t, 0, h.be.count("state"))
	assert.Equal(t, 0, h.be.count("start"))

	v := h.ctl.View()
	assert.True(t, v.UI.SessionStarted)
	assert.False(t, v.UI.Available)
	assert.False(t, v.InputDisabled)
	assert.False(t, v.UI.Error.Visible)
	assert.Equal(t, 1, h.noticeCount())
}

func TestStartFailureLeavesInputEnabled(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(f *fakeBackend) {
		f.startErr = &backend.Error{Op: "start session", Kind: backend.KindTimeout, Code: backend.CodeTimeout}
	})
	h.ctl.Start()

	v := h.ctl.View()
	assert.False(t, v.InputDisabled)
	assert.True(t, v.UI.Error.Visible)
	assert.Equal(t, "timeout", v.UI.Error.Kind)
}

func TestConfirmFlow(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()

	require.NoError(t, h.ctl.SendMessage(context.Background(), "  Create a melody "))
	assert.Equal(t, []string{"Create a melody"}, h.be.prompts)

	v := h.ctl.View()
	assert.True(t, v.UI.Loading)
	assert.False(t, v.UI.Done)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, domain.ActorUser, v.Messages[0].Actor)

	h.be.setMessages(t, melodyMsg, confirmMsg)
	h.be.set(func(f *fakeBackend) {
		f.tool = &domain.ToolData{Next: domain.NextConfirmToolUse, Tool: "MidiCreationTool"}
	})
	h.clock.Advance(2 * time.Second)

	v = h.ctl.View()
	assert.True(t, v.UI.ConfirmVisible)
	assert.Equal(t, "MidiCreationTool", v.UI.PendingTool)
	assert.True(t, v.UI.Loading)
	assert.False(t, v.UI.Done)
	require.NotNil(t, v.Tool)
	assert.Equal(t, "MidiCreationTool", v.Tool.Tool)
	assert.Len(t, v.Messages, 2)

	require.NoError(t, h.ctl.Confirm(context.Background()))
	assert.Equal(t, 1, h.be.count("confirm"))
	v = h.ctl.View()
	assert.False(t, v.UI.ConfirmVisible)
	assert.Nil(t, v.Tool)
	assert.True(t, v.UI.Loading)

	assert.ErrorIs(t, h.ctl.Confirm(context.Background()), ErrNoPendingConfirm)
}

func TestSendRejectedWhenUnavailable(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	h.av.set(false)

	err := h.ctl.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, backend.IsKind(err, backend.KindUnavailable))
	assert.Equal(t, 0, h.be.count("send"))

	v := h.ctl.View()
	assert.True(t, v.UI.Error.Visible)
	assert.Equal(t, "unavailable", v.UI.Error.Kind)
	assert.False(t, v.InputDisabled)
	assert.Empty(t, v.Messages)

	h.clock.Advance(3 * time.Second)
	assert.False(t, h.ui().Error.Visible, "banner auto-dismisses")
}

func TestLoopStopsPollingAndResumesSlowly(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, loopMsg)
	h.ctl.Start()
	before := testutil.ToFloat64(metrics.AutoStops)

	for i := 0; i < 4; i++ {
		h.clock.Advance(2 * time.Second)
		assert.False(t, h.ui().AgentStopped)
	}
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 5, h.be.count("fetch"))
	assert.True(t, h.ui().AgentStopped)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AutoStops))

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 5, h.be.count("fetch"), "no polling while stopped")

	h.clock.Advance(3 * time.Second)
	v := h.ctl.View()
	assert.False(t, v.UI.AgentStopped)
	assert.Equal(t, int64(10_000), v.PollInterval)

	h.clock.Advance(9 * time.Second)
	assert.Equal(t, 5, h.be.count("fetch"))
	h.clock.Advance(time.Second)
	assert.Equal(t, 6, h.be.count("fetch"))
	assert.False(t, h.ui().AgentStopped, "loop stop is one-shot")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AutoStops))

	h.ctl.Activity()
	assert.Equal(t, int64(2_000), h.ctl.View().PollInterval)
}

func TestInputDisabledUntilDone(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	require.NoError(t, h.ctl.SendMessage(context.Background(), "Create a melody"))
	assert.True(t, h.ctl.View().InputDisabled)

	// The backend has not recorded the prompt yet; the local copy stays.
	h.clock.Advance(2 * time.Second)
	v := h.ctl.View()
	assert.True(t, v.InputDisabled)
	require.Len(t, v.Messages, 1)

	h.be.setMessages(t, melodyMsg)
	h.clock.Advance(2 * time.Second)
	v = h.ctl.View()
	assert.True(t, v.InputDisabled)
	require.Len(t, v.Messages, 1)
	assert.True(t, v.UI.Loading)

	h.be.setMessages(t, melodyMsg, doneMsg)
	h.clock.Advance(2 * time.Second)
	v = h.ctl.View()
	assert.False(t, v.InputDisabled)
	assert.True(t, v.UI.Done)
	assert.Len(t, v.Messages, 2)
}

func TestSendRejectedWhileLoading(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()

	assert.ErrorIs(t, h.ctl.SendMessage(context.Background(), "   "), ErrEmptyMessage)
	require.NoError(t, h.ctl.SendMessage(context.Background(), "first"))
	assert.ErrorIs(t, h.ctl.SendMessage(context.Background(), "second"), ErrBusy)
	assert.Equal(t, 1, h.be.count("send"))
}

func TestSendFailureReenablesInput(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	h.be.set(func(f *fakeBackend) {
		f.sendErr = &backend.Error{Op: "send prompt", Kind: backend.KindTimeout, Code: backend.CodeTimeout}
	})

	err := h.ctl.SendMessage(context.Background(), "hello")
	require.Error(t, err)

	v := h.ctl.View()
	assert.False(t, v.InputDisabled)
	assert.Empty(t, v.Messages)
	assert.Equal(t, "timeout", v.UI.Error.Kind)
	assert.Contains(t, v.UI.Error.Message, "timed out")
}

func TestStuckWatchdog(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	require.NoError(t, h.ctl.SendMessage(context.Background(), "Create a melody"))
	h.be.setMessages(t, melodyMsg)

	// The first poll changes the snapshot and re-arms the watchdog at t=27s.
	h.clock.Advance(26 * time.Second)
	assert.True(t, h.ui().Loading)
	assert.False(t, h.ui().Stuck)

	h.clock.Advance(time.Second)
	ui := h.ui()
	assert.False(t, ui.Loading)
	assert.True(t, ui.Done)
	assert.True(t, ui.Stuck)

	h.ctl.Reset()
	assert.False(t, h.ui().Stuck)
}

func TestFinishedConversationIsNotALoop(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, doneMsg)
	h.ctl.Start()
	before := testutil.ToFloat64(metrics.AutoStops)

	for i := 0; i < config.DefaultPolicy().LoopThreshold+3; i++ {
		h.clock.Advance(2 * time.Second)
	}

	ui := h.ui()
	assert.False(t, ui.AgentStopped)
	assert.True(t, ui.Done)
	assert.Empty(t, ui.Notice)
	assert.Equal(t, 0, h.noticeCount())
	assert.Equal(t, before, testutil.ToFloat64(metrics.AutoStops))
}

func TestAwaitedReplyIsNotALoop(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	require.NoError(t, h.ctl.SendMessage(context.Background(), "Create a melody"))
	h.be.setMessages(t, melodyMsg)

	h.clock.Advance(12 * time.Second)

	v := h.ctl.View()
	assert.False(t, v.UI.AgentStopped)
	assert.True(t, v.UI.Loading)
	assert.True(t, v.InputDisabled)
	assert.Equal(t, 0, h.noticeCount())
}

func TestPendingConfirmIsNotALoop(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, melodyMsg, confirmMsg)
	h.ctl.Start()

	h.clock.Advance(12 * time.Second)

	ui := h.ui()
	assert.False(t, ui.AgentStopped)
	assert.True(t, ui.ConfirmVisible)
}

func TestTimeoutKeepsShownConversation(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, doneMsg)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)
	require.Len(t, h.ctl.View().Messages, 1)

	h.be.set(func(f *fakeBackend) { f.conv = domain.Conversation{Missing: true} })
	h.clock.Advance(2 * time.Second)
	v := h.ctl.View()
	assert.Len(t, v.Messages, 1)
	assert.True(t, v.UI.Done)
	assert.Empty(t, v.UI.Notice)
	assert.Equal(t, 0, h.noticeCount())

	// After the conversation is cleared a missing one is reported again.
	h.ctl.End(context.Background())
	h.clock.Advance(2 * time.Second)
	assert.Empty(t, h.ctl.View().Messages)
	assert.Equal(t, 1, h.noticeCount())
}

func TestNotFoundIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(f *fakeBackend) { f.conv = domain.Conversation{Missing: true} })
	h.ctl.Start()

	h.clock.Advance(2 * time.Second)
	v := h.ctl.View()
	assert.False(t, v.UI.Error.Visible)
	assert.Empty(t, v.Messages)
	assert.Equal(t, notFoundNotice, v.UI.Notice)
	assert.Equal(t, 1, h.noticeCount())

	h.clock.Advance(8 * time.Second)
	assert.Equal(t, 1, h.noticeCount(), "notice is rate limited")
	assert.Empty(t, h.ui().Notice)

	h.clock.Advance(4 * time.Second)
	assert.Equal(t, 2, h.noticeCount())
}

func TestPollErrorsReenableInput(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	require.NoError(t, h.ctl.SendMessage(context.Background(), "hello"))
	h.be.set(func(f *fakeBackend) {
		f.convErr = &backend.Error{Op: "fetch conversation", Kind: backend.KindTransport}
	})

	h.clock.Advance(6 * time.Second)
	assert.True(t, h.ui().Loading, "three errors are tolerated")
	assert.False(t, h.ui().Error.Visible)

	h.clock.Advance(2 * time.Second)
	v := h.ctl.View()
	assert.False(t, v.InputDisabled)
	assert.True(t, v.UI.Error.Visible)
	assert.Equal(t, "transport", v.UI.Error.Kind)

	h.be.setMessages(t, doneMsg)
	h.clock.Advance(2 * time.Second)
	h.ctl.mu.Lock()
	assert.Equal(t, 0, h.ctl.pollErrors)
	h.ctl.mu.Unlock()
}

func TestStopAgentCooldown(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	h.ctl.StopAgent()

	v := h.ctl.View()
	assert.True(t, v.UI.AgentStopped)
	assert.False(t, v.InputDisabled)
	assert.False(t, h.ctl.Scheduler().Pending(pollTimer))

	h.clock.Advance(5 * time.Second)
	assert.False(t, h.ui().AgentStopped)
	assert.True(t, h.ctl.Scheduler().Pending(pollTimer))
	assert.Equal(t, int64(10_000), h.ctl.View().PollInterval)
}

func TestActivityDecaysToIdleInterval(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	assert.Equal(t, int64(2_000), h.ctl.View().PollInterval)

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, int64(10_000), h.ctl.View().PollInterval)

	h.ctl.Activity()
	assert.Equal(t, int64(2_000), h.ctl.View().PollInterval)
}

func TestNumericReplyConfirmsAutomatically(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, `{"actor":"agent","response":{"next":"question","response":"What tempo in BPM would you like?"}}`)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)

	require.NoError(t, h.ctl.SendMessage(context.Background(), "120"))
	assert.Equal(t, 0, h.be.count("confirm"))
	assert.True(t, h.ctl.Scheduler().Pending(numericConfirmTimer))

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.be.count("confirm"))
	assert.Equal(t, []string{"120"}, h.be.prompts)
}

func TestNonNumericReplyDoesNotConfirm(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, `{"actor":"agent","response":{"next":"question","response":"What tempo in BPM would you like?"}}`)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)

	require.NoError(t, h.ctl.SendMessage(context.Background(), "fast please"))
	assert.False(t, h.ctl.Scheduler().Pending(numericConfirmTimer))
}

func TestStalePollResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	h.be.setMessages(t, doneMsg)
	h.be.set(func(f *fakeBackend) {
		f.onFetch = func() { h.ctl.StopAgent() }
	})
	before := testutil.ToFloat64(metrics.Polls.WithLabelValues("stale"))

	h.clock.Advance(2 * time.Second)

	assert.Empty(t, h.ctl.View().Messages)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Polls.WithLabelValues("stale")))
}

func TestStartNewChat(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, melodyMsg, doneMsg)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)
	require.Len(t, h.ctl.View().Messages, 2)

	h.be.set(func(f *fakeBackend) { f.conv = domain.Conversation{} })
	require.NoError(t, h.ctl.StartNewChat(context.Background()))

	assert.Equal(t, 1, h.be.count("end"))
	assert.Equal(t, 2, h.be.count("start"))
	v := h.ctl.View()
	assert.Empty(t, v.Messages)
	assert.True(t, v.Session.Exists)
	assert.False(t, v.InputDisabled)
	assert.True(t, h.ctl.Scheduler().Pending(pollTimer))
}

func TestStartNewChatUnavailable(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	h.av.set(false)

	err := h.ctl.StartNewChat(context.Background())
	assert.True(t, backend.IsKind(err, backend.KindUnavailable))
	assert.Equal(t, 0, h.be.count("end"))
	assert.True(t, h.ctl.Scheduler().Pending(pollTimer), "polling keeps running")
	assert.True(t, h.ui().Error.Visible)
}

func TestAgentErrorShowsBanner(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, `{"actor":"agent","response":{"next":"error","response":"Tool failed"}}`)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)

	ui := h.ui()
	assert.True(t, ui.Error.Visible)
	assert.Equal(t, "Tool failed", ui.Error.Message)
	assert.True(t, ui.Done)
	assert.False(t, ui.Loading)
}

func TestLongConversationFlag(t *testing.T) {
	h := newHarness(t)
	msgs := make([]string, 0, 21)
	for i := 0; i < 20; i++ {
		msgs = append(msgs, melodyMsg)
	}
	msgs = append(msgs, doneMsg)
	h.be.setMessages(t, msgs...)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)

	assert.True(t, h.ui().LongConversation)
	assert.False(t, h.ui().AgentStopped, "long conversations keep polling")
}

func TestSessionCheckDetectsContinuation(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(f *fakeBackend) { f.state = domain.SessionState{Exists: true, MessageCount: 240} })
	h.ctl.Start()
	notices := h.noticeCount()

	h.be.set(func(f *fakeBackend) {
		f.state = domain.SessionState{Exists: true, MessageCount: 1, ContinuedFromPrevious: true}
	})
	h.clock.Advance(15 * time.Second)

	s := h.ctl.View().Session
	assert.True(t, s.ContinuedFromPrevious)
	assert.Equal(t, 1, s.MessageCount)
	assert.Equal(t, notices+1, h.noticeCount())
}

func TestRecorderSeesEachMessageOnce(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, melodyMsg)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)
	h.be.setMessages(t, melodyMsg, doneMsg)
	h.clock.Advance(4 * time.Second)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Len(t, h.rec.keys, 2)
}

func TestSupervisorRecoversPollPanic(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	require.NoError(t, h.ctl.SendMessage(context.Background(), "hello"))
	h.be.set(func(f *fakeBackend) {
		f.onFetch = func() { panic("boom") }
	})

	h.clock.Advance(2 * time.Second)
	assert.True(t, h.ui().Loading)
	assert.True(t, h.ctl.Scheduler().Pending(recoverTimer))

	h.be.set(func(f *fakeBackend) { f.onFetch = nil })
	h.clock.Advance(time.Second)
	ui := h.ui()
	assert.False(t, ui.Loading)
	assert.True(t, ui.Done)
	assert.True(t, h.ctl.Scheduler().Pending(pollTimer), "poller survives the panic")
}

func TestSubscribeReceivesLatestView(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()

	ch, cancel := h.ctl.Subscribe()
	first := <-ch
	assert.False(t, first.UI.Loading)

	require.NoError(t, h.ctl.SendMessage(context.Background(), "hello"))
	latest := <-ch
	assert.True(t, latest.UI.Loading)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestCloseCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	h.ctl.Close()

	assert.Empty(t, h.ctl.Scheduler().Names())
	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.be.count("fetch"))
	assert.ErrorIs(t, h.ctl.SendMessage(context.Background(), "late"), ErrClosed)
}

func TestEndClearsConversation(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, doneMsg)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)

	h.ctl.End(context.Background())
	assert.Equal(t, 1, h.be.count("end"))
	v := h.ctl.View()
	assert.Empty(t, v.Messages)
	assert.False(t, v.Session.Exists)
}

func TestViewIsJSONSerializable(t *testing.T) {
	h := newHarness(t)
	h.be.setMessages(t, confirmMsg)
	h.ctl.Start()
	h.clock.Advance(2 * time.Second)

	b, err := json.Marshal(h.ctl.View())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"confirm_visible":true`)
	assert.Contains(t, string(b), `"poll_interval_ms":2000`)
}

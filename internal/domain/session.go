package domain

// SessionState reflects whether a backend session is currently live.
type SessionState struct {
	Exists                 bool `json:"exists"`
	MessageCount           int  `json:"message_count"`
	ContinuedFromPrevious  bool `json:"continued_from_previous"`
	WaitingForConfirm      bool `json:"waiting_for_confirm,omitempty"`
	MaxTurnsBeforeContinue int  `json:"max_turns_before_continue,omitempty"`
}

// UnknownMessageCount is reported when the session is assumed to exist but
// its state could not be queried.
const UnknownMessageCount = -1

// ErrorBanner is the user-visible error state.
type ErrorBanner struct {
	Visible bool   `json:"visible"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// UIState is derived from the conversation and session; it is never authoritative.
type UIState struct {
	Loading          bool        `json:"loading"`
	Done             bool        `json:"done"`
	Error            ErrorBanner `json:"error"`
	Stuck            bool        `json:"stuck"`
	AgentStopped     bool        `json:"agent_stopped"`
	ConfirmVisible   bool        `json:"confirm_visible"`
	PendingTool      string      `json:"pending_tool,omitempty"`
	LongConversation bool        `json:"long_conversation"`
	Available        bool        `json:"available"`
	SessionStarted   bool        `json:"session_started"`
	Notice           string      `json:"notice,omitempty"`
}

// InputDisabled reports whether the text input must be disabled.
func (u UIState) InputDisabled() bool {
	return u.Loading || !u.Done
}

// View is the complete render state handed to the UI.
type View struct {
	Messages      []Message    `json:"messages"`
	UI            UIState      `json:"ui"`
	InputDisabled bool         `json:"input_disabled"`
	Session       SessionState `json:"session"`
	Tool          *ToolData    `json:"tool,omitempty"`
	PollInterval  int64        `json:"poll_interval_ms"`
}

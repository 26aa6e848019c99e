// Package domain contains core domain types for the agent chat client.
package domain

import (
	"encoding/json"
)

// Actor identifies who authored a conversation turn.
type Actor string

const (
	ActorUser    Actor = "user"
	ActorAgent   Actor = "agent"
	ActorSystem  Actor = "system"
	ActorSummary Actor = "conversation_summary"
	// ActorConfirmedToolRun marks the backend's echo of an approved tool call.
	ActorConfirmedToolRun Actor = "user_confirmed_tool_run"
)

// NextStep is the agent's declared follow-up inside a parsed response.
type NextStep string

const (
	NextDone           NextStep = "done"
	NextQuestion       NextStep = "question"
	NextConfirm        NextStep = "confirm"
	NextConfirmToolUse NextStep = "confirm_tool_use"
	NextError          NextStep = "error"
)

// IsConfirm reports whether the step asks the user to approve a tool call.
func (n NextStep) IsConfirm() bool {
	return n == NextConfirm || n == NextConfirmToolUse
}

// RawMessage is a conversation record exactly as the backend returned it.
// Field names and value shapes vary between backend versions.
type RawMessage map[string]json.RawMessage

// Message is one normalized turn in the conversation.
type Message struct {
	ID       string          `json:"id,omitempty"`
	Key      string          `json:"key"`
	Actor    Actor           `json:"actor"`
	Content  string          `json:"content"`
	Response json.RawMessage `json:"response,omitempty"`
}

// IsUserSide reports whether the turn was produced on the user's behalf.
func (m Message) IsUserSide() bool {
	return m.Actor == ActorUser || m.Actor == ActorConfirmedToolRun
}

// Conversation is the decoded result of a conversation fetch.
type Conversation struct {
	Messages []RawMessage
	// Missing is set when the backend had no conversation to return (404 or timeout).
	Missing bool
}

// ToolData is the pending tool call the agent wants confirmed.
type ToolData struct {
	Next     NextStep       `json:"next,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Response string         `json:"response,omitempty"`
}

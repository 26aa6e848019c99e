// Package backend is the HTTP client for the agent API.
package backend

import (
	"errors"
	"fmt"
)

// Kind classifies backend failures.
type Kind string

const (
	// KindTimeout means the request exceeded its bounded timeout.
	KindTimeout Kind = "timeout"
	// KindNotFound means the session or conversation does not exist.
	KindNotFound Kind = "not_found"
	// KindUnavailable is the synthetic pre-flight rejection when the
	// workflow engine is unreachable. No request was sent.
	KindUnavailable Kind = "unavailable"
	// KindBackend means the backend answered with an error status or payload.
	KindBackend Kind = "backend"
	// KindTransport covers connection failures and undecodable bodies.
	KindTransport Kind = "transport"
)

// Fixed numeric codes carried by synthetic errors.
const (
	CodeTimeout     = 408
	CodeUnavailable = 503
)

// Error is returned by every Client operation.
type Error struct {
	Op     string
	Kind   Kind
	Status int    // HTTP status, 0 when no response was received
	Code   int    // fixed code for timeout/unavailable, otherwise Status
	Detail string // backend-provided detail, if any
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is a short human-readable summary for the error banner.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTimeout:
		return "Request timed out. The agent may still be working."
	case KindUnavailable:
		return "Service unavailable. The workflow engine is not reachable."
	case KindNotFound:
		return "No active conversation yet."
	case KindBackend:
		if e.Detail != "" {
			return e.Detail
		}
		return fmt.Sprintf("The agent service returned an error (%d).", e.Status)
	default:
		return "Could not reach the agent service."
	}
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsKind reports whether err is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Unavailable builds the synthetic "service unavailable" rejection for op.
func Unavailable(op string) *Error {
	return &Error{Op: op, Kind: KindUnavailable, Code: CodeUnavailable}
}

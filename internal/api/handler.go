// Package api provides HTTP handlers for the chat controller.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentchat/internal/domain"
)

// Session is the controller surface driven by browser intents.
type Session interface {
	View() domain.View
	SendMessage(ctx context.Context, text string) error
	Confirm(ctx context.Context) error
	StopAgent()
	StartNewChat(ctx context.Context) error
	Reset()
	Activity()
	End(ctx context.Context)
}

// Handler provides the /api routes.
type Handler struct {
	session Session
	logger  *slog.Logger
}

// NewHandler creates a new Handler for session.
func NewHandler(session Session, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{session: session, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

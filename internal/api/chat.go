package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/agentchat/internal/backend"
	"github.com/ashureev/agentchat/internal/chat"
	"github.com/go-chi/chi/v5"
)

const maxPromptBytes = 64 << 10

type sendRequest struct {
	Text string `json:"text"`
}

// RegisterRoutes registers the chat intent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.State)
		r.Post("/send", h.Send)
		r.Post("/confirm", h.Confirm)
		r.Post("/stop", h.Stop)
		r.Post("/new-chat", h.NewChat)
		r.Post("/reset", h.Reset)
		r.Post("/activity", h.Activity)
		r.Post("/end", h.End)
	})
}

// State returns the current view.
func (h *Handler) State(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.session.View())
}

// Send submits a user message.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPromptBytes)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, chat.ErrEmptyMessage.Error())
		return
	}

	if err := h.session.SendMessage(r.Context(), req.Text); err != nil {
		h.fail(w, "send", err)
		return
	}
	JSON(w, http.StatusAccepted, h.session.View())
}

// Confirm approves the pending tool call.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Confirm(r.Context()); err != nil {
		h.fail(w, "confirm", err)
		return
	}
	JSON(w, http.StatusAccepted, h.session.View())
}

// Stop halts polling for the cooldown.
func (h *Handler) Stop(w http.ResponseWriter, _ *http.Request) {
	h.session.StopAgent()
	JSON(w, http.StatusOK, h.session.View())
}

// NewChat ends the current session and starts another.
func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	if err := h.session.StartNewChat(r.Context()); err != nil {
		h.fail(w, "new_chat", err)
		return
	}
	JSON(w, http.StatusOK, h.session.View())
}

// Reset clears a stuck UI.
func (h *Handler) Reset(w http.ResponseWriter, _ *http.Request) {
	h.session.Reset()
	JSON(w, http.StatusOK, h.session.View())
}

// Activity marks user activity so polling stays fast.
func (h *Handler) Activity(w http.ResponseWriter, _ *http.Request) {
	h.session.Activity()
	w.WriteHeader(http.StatusNoContent)
}

// End ends the backend session.
func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	h.session.End(r.Context())
	JSON(w, http.StatusOK, h.session.View())
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("chat action failed", "action", action, "status", status, "error", err)
	}

	msg := err.Error()
	var be *backend.Error
	if errors.As(err, &be) {
		msg = be.UserMessage()
	}
	Error(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrBusy),
		errors.Is(err, chat.ErrRestarting),
		errors.Is(err, chat.ErrNoPendingConfirm):
		return http.StatusConflict
	case errors.Is(err, chat.ErrClosed):
		return http.StatusServiceUnavailable
	}

	switch backend.KindOf(err) {
	case backend.KindUnavailable:
		return http.StatusServiceUnavailable
	case backend.KindTimeout:
		return http.StatusGatewayTimeout
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AvailabilityReporter reports the cached workflow engine status.
type AvailabilityReporter interface {
	Available() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo         Pinger
	availability AvailabilityReporter
}

// NewHealthHandler creates a health handler. availability may be nil.
func NewHealthHandler(repo Pinger, availability AvailabilityReporter) *HealthHandler {
	return &HealthHandler{repo: repo, availability: availability}
}

// Health returns the health status of the server and its dependencies.
// An unreachable workflow engine degrades the report but is not fatal:
// the chat stays usable in read-only mode.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "unhealthy"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.availability != nil {
		if h.availability.Available() {
			checks["workflow_engine"] = "ok"
		} else {
			checks["workflow_engine"] = "unavailable"
			if statusCode == http.StatusOK {
				status["status"] = "degraded"
			}
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

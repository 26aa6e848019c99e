package api

import (
	"net/http"

	"github.com/ashureev/agentchat/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig collects everything mounted on the server's router.
type RouterConfig struct {
	Chat           *Handler
	Health         *HealthHandler
	Stream         http.Handler // GET /ws/state
	Frontend       http.Handler // SPA catch-all, optional
	AllowedOrigins []string
	RequestLogging bool
}

// NewRouter builds the chi router with global middleware and all routes.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.RequestLogging {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	if cfg.Health != nil {
		cfg.Health.RegisterHealth(r)
	}
	r.Handle("/metrics", promhttp.Handler())

	if cfg.Chat != nil {
		cfg.Chat.RegisterRoutes(r)
	}
	if cfg.Stream != nil {
		r.Get("/ws/state", cfg.Stream.ServeHTTP)
	}
	if cfg.Frontend != nil {
		r.Handle("/*", cfg.Frontend)
	}

	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ashureev/agentchat/internal/api"
	"github.com/ashureev/agentchat/internal/availability"
	"github.com/ashureev/agentchat/internal/backend"
	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/store"
	"github.com/ashureev/agentchat/internal/stream"
	"github.com/ashureev/agentchat/internal/transcript"
	"github.com/ashureev/agentchat/web"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat controller and browser UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port; defaults to PORT")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := slog.Default()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.BackendURL, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	policy := cfg.Policy
	client := backend.NewClient(cfg.BackendURL,
		backend.WithTimeouts(policy.FetchTimeout, policy.RequestTimeout),
		backend.WithLogger(logger),
	)

	probe, closeProbe := buildProbe(cfg, client, logger)
	defer closeProbe()

	// The controller is created after the monitor it depends on.
	var controller atomic.Pointer[chat.Controller]
	settings := availability.Settings{
		CacheTTL:   policy.AvailabilityCacheTTL,
		Interval:   policy.AvailabilityInterval,
		MaxBackoff: policy.AvailabilityMaxBackoff,
	}
	monitor := availability.NewMonitor(probe, settings,
		availability.WithStore(repo),
		availability.WithLogger(logger),
		availability.WithOnChange(func(available bool) {
			if c := controller.Load(); c != nil {
				c.AvailabilityChanged(available)
			}
		}),
	)
	monitor.Restore(ctx)

	deps := chat.Deps{
		Backend:      client,
		Availability: monitor,
		Store:        repo,
		Policy:       policy,
		Logger:       logger,
		Notifier:     chat.NewLogNotifier(logger),
	}
	if cfg.Transcript.Enabled {
		tw, err := transcript.New(transcript.Config{
			Enabled:   true,
			Dir:       cfg.Transcript.Dir,
			QueueSize: cfg.Transcript.QueueSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize transcript: %w", err)
		}
		defer func() {
			if closeErr := tw.Close(); closeErr != nil {
				slog.Error("Failed to close transcript", "error", closeErr)
			}
		}()
		deps.Recorder = tw
	}

	ctl, err := chat.New(deps)
	if err != nil {
		return fmt.Errorf("initialize controller: %w", err)
	}
	controller.Store(ctl)

	hub := stream.NewHub(ctl, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	router := api.NewRouter(api.RouterConfig{
		Chat:           api.NewHandler(ctl, logger),
		Health:         api.NewHealthHandler(repo, monitor),
		Stream:         hub,
		Frontend:       web.SPAHandler(),
		AllowedOrigins: cfg.AllowedOrigins(),
		RequestLogging: cfg.IsDevelopment(),
	})

	// Websocket streams are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Bootstrap talks to the backend with bounded timeouts; serve the UI meanwhile.
	defer startInBackground(ctl)()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

type startCloser interface {
	Start()
	Close()
}

// startInBackground runs ctl.Start without blocking. The returned func closes
// ctl and waits for Start to return.
func startInBackground(ctl startCloser) func() {
	started := make(chan struct{})
	go func() {
		defer close(started)
		ctl.Start()
		slog.Info("Chat controller started")
	}()
	return func() {
		ctl.Close()
		<-started
	}
}

// buildProbe probes the agent API's status endpoint and, when TEMPORAL_ADDR
// is set, the workflow engine's gRPC health service as well.
func buildProbe(cfg *config.Config, client *backend.Client, logger *slog.Logger) (availability.Probe, func()) {
	httpProbe := availability.NewHTTPProbe(client, cfg.Policy.ProbeTimeout)
	if cfg.TemporalAddr == "" {
		return httpProbe, func() {}
	}

	grpcProbe, err := availability.NewGRPCProbe(cfg.TemporalAddr, availability.TemporalHealthService, cfg.Policy.ProbeTimeout, logger)
	if err != nil {
		slog.Warn("gRPC health probe disabled", "address", cfg.TemporalAddr, "error", err)
		return httpProbe, func() {}
	}
	slog.Info("gRPC health probe enabled", "address", cfg.TemporalAddr)
	return availability.MultiProbe{httpProbe, grpcProbe}, grpcProbe.Close
}

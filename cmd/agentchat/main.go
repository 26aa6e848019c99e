// Agent Chat - browser chat client for the music agent backend.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/agentchat/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const appName = "agentchat"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Chat client for the agent backend",
		Long: `agentchat drives a conversation with the agent backend: it keeps a
backend session alive, polls the conversation, and serves a browser UI
with live state over a websocket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			setupLogging(logLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")

	cmd.AddCommand(serveCmd(), statusCmd(), endCmd())
	return cmd
}

func setupLogging(flagLevel string) {
	level := flagLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentchat/internal/backend"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/spf13/cobra"
)

type statusReport struct {
	Backend  string                 `json:"backend"`
	Engine   backend.TemporalStatus `json:"workflow_engine"`
	Session  domain.SessionState    `json:"session"`
	Messages int                    `json:"messages"`
	Errors   []string               `json:"errors,omitempty"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print workflow engine and session status as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := backend.NewClient(cfg.BackendURL,
				backend.WithTimeouts(cfg.Policy.FetchTimeout, cfg.Policy.RequestTimeout),
				backend.WithLogger(slog.Default()),
			)
			ctx := cmd.Context()

			report := statusReport{Backend: client.BaseURL()}
			engine, err := client.FetchTemporalStatus(ctx, cfg.Policy.ProbeTimeout)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			}
			report.Engine = engine

			session, err := client.FetchSessionState(ctx)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			}
			report.Session = session

			conv, err := client.FetchConversation(ctx)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			}
			report.Messages = len(conv.Messages)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "End the current backend session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := backend.NewClient(cfg.BackendURL,
				backend.WithTimeouts(cfg.Policy.FetchTimeout, cfg.Policy.RequestTimeout),
			)
			if err := client.EndSession(cmd.Context()); err != nil {
				return fmt.Errorf("end session: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "session ended")
			return nil
		},
	}
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	BackendURL   string // Base URL of the agent API (FastAPI service)
	TemporalAddr string // Optional gRPC address probed with the standard health service
	DBPath       string
	LogLevel     string
	Transcript   TranscriptConfig
	Policy       Policy
}

// TranscriptConfig controls NDJSON transcript logging of reconciled messages.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 256)
	if queueSize <= 0 {
		queueSize = 256
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		BackendURL:   strings.TrimRight(getEnv("BACKEND_URL", "http://127.0.0.1:8000"), "/"),
		TemporalAddr: getEnv("TEMPORAL_ADDR", ""),
		DBPath:       getEnv("DB_PATH", "./data/agentchat.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: queueSize,
		},
		Policy: LoadPolicy(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty when transcripts are enabled")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins permitted by the CORS middleware.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("2s") or bare milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

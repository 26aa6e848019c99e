// Package metrics exposes Prometheus instruments for the session controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Polls counts poll ticks by outcome: ok, missing, error, skipped, stale.
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_polls_total",
		Help: "Conversation poll ticks by outcome",
	}, []string{"result"})

	// PollDuration tracks conversation fetch latency.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentchat_poll_duration_seconds",
		Help:    "Conversation fetch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
	})

	// AutoStops counts loop-triggered automatic stops.
	AutoStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_auto_stops_total",
		Help: "Automatic agent stops triggered by loop detection",
	})

	// Actions counts user intents by action and result.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_actions_total",
		Help: "User actions by action and result",
	}, []string{"action", "result"})

	// AvailabilityChecks counts availability checks by result: available,
	// unavailable, cached.
	AvailabilityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_availability_checks_total",
		Help: "Backend availability checks by result",
	}, []string{"result"})

	// BackendAvailable is 1 while the workflow engine is reachable.
	BackendAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchat_backend_available",
		Help: "Whether the workflow engine was reachable on the last check",
	})

	// Watchdog counts forced recoveries by reason: stuck, poll_errors.
	Watchdog = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_watchdog_total",
		Help: "Forced UI recoveries by reason",
	}, []string{"reason"})

	// RecoveredPanics counts panics caught in timer callbacks.
	RecoveredPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_recovered_panics_total",
		Help: "Panics recovered in timer callbacks by timer name",
	}, []string{"timer"})

	// StreamClients is the number of connected websocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchat_stream_clients",
		Help: "Connected state stream clients",
	})

	// TranscriptDropped counts transcript records dropped because the queue was full.
	TranscriptDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_transcript_dropped_total",
		Help: "Transcript records dropped due to a full queue",
	})
)

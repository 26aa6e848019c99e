// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"
)

// Keys of the timestamps the client keeps across restarts.
const (
	// KeySessionStart records the last time a backend session was created.
	KeySessionStart = "last_session_start"
	// KeyAvailabilityCheck records the last successful availability probe.
	KeyAvailabilityCheck = "last_availability_check"
)

// Timestamps is durable key/value storage for raw timestamps.
type Timestamps interface {
	// GetTimestamp returns the stored time for key. ok is false when the key is unset.
	GetTimestamp(ctx context.Context, key string) (t time.Time, ok bool, err error)

	// SetTimestamp stores t under key, replacing any previous value.
	SetTimestamp(ctx context.Context, key string, t time.Time) error
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	Timestamps

	// DeleteTimestamp removes key. Missing keys are not an error.
	DeleteTimestamp(ctx context.Context, key string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "agentchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.GetTimestamp(ctx, KeySessionStart)
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.UnixMilli(1_700_000_000_123)
	require.NoError(t, s.SetTimestamp(ctx, KeySessionStart, first))

	got, ok, err := s.GetTimestamp(ctx, KeySessionStart)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, first.Equal(got), "want %v, got %v", first, got)

	second := first.Add(10 * time.Second)
	require.NoError(t, s.SetTimestamp(ctx, KeySessionStart, second))
	got, _, err = s.GetTimestamp(ctx, KeySessionStart)
	require.NoError(t, err)
	assert.True(t, second.Equal(got))
}

func TestTimestampKeysAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SetTimestamp(ctx, KeySessionStart, time.UnixMilli(1)))
	require.NoError(t, s.SetTimestamp(ctx, KeyAvailabilityCheck, time.UnixMilli(2)))
	require.NoError(t, s.DeleteTimestamp(ctx, KeySessionStart))
	require.NoError(t, s.DeleteTimestamp(ctx, "never-set"))

	_, ok, err := s.GetTimestamp(ctx, KeySessionStart)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.GetTimestamp(ctx, KeyAvailabilityCheck)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), got.UnixMilli())
}

func TestTimestampsSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agentchat.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SetTimestamp(ctx, KeyAvailabilityCheck, time.UnixMilli(42)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, ok, err := reopened.GetTimestamp(ctx, KeyAvailabilityCheck)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), got.UnixMilli())
	assert.NoError(t, reopened.Ping(ctx))
}

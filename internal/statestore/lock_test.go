package statestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

// newTestStore dials the same local Redis instance arkade-os-arkd's own
// redis live-store test dials, with no miniredis and no skip-guard.
func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.New("redis://localhost:6379/0", dex.StdOutLogger("TEST", slog.LevelOff))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireLockExcludesAConcurrentHolder(t *testing.T) {
	s := newTestStore(t)
	key := "xcpfolio:test:lock:exclusion"
	t.Cleanup(func() { s.Del(context.Background(), key) })

	lock, ok, err := s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lock)

	_, ok, err = s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestReleaseByWrongHolderIsANoOp simulates the race the releaseScript
// guards against: a lock believed expired gets reacquired by a second
// holder before the first holder's own Release call runs. The first
// holder's Release must not delete the second holder's lock.
func TestReleaseByWrongHolderIsANoOp(t *testing.T) {
	s := newTestStore(t)
	key := "xcpfolio:test:lock:wrong-holder"
	t.Cleanup(func() { s.Del(context.Background(), key) })

	stale, ok, err := s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the stale holder's TTL expiring and a second process
	// reacquiring the same key before the stale holder calls Release.
	require.NoError(t, s.Del(context.Background(), key))
	fresh, ok, err := s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(context.Background()))

	// The fresh holder's lock must have survived the stale Release call.
	_, ok, err = s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "stale holder's Release deleted the fresh holder's lock")

	require.NoError(t, fresh.Release(context.Background()))
}

func TestReleaseByCorrectHolderSucceeds(t *testing.T) {
	s := newTestStore(t)
	key := "xcpfolio:test:lock:correct-holder"
	t.Cleanup(func() { s.Del(context.Background(), key) })

	lock, ok, err := s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(context.Background()))

	_, ok, err = s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "key should be free after its holder released it")
}

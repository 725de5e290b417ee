package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
	"github.com/xcpfolio/fulfillment-agent/dex"
)

func testLogger() dex.Logger {
	return dex.StdOutLogger("TEST", slog.LevelOff)
}

func TestScheduleEveryRunsTaskRepeatedly(t *testing.T) {
	s := New(testLogger())
	var calls int32
	require.NoError(t, s.ScheduleEvery(50*time.Millisecond, "test-every", func() {
		atomic.AddInt32(&calls, 1)
	}))
	s.Start()
	t.Cleanup(s.Stop)

	time.Sleep(220 * time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestScheduleCronAcceptsStandardFiveFieldExpression(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.ScheduleCron("* * * * *", "test-cron", func() {}))
	s.Start()
	t.Cleanup(s.Stop)
}

func TestScheduleCronRejectsMalformedExpression(t *testing.T) {
	s := New(testLogger())
	require.Error(t, s.ScheduleCron("not a cron expression", "test-cron-bad", func() {}))
}

func TestGuardedRecoversPanicWithoutStoppingScheduler(t *testing.T) {
	s := New(testLogger())
	var calls int32
	require.NoError(t, s.ScheduleEvery(50*time.Millisecond, "test-panic", func() {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	}))
	s.Start()
	t.Cleanup(s.Stop)

	time.Sleep(220 * time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

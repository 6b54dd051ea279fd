package scheduling

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddIntervalRunsJob(t *testing.T) {
	s := NewScheduler(discard())
	var runs atomic.Int32
	require.NoError(t, s.AddInterval("tick", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestAddIntervalRejectsNonPositive(t *testing.T) {
	s := NewScheduler(discard())
	err := s.AddInterval("bad", 0, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAddJobRejectsGarbageSchedule(t *testing.T) {
	s := NewScheduler(discard())
	err := s.AddJob("bad", "whenever", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAddJobAcceptsCronExpression(t *testing.T) {
	s := NewScheduler(discard())
	assert.NoError(t, s.AddJob("nightly", "0 3 * * *", func(context.Context) error { return nil }))
	assert.NoError(t, s.AddJob("often", "@every 1h", func(context.Context) error { return nil }))
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	s := NewScheduler(discard())
	var runs atomic.Int32
	require.NoError(t, s.AddInterval("tick", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
	s.Stop()

	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := NewScheduler(discard())
	var runs atomic.Int32
	require.NoError(t, s.AddInterval("flaky", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return assert.AnError
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestParseScheduleDuration(t *testing.T) {
	sched, err := parseSchedule("250ms")
	require.NoError(t, err)
	now := time.Now()
	assert.Equal(t, now.Add(250*time.Millisecond), sched.Next(now))
}

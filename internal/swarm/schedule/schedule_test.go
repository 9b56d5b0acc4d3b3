package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor/internal/swarm/orchestrate"
)

func TestAddScheduleRejectsMissingCronExpr(t *testing.T) {
	s := New(func(context.Context, string) (orchestrate.Report, error) { return orchestrate.Report{}, nil }, nil)
	err := s.AddSchedule("nightly", Config{Goal: "tidy up", Enabled: true})
	require.Error(t, err)
}

func TestAddScheduleThenTriggerNowRunsGoalImmediately(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	s := New(func(_ context.Context, goal string) (orchestrate.Report, error) {
		mu.Lock()
		calls = append(calls, goal)
		mu.Unlock()
		return orchestrate.Report{Success: true}, nil
	}, nil)

	require.NoError(t, s.AddSchedule("nightly", Config{Goal: "tidy up", CronExpr: "*/5 * * * * *", Enabled: true}))
	require.NoError(t, s.TriggerNow(context.Background(), "nightly"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tidy up"}, calls)
}

func TestTriggerNowRejectsUnknownSchedule(t *testing.T) {
	s := New(func(context.Context, string) (orchestrate.Report, error) { return orchestrate.Report{}, nil }, nil)
	err := s.TriggerNow(context.Background(), "missing")
	require.Error(t, err)
}

func TestExecuteRespectsMaxConcurrentCap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	s := New(func(ctx context.Context, _ string) (orchestrate.Report, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return orchestrate.Report{Success: true}, nil
	}, nil)
	require.NoError(t, s.AddSchedule("busy", Config{Goal: "g", CronExpr: "*/5 * * * * *", Enabled: true, MaxConcurrent: 1}))

	go s.execute("busy")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first execution never started")
	}

	// Second concurrent execution should be dropped immediately since
	// MaxConcurrent is 1 and the first run is still in flight.
	s.execute("busy")

	close(release)
}

func TestRemoveScheduleStopsFutureTriggers(t *testing.T) {
	s := New(func(context.Context, string) (orchestrate.Report, error) { return orchestrate.Report{}, nil }, nil)
	require.NoError(t, s.AddSchedule("nightly", Config{Goal: "g", CronExpr: "*/5 * * * * *", Enabled: true}))
	s.RemoveSchedule("nightly")
	assert.Empty(t, s.ListSchedules())
	err := s.TriggerNow(context.Background(), "nightly")
	require.Error(t, err)
}

func TestDisabledScheduleIsRegisteredButNeverCronTriggered(t *testing.T) {
	s := New(func(context.Context, string) (orchestrate.Report, error) { return orchestrate.Report{}, nil }, nil)
	require.NoError(t, s.AddSchedule("paused", Config{Goal: "g", CronExpr: "*/5 * * * * *", Enabled: false}))
	schedules := s.ListSchedules()
	require.Contains(t, schedules, "paused")
	assert.False(t, schedules["paused"].Enabled)
}

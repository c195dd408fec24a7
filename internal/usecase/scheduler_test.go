package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
)

func schedulerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Symbols = []string{"EURUSD"}
	cfg.TradingHours = config.TradingHours{Start: "09:00", End: "17:00", Timezone: "UTC"}
	require.NoError(t, cfg.Validate())
	return cfg
}

func at(hour, min int) time.Time {
	return time.Date(2024, 3, 4, hour, min, 0, 0, time.UTC)
}

func TestSchedulerActivatesInsideWindow(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	var mu sync.Mutex
	ticks := 0
	done := make(chan struct{}, 8)
	s.SetHandlers(func(context.Context) {
		mu.Lock()
		ticks++
		mu.Unlock()
		done <- struct{}{}
	}, nil, nil)

	s.timeNow = func() time.Time { return at(10, 0) }
	s.Tick(context.Background())
	<-done

	state, _ := s.State()
	assert.Equal(t, StateActive, state)
	mu.Lock()
	assert.Equal(t, 1, ticks)
	mu.Unlock()
}

func TestSchedulerInactiveOutsideWindow(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	fired := false
	s.SetHandlers(func(context.Context) { fired = true }, nil, nil)

	s.timeNow = func() time.Time { return at(18, 0) }
	s.Tick(context.Background())

	state, _ := s.State()
	assert.Equal(t, StateInactive, state)
	assert.False(t, fired)
}

func TestMidnightCrossingWindow(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.TradingHours.Start = "22:00"
	cfg.TradingHours.End = "04:00"
	s := NewScheduler(cfg, zap.NewNop())

	assert.True(t, s.InWindow(at(23, 0)))
	assert.True(t, s.InWindow(at(2, 0)))
	assert.False(t, s.InWindow(at(12, 0)))
}

func TestTickDroppedWhileBusy(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	ticks := 0
	s.SetHandlers(func(context.Context) {
		mu.Lock()
		ticks++
		mu.Unlock()
		if ticks == 1 {
			close(started)
			<-release
		}
	}, nil, nil)

	s.timeNow = func() time.Time { return at(10, 0) }
	s.Tick(context.Background())
	<-started

	// The first cycle is still running; this tick must be dropped.
	s.Tick(context.Background())
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSuspendBeatsWindow(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	fired := false
	s.SetHandlers(func(context.Context) { fired = true }, nil, nil)

	s.Suspend(SuspendDailyLoss)
	s.timeNow = func() time.Time { return at(10, 0) }
	s.Tick(context.Background())

	state, reason := s.State()
	assert.Equal(t, StateSuspended, state)
	assert.Equal(t, SuspendDailyLoss, reason)
	assert.False(t, fired)
}

func TestSuspendKeepsEarliestReason(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	s.Suspend(SuspendFatal)
	s.Suspend(SuspendDailyLoss)

	_, reason := s.State()
	assert.Equal(t, SuspendFatal, reason)
}

func TestResumeLiftsSuspension(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	s.Suspend(SuspendManual)
	s.Resume()

	state, reason := s.State()
	assert.Equal(t, StateInactive, state)
	assert.Empty(t, reason)
}

func TestSessionEndFlattens(t *testing.T) {
	s := NewScheduler(schedulerConfig(t), zap.NewNop())
	flattened := 0
	s.SetHandlers(func(context.Context) {}, func(context.Context) { flattened++ }, nil)

	s.timeNow = func() time.Time { return at(16, 59) }
	s.Tick(context.Background())
	s.timeNow = func() time.Time { return at(17, 1) }
	s.Tick(context.Background())
	// Staying outside the window must not flatten again.
	s.timeNow = func() time.Time { return at(17, 2) }
	s.Tick(context.Background())

	assert.Equal(t, 1, flattened)
}

func TestDayRolloverResetsAndAutoResumes(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.Scheduler.AutoResume = true
	s := NewScheduler(cfg, zap.NewNop())

	var days []time.Time
	s.SetHandlers(func(context.Context) {}, nil, func(day time.Time) { days = append(days, day) })

	s.timeNow = func() time.Time { return at(10, 0) }
	s.Tick(context.Background())
	require.Len(t, days, 1)

	s.Suspend(SuspendDailyLoss)
	s.timeNow = func() time.Time { return at(10, 0).Add(24 * time.Hour) }
	s.Tick(context.Background())

	require.Len(t, days, 2)
	state, _ := s.State()
	assert.NotEqual(t, StateSuspended, state, "daily loss suspension lifts on a new day")
}

func TestFatalSuspensionSurvivesRollover(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.Scheduler.AutoResume = true
	s := NewScheduler(cfg, zap.NewNop())
	s.SetHandlers(func(context.Context) {}, nil, nil)

	s.Suspend(SuspendFatal)
	s.timeNow = func() time.Time { return at(10, 0).Add(24 * time.Hour) }
	s.Tick(context.Background())

	state, reason := s.State()
	assert.Equal(t, StateSuspended, state)
	assert.Equal(t, SuspendFatal, reason)
}

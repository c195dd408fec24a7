package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngineFixture(t *testing.T) (*Engine, *SimGateway, *Scheduler) {
	t.Helper()
	cfg := backtestConfig(t)
	log := zap.NewNop()

	sim := NewSimGateway(NoSlippage)
	require.NoError(t, sim.LoadSeries("EURUSD", vSeries(60)))
	sim.SetCursor("EURUSD", 40)

	sink := &CaptureSink{}
	strategy := NewStrategyEngine(cfg.Strategy, log)
	risk := NewRiskManager(cfg.Risk, cfg.Position, cfg.Account.PointValue, log)
	positions := NewPositionManager(sim, sink, risk, cfg.Position, cfg.Gateway, cfg.Account.PointValue, log)
	scheduler := NewScheduler(cfg, log)
	engine := NewEngine(cfg, sim, sink, strategy, risk, positions, scheduler, log)
	return engine, sim, scheduler
}

func TestConnectionLossSuspendsAfterGrace(t *testing.T) {
	engine, sim, scheduler := newEngineFixture(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	engine.timeNow = func() time.Time { return now }

	sim.SetOffline(true)

	// First tick starts the grace period, nothing is suspended yet.
	engine.Tick(ctx)
	state, _ := scheduler.State()
	assert.NotEqual(t, StateSuspended, state)

	// Within grace: still waiting.
	now = now.Add(30 * time.Second)
	engine.Tick(ctx)
	state, _ = scheduler.State()
	assert.NotEqual(t, StateSuspended, state)

	// Past the 60s grace the scheduler suspends.
	now = now.Add(45 * time.Second)
	engine.Tick(ctx)
	state, reason := scheduler.State()
	assert.Equal(t, StateSuspended, state)
	assert.Equal(t, SuspendConnection, reason)
}

func TestReconnectClearsGraceTimer(t *testing.T) {
	engine, sim, scheduler := newEngineFixture(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	engine.timeNow = func() time.Time { return now }

	sim.SetOffline(true)
	engine.Tick(ctx)

	// Reconnect before the grace period runs out.
	sim.SetOffline(false)
	now = now.Add(30 * time.Second)
	engine.Tick(ctx)

	// A fresh disconnect starts a new grace period from scratch.
	sim.SetOffline(true)
	now = now.Add(5 * time.Minute)
	engine.Tick(ctx)
	state, _ := scheduler.State()
	assert.NotEqual(t, StateSuspended, state)
}

func TestStatusIsConcurrencySafe(t *testing.T) {
	engine, _, _ := newEngineFixture(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			engine.Tick(ctx)
		}
	}()
	for i := 0; i < 50; i++ {
		status := engine.Status()
		assert.GreaterOrEqual(t, status.Equity, 0.0)
	}
	<-done
}

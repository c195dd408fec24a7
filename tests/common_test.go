package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
	"github.com/vitos/algo_trade_bot/internal/usecase"
)

// testConfig is a fast-reacting setup so scenarios need few bars.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Symbols = []string{"EURUSD"}
	cfg.Strategy.ShortWindow = 2
	cfg.Strategy.LongWindow = 3
	cfg.Strategy.CrossoverLookback = 2
	cfg.Strategy.ATRPeriod = 3
	require.NoError(t, cfg.Validate())
	return cfg
}

// vShapedSeries declines then rallies, producing one MA cross-up at the turn.
func vShapedSeries(n int) []domain.Candle {
	t0 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	series := make([]domain.Candle, n)
	price := 1.2000
	for i := 0; i < n; i++ {
		open := price
		if i < n/2 {
			price -= 0.0020
		} else {
			price += 0.0030
		}
		high, low := open, price
		if low > high {
			high, low = low, high
		}
		series[i] = domain.Candle{
			Symbol:    "EURUSD",
			Timeframe: "60",
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      high + 0.0010,
			Low:       low - 0.0010,
			Close:     price,
			Volume:    1000,
		}
	}
	return series
}

// tradingStack wires the full engine against a simulated gateway.
type tradingStack struct {
	cfg       *config.Config
	sim       *usecase.SimGateway
	sink      *usecase.CaptureSink
	strategy  *usecase.StrategyEngine
	risk      *usecase.RiskManager
	positions *usecase.PositionManager
	scheduler *usecase.Scheduler
	engine    *usecase.Engine
}

func newTradingStack(t *testing.T, cfg *config.Config, series []domain.Candle) *tradingStack {
	t.Helper()
	log := zap.NewNop()

	sim := usecase.NewSimGateway(usecase.NoSlippage)
	require.NoError(t, sim.LoadSeries("EURUSD", series))

	sink := &usecase.CaptureSink{}
	strategy := usecase.NewStrategyEngine(cfg.Strategy, log)
	risk := usecase.NewRiskManager(cfg.Risk, cfg.Position, cfg.Account.PointValue, log)
	positions := usecase.NewPositionManager(sim, sink, risk, cfg.Position, cfg.Gateway, cfg.Account.PointValue, log)
	scheduler := usecase.NewScheduler(cfg, log)
	engine := usecase.NewEngine(cfg, sim, sink, strategy, risk, positions, scheduler, log)

	return &tradingStack{
		cfg:       cfg,
		sim:       sim,
		sink:      sink,
		strategy:  strategy,
		risk:      risk,
		positions: positions,
		scheduler: scheduler,
		engine:    engine,
	}
}

// replay drives the engine bar by bar the way the live scheduler would,
// skipping the warmup prefix.
func (s *tradingStack) replay(t *testing.T, series []domain.Candle) {
	t.Helper()
	warmup := s.strategy.MinBars()
	require.Greater(t, len(series), warmup)
	for i := warmup; i < len(series); i++ {
		s.sim.SetCursor("EURUSD", i)
		s.engine.Tick(context.Background())
	}
}

package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

func backtestConfig(t *testing.T) *config.Config {
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

// vSeries is a V-shaped price path: a steady decline followed by a steady
// rally, which forces exactly one MA cross-up near the turn.
func vSeries(n int) []domain.Candle {
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
		series[i] = domain.Candle{
			Symbol:    "EURUSD",
			Timeframe: "60",
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      maxf(open, price) + 0.0010,
			Low:       minf(open, price) - 0.0010,
			Close:     price,
			Volume:    1000,
		}
	}
	return series
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestBacktestProducesTrades(t *testing.T) {
	engine := NewBacktestEngine(backtestConfig(t), NoSlippage, zap.NewNop())
	report, err := engine.Run(context.Background(), "EURUSD", vSeries(60))
	require.NoError(t, err)

	require.NotEmpty(t, report.Trades)
	assert.Equal(t, report.TotalTrades, len(report.Trades))
	assert.Equal(t, report.TotalTrades, report.WinningTrades+report.LosingTrades)

	var total float64
	for _, tr := range report.Trades {
		total += tr.Profit
	}
	assert.InDelta(t, report.InitialEquity+total, report.FinalEquity, 1e-6)
}

func TestBacktestEntriesFillAtNextBarOpen(t *testing.T) {
	series := vSeries(60)
	engine := NewBacktestEngine(backtestConfig(t), NoSlippage, zap.NewNop())
	report, err := engine.Run(context.Background(), "EURUSD", series)
	require.NoError(t, err)
	require.NotEmpty(t, report.Trades)

	byOpenTime := make(map[time.Time]domain.Candle, len(series))
	for _, c := range series {
		byOpenTime[c.OpenTime] = c
	}
	for _, tr := range report.Trades {
		fillBar, ok := byOpenTime[tr.EntryTime]
		require.True(t, ok, "entry time must be a bar open time")
		assert.InDelta(t, fillBar.Open, tr.EntryPrice, 1e-9,
			"entry fills at the open of the bar after the signal")
	}
}

func TestBacktestIsDeterministic(t *testing.T) {
	series := vSeries(60)
	first, err := NewBacktestEngine(backtestConfig(t), NoSlippage, zap.NewNop()).
		Run(context.Background(), "EURUSD", series)
	require.NoError(t, err)
	second, err := NewBacktestEngine(backtestConfig(t), NoSlippage, zap.NewNop()).
		Run(context.Background(), "EURUSD", series)
	require.NoError(t, err)

	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.FinalEquity, second.FinalEquity)
	assert.Equal(t, first.MaxDrawdown, second.MaxDrawdown)
}

func TestBacktestSlippageCostsMoney(t *testing.T) {
	series := vSeries(60)
	clean, err := NewBacktestEngine(backtestConfig(t), NoSlippage, zap.NewNop()).
		Run(context.Background(), "EURUSD", series)
	require.NoError(t, err)
	slipped, err := NewBacktestEngine(backtestConfig(t), FractionalSlippage(0.001), zap.NewNop()).
		Run(context.Background(), "EURUSD", series)
	require.NoError(t, err)

	require.NotEmpty(t, clean.Trades)
	assert.Less(t, slipped.FinalEquity, clean.FinalEquity)
}

func TestBacktestRejectsShortSeries(t *testing.T) {
	engine := NewBacktestEngine(backtestConfig(t), NoSlippage, zap.NewNop())
	_, err := engine.Run(context.Background(), "EURUSD", vSeries(4))
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestSimGatewayNeverExposesFutureBars(t *testing.T) {
	series := vSeries(20)
	sim := NewSimGateway(NoSlippage)
	require.NoError(t, sim.LoadSeries("EURUSD", series))
	sim.SetCursor("EURUSD", 7)

	window, err := sim.GetCandles(context.Background(), "EURUSD", "60", 300)
	require.NoError(t, err)
	require.Len(t, window, 8)
	assert.Equal(t, series[7].OpenTime, window[len(window)-1].OpenTime)
}

func TestSimGatewayRejectsFillOnLastBar(t *testing.T) {
	series := vSeries(20)
	sim := NewSimGateway(NoSlippage)
	require.NoError(t, sim.LoadSeries("EURUSD", series))
	sim.SetCursor("EURUSD", len(series)-1)

	req := &domain.OrderRequest{Symbol: "EURUSD", Direction: domain.DirectionLong, Volume: 0.1}
	_, err := sim.SubmitOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)
}

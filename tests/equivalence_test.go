package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/domain"
	"github.com/vitos/algo_trade_bot/internal/usecase"
)

// The backtest engine and a live-style bar-by-bar replay share every decision
// component, so the same series must yield byte-for-byte identical trades.
func TestBacktestMatchesLiveReplay(t *testing.T) {
	series := vShapedSeries(60)

	backtest := usecase.NewBacktestEngine(testConfig(t), usecase.NoSlippage, zap.NewNop())
	report, err := backtest.Run(context.Background(), "EURUSD", series)
	require.NoError(t, err)
	require.NotEmpty(t, report.Trades)

	stack := newTradingStack(t, testConfig(t), series)
	stack.replay(t, series)
	stack.sim.SetCursor("EURUSD", len(series)-1)
	stack.positions.CloseAll(context.Background(), domain.CloseReasonManual)

	live := stack.sink.Trades()
	require.Len(t, live, len(report.Trades))
	for i, want := range report.Trades {
		got := live[i]
		assert.Equal(t, want.PositionID, got.PositionID)
		assert.Equal(t, want.Direction, got.Direction)
		assert.Equal(t, want.EntryPrice, got.EntryPrice, "trade %d entry", i)
		assert.Equal(t, want.ExitPrice, got.ExitPrice, "trade %d exit", i)
		assert.Equal(t, want.Profit, got.Profit, "trade %d profit", i)
		assert.Equal(t, want.ExitReason, got.ExitReason)
		assert.True(t, want.EntryTime.Equal(got.EntryTime))
		assert.True(t, want.ExitTime.Equal(got.ExitTime))
	}
}

func TestReplayIsRepeatable(t *testing.T) {
	series := vShapedSeries(60)

	first := newTradingStack(t, testConfig(t), series)
	first.replay(t, series)
	second := newTradingStack(t, testConfig(t), series)
	second.replay(t, series)

	assert.Equal(t, first.sink.Trades(), second.sink.Trades())
}

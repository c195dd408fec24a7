package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/algo_trade_bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id string, profit float64, exitTime time.Time) *domain.TradeRecord {
	return &domain.TradeRecord{
		PositionID: id,
		Symbol:     "EURUSD",
		Direction:  domain.DirectionLong,
		EntryPrice: 1.1000,
		EntryTime:  exitTime.Add(-2 * time.Hour),
		ExitPrice:  1.1050,
		ExitTime:   exitTime,
		Volume:     0.83,
		Profit:     profit,
		ExitReason: domain.CloseReasonTakeProfit,
	}
}

func TestSaveAndListTradeRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exit := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000001", 415, exit)))
	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000002", -120, exit.Add(time.Hour))))

	records, err := store.ListTradeRecords(ctx, "EURUSD", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest exit first.
	assert.Equal(t, "EURUSD-000002", records[0].PositionID)
	assert.Equal(t, domain.DirectionLong, records[0].Direction)
	assert.InDelta(t, -120, records[0].Profit, 1e-9)
	assert.True(t, records[0].ExitTime.Equal(exit.Add(time.Hour)))
}

func TestListFiltersBySymbolAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exit := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	r := sampleRecord("GBPUSD-000001", 50, exit)
	r.Symbol = "GBPUSD"
	require.NoError(t, store.SaveTradeRecord(ctx, r))
	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000001", 10, exit)))
	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000002", 20, exit.Add(time.Hour))))

	records, err := store.ListTradeRecords(ctx, "EURUSD", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "EURUSD-000002", records[0].PositionID)

	all, err := store.ListTradeRecords(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDailyProfitAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000001", 100, day)))
	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000002", -30, day.Add(time.Hour))))
	require.NoError(t, store.SaveTradeRecord(ctx, sampleRecord("EURUSD-000003", 999, day.Add(24*time.Hour))))

	total, err := store.DailyProfit(ctx, "2024-03-04")
	require.NoError(t, err)
	assert.InDelta(t, 70, total, 1e-9)
}

func TestSaveBudgetSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := &domain.RiskBudget{
		Day:                time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		DailyLossUsed:      120,
		DailyLossLimit:     500,
		OpenPositions:      2,
		MaxPositions:       5,
		PortfolioRiskUsed:  398.4,
		PortfolioRiskLimit: 600,
	}
	assert.NoError(t, store.SaveBudgetSnapshot(ctx, snap))
}

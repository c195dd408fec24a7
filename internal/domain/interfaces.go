package domain

import (
	"context"
	"time"
)

// Fill is a confirmed execution from the gateway.
type Fill struct {
	Price float64
	Time  time.Time
}

// Gateway is the narrow interface to the market-data/order-execution
// collaborator. Live and simulated gateways implement it identically so the
// engine runs a single code path.
type Gateway interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	SubmitOrder(ctx context.Context, req *OrderRequest) (*Fill, error)
	ClosePosition(ctx context.Context, positionID string) (*Fill, error)
	Connected() bool
}

// ReportingSink receives trade records and risk-budget snapshots. Writes are
// fire-and-forget from the engine's perspective: a failing sink is logged and
// never blocks trading.
type ReportingSink interface {
	SaveTradeRecord(ctx context.Context, record *TradeRecord) error
	SaveBudgetSnapshot(ctx context.Context, snapshot *RiskBudget) error
}

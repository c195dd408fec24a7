package domain

import "time"

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Signal is the strategy engine's verdict for one evaluation cycle. It is
// produced fresh each cycle and never persisted.
type Signal struct {
	Symbol       string
	Timeframe    string
	Direction    Direction
	Strength     float64
	GeneratedAt  time.Time
	Contributing []string
}

// OrderRequest is a sized, risk-approved request produced by the risk manager
// and consumed exactly once by the position manager.
type OrderRequest struct {
	Symbol     string
	Direction  Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	// RiskAmount is the worst-case loss in account currency, reserved against
	// the portfolio risk budget while the position lives.
	RiskAmount float64
	Reason     string
}

type PositionStatus string

const (
	StatusPending PositionStatus = "pending"
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// Close reasons recorded on TradeRecord.ExitReason / Position.CloseReason.
const (
	CloseReasonStopLoss      = "stop_loss"
	CloseReasonTakeProfit    = "take_profit"
	CloseReasonTrailingStop  = "trailing_stop"
	CloseReasonSessionEnd    = "session_end"
	CloseReasonEmergencyStop = "emergency_stop"
	CloseReasonEntryFailed   = "entry_failed"
	CloseReasonManual        = "manual"
)

// Position is owned exclusively by the position manager and mutated only
// through its transition operations. Closed is terminal.
type Position struct {
	ID               string
	Symbol           string
	Direction        Direction
	EntryPrice       float64
	Volume           float64
	StopLoss         float64
	TakeProfit       float64
	TrailingDistance float64 // 0 disables the trailing stop
	RiskAmount       float64
	OpenedAt         time.Time
	Status           PositionStatus
	CloseReason      string
}

// TradeRecord is appended exactly once when a position reaches closed.
// Entry-failed positions never produce one.
type TradeRecord struct {
	PositionID string
	Symbol     string
	Direction  Direction
	EntryPrice float64
	EntryTime  time.Time
	ExitPrice  float64
	ExitTime   time.Time
	Volume     float64
	Profit     float64
	ExitReason string
}

// RiskBudget is a point-in-time snapshot of the process-wide risk counters.
type RiskBudget struct {
	Day                time.Time
	DailyLossUsed      float64
	DailyLossLimit     float64
	OpenPositions      int
	MaxPositions       int
	PortfolioRiskUsed  float64
	PortfolioRiskLimit float64
}

// Rejection reason codes. Machine readable, never a generic failure.
const (
	RejectFlatSignal     = "flat_signal"
	RejectMaxPositions   = "max_positions"
	RejectDailyLossLimit = "daily_loss_limit"
	RejectPortfolioRisk  = "portfolio_risk_limit"
	RejectPositionExists = "position_exists"
	RejectMinVolume      = "min_volume"
	RejectCircuitBreaker = "circuit_breaker"
)

// Rejection is a declined action. It is logged, counted and otherwise a
// normal outcome, not an error.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return r.Reason
	}
	return r.Reason + ": " + r.Detail
}

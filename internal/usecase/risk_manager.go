package usecase

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

// RiskManager owns every process-wide risk counter under a single mutex:
// the intra-day realized loss, the reserved portfolio risk, the open position
// count and the consecutive-loss streak. Approval and reservation happen in
// one critical section, so concurrent per-symbol ticks cannot oversubscribe
// the budget.
type RiskManager struct {
	mu sync.Mutex

	risk       config.Risk
	position   config.Position
	pointValue float64

	day             time.Time
	dailyLossUsed   float64
	realized        float64
	riskReserved    float64
	openPositions   int
	lossStreak      int
	breakerTripped  bool
	rejectionCounts map[string]int

	logger *zap.Logger
}

func NewRiskManager(risk config.Risk, position config.Position, pointValue float64, logger *zap.Logger) *RiskManager {
	return &RiskManager{
		risk:            risk,
		position:        position,
		pointValue:      pointValue,
		rejectionCounts: make(map[string]int),
		logger:          logger,
	}
}

// SizeAndApprove checks the signal against every limit and, if it passes,
// sizes the order and reserves its risk against the portfolio budget in the
// same critical section. A rejection is a normal outcome: the reason code is
// logged and counted, nothing is reserved.
func (m *RiskManager) SizeAndApprove(sig domain.Signal, entryPrice, equity, atr float64) (*domain.OrderRequest, *domain.Rejection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sig.Direction == domain.DirectionFlat {
		return nil, m.reject(sig.Symbol, domain.RejectFlatSignal, "")
	}
	if m.breakerTripped {
		return nil, m.reject(sig.Symbol, domain.RejectCircuitBreaker,
			fmt.Sprintf("%d consecutive losses", m.lossStreak))
	}
	if m.openPositions >= m.risk.MaxPositions {
		return nil, m.reject(sig.Symbol, domain.RejectMaxPositions,
			fmt.Sprintf("%d open", m.openPositions))
	}
	if m.dailyLossUsed >= m.risk.MaxDailyLoss*equity {
		return nil, m.reject(sig.Symbol, domain.RejectDailyLossLimit,
			fmt.Sprintf("used %.2f of %.2f", m.dailyLossUsed, m.risk.MaxDailyLoss*equity))
	}

	stopDistance := m.risk.StopLossATRMult * atr
	if stopDistance <= 0 || math.IsNaN(stopDistance) {
		return nil, m.reject(sig.Symbol, domain.RejectMinVolume,
			fmt.Sprintf("degenerate stop distance %.6f", stopDistance))
	}

	riskAmount := m.risk.MaxRiskPerTrade * equity
	if m.riskReserved+riskAmount > m.risk.MaxPortfolioRisk*equity {
		return nil, m.reject(sig.Symbol, domain.RejectPortfolioRisk,
			fmt.Sprintf("reserved %.2f, limit %.2f", m.riskReserved, m.risk.MaxPortfolioRisk*equity))
	}

	volume := riskAmount / (stopDistance * m.pointValue)
	volume = math.Floor(volume/m.position.LotStep) * m.position.LotStep
	if volume < m.position.MinLot {
		return nil, m.reject(sig.Symbol, domain.RejectMinVolume,
			fmt.Sprintf("sized %.4f lots, min %.4f", volume, m.position.MinLot))
	}

	var stopLoss, takeProfit float64
	if sig.Direction == domain.DirectionLong {
		stopLoss = entryPrice - stopDistance
		takeProfit = entryPrice + m.risk.TakeProfitRatio*stopDistance
	} else {
		stopLoss = entryPrice + stopDistance
		takeProfit = entryPrice - m.risk.TakeProfitRatio*stopDistance
	}

	// Actual worst-case loss after lot-step flooring, not the pre-floor target.
	reserved := stopDistance * volume * m.pointValue
	m.riskReserved += reserved
	m.openPositions++

	m.logger.Info("order approved",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("volume", volume),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", takeProfit),
		zap.Float64("risk_amount", reserved))

	return &domain.OrderRequest{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		RiskAmount: reserved,
		Reason:     "ma_crossover",
	}, nil
}

// Release hands back a reservation made by SizeAndApprove for a position that
// never opened or has closed.
func (m *RiskManager) Release(riskAmount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskReserved -= riskAmount
	if m.riskReserved < 0 {
		m.riskReserved = 0
	}
	if m.openPositions > 0 {
		m.openPositions--
	}
}

// ReleaseSlot hands back only the open-position slot from an approval whose
// fill was merged into an existing position. The reserved risk stays: the
// merged position carries it and releases it on close.
func (m *RiskManager) ReleaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openPositions > 0 {
		m.openPositions--
	}
}

// RecordTradeResult folds a realized trade into the daily loss counter and the
// consecutive-loss streak. Profits never decrease the used daily loss.
func (m *RiskManager) RecordTradeResult(profit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.realized += profit
	if profit < 0 {
		m.dailyLossUsed += -profit
		m.lossStreak++
		if m.risk.CircuitBreakerLosses > 0 && m.lossStreak >= m.risk.CircuitBreakerLosses {
			if !m.breakerTripped {
				m.breakerTripped = true
				m.logger.Warn("circuit breaker tripped",
					zap.Int("consecutive_losses", m.lossStreak))
			}
		}
	} else {
		m.lossStreak = 0
	}
}

// Equity returns the current account equity: the initial balance plus all
// realized profit and loss.
func (m *RiskManager) Equity(initial float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return initial + m.realized
}

// RejectDuplicate counts and returns a position_exists rejection, for the
// "ignore" duplicate-signal policy.
func (m *RiskManager) RejectDuplicate(symbol string) *domain.Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reject(symbol, domain.RejectPositionExists, "")
}

// DailyLossExceeded reports whether today's realized losses have consumed the
// daily budget for the given equity.
func (m *RiskManager) DailyLossExceeded(equity float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLossUsed >= m.risk.MaxDailyLoss*equity
}

// ResetDay starts a fresh daily budget. Reserved portfolio risk and the open
// position count carry over; only the daily counters reset.
func (m *RiskManager) ResetDay(day time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.day = day
	m.dailyLossUsed = 0
	m.lossStreak = 0
	m.breakerTripped = false
	m.logger.Info("daily risk budget reset", zap.Time("day", day))
}

// ResetBreaker clears a tripped circuit breaker without touching the daily
// counters, for operator intervention.
func (m *RiskManager) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerTripped = false
	m.lossStreak = 0
}

// Snapshot returns a copy of the current budget for reporting.
func (m *RiskManager) Snapshot(equity float64) domain.RiskBudget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.RiskBudget{
		Day:                m.day,
		DailyLossUsed:      m.dailyLossUsed,
		DailyLossLimit:     m.risk.MaxDailyLoss * equity,
		OpenPositions:      m.openPositions,
		MaxPositions:       m.risk.MaxPositions,
		PortfolioRiskUsed:  m.riskReserved,
		PortfolioRiskLimit: m.risk.MaxPortfolioRisk * equity,
	}
}

// RejectionCounts returns a copy of the per-reason rejection tallies.
func (m *RiskManager) RejectionCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.rejectionCounts))
	for k, v := range m.rejectionCounts {
		out[k] = v
	}
	return out
}

// reject logs, counts and returns the rejection. Caller holds the mutex.
func (m *RiskManager) reject(symbol, reason, detail string) *domain.Rejection {
	m.rejectionCounts[reason]++
	ObserveRejection(reason)
	m.logger.Info("signal rejected",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.String("detail", detail))
	return &domain.Rejection{Reason: reason, Detail: detail}
}

package usecase

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

// Engine is the live trading loop: per tick it fetches candles for every
// configured symbol in parallel, manages the symbol's open position, evaluates
// the strategy, and routes approved signals through the risk manager into the
// position manager. The same cycle body runs bar-by-bar in the backtest
// engine, so backtests and live trading share one decision path.
type Engine struct {
	cfg       *config.Config
	gateway   domain.Gateway
	sink      domain.ReportingSink
	strategy  *StrategyEngine
	risk      *RiskManager
	positions *PositionManager
	scheduler *Scheduler

	cancel    context.CancelFunc
	stopped   chan struct{}
	emergency atomic.Bool

	disconnectedSince atomic.Int64 // unix nanos, 0 when connected

	logger  *zap.Logger
	timeNow func() time.Time
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	State         SchedulerState    `json:"state"`
	SuspendReason string            `json:"suspend_reason,omitempty"`
	Connected     bool              `json:"connected"`
	Equity        float64           `json:"equity"`
	Budget        domain.RiskBudget `json:"budget"`
	OpenPositions []domain.Position `json:"open_positions"`
}

func NewEngine(cfg *config.Config, gw domain.Gateway, sink domain.ReportingSink,
	strategy *StrategyEngine, risk *RiskManager, positions *PositionManager,
	scheduler *Scheduler, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		gateway:   gw,
		sink:      sink,
		strategy:  strategy,
		risk:      risk,
		positions: positions,
		scheduler: scheduler,
		stopped:   make(chan struct{}),
		logger:    logger,
		timeNow:   time.Now,
	}
	scheduler.SetHandlers(e.Tick, e.flattenSession, e.rollover)
	positions.SetFatalHandler(func(reason string) {
		e.logger.Error("fatal trading error", zap.String("reason", reason))
		scheduler.Suspend(SuspendFatal)
	})
	return e
}

// Start launches the scheduler loop. It returns immediately; Stop shuts the
// loop down.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go func() {
		defer close(e.stopped)
		e.scheduler.Run(runCtx)
	}()
	e.logger.Info("engine started",
		zap.Strings("symbols", e.cfg.Symbols),
		zap.String("timeframe", e.cfg.Timeframe))
}

// Stop halts the scheduler and waits for it to exit. Open positions are left
// in place; use EmergencyStop to flatten.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.stopped
	}
	e.logger.Info("engine stopped")
}

// EmergencyStop suspends the scheduler and closes every open position. Safe
// to call from any goroutine and at any time; repeat calls are no-ops.
func (e *Engine) EmergencyStop(ctx context.Context) {
	if !e.emergency.CompareAndSwap(false, true) {
		return
	}
	e.logger.Warn("emergency stop engaged")
	e.scheduler.Suspend(SuspendManual)
	records := e.positions.CloseAll(ctx, domain.CloseReasonEmergencyStop)
	e.logger.Warn("emergency stop complete", zap.Int("positions_closed", len(records)))
}

// Status reports the current engine state.
func (e *Engine) Status() Status {
	state, reason := e.scheduler.State()
	equity := e.risk.Equity(e.cfg.Account.InitialEquity)
	return Status{
		State:         state,
		SuspendReason: reason,
		Connected:     e.gateway.Connected(),
		Equity:        equity,
		Budget:        e.risk.Snapshot(equity),
		OpenPositions: e.positions.OpenPositions(),
	}
}

// Tick runs one full evaluation cycle across all symbols.
func (e *Engine) Tick(ctx context.Context) {
	start := e.timeNow()
	defer func() { ObserveCycleDuration(e.timeNow().Sub(start).Seconds()) }()

	if !e.checkConnection() {
		return
	}

	equity := e.risk.Equity(e.cfg.Account.InitialEquity)
	if e.risk.DailyLossExceeded(equity) {
		e.scheduler.Suspend(SuspendDailyLoss)
		return
	}

	var wg sync.WaitGroup
	for _, symbol := range e.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			e.evalSymbol(ctx, symbol, equity)
		}(symbol)
	}
	wg.Wait()

	snapshot := e.risk.Snapshot(equity)
	SetDailyLossUsed(snapshot.DailyLossUsed)
	if e.sink != nil {
		if err := e.sink.SaveBudgetSnapshot(ctx, &snapshot); err != nil {
			e.logger.Error("budget snapshot not persisted", zap.Error(err))
		}
	}
}

// checkConnection suspends the scheduler when the gateway has been
// disconnected for longer than the grace period.
func (e *Engine) checkConnection() bool {
	if e.gateway.Connected() {
		e.disconnectedSince.Store(0)
		return true
	}
	now := e.timeNow().UnixNano()
	since := e.disconnectedSince.Load()
	if since == 0 {
		e.disconnectedSince.Store(now)
		e.logger.Warn("gateway disconnected, grace period started")
		return false
	}
	grace := time.Duration(e.cfg.Gateway.ConnectionGraceSec) * time.Second
	if time.Duration(now-since) > grace {
		e.scheduler.Suspend(SuspendConnection)
	}
	return false
}

func (e *Engine) evalSymbol(ctx context.Context, symbol string, equity float64) {
	window, err := e.fetchCandles(ctx, symbol)
	if err != nil {
		ObserveGatewayError("get_candles")
		e.logger.Error("candle fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if len(window) == 0 {
		return
	}
	bar := window[len(window)-1]

	if _, err := e.positions.EvaluateOpenPosition(ctx, symbol, bar); err != nil {
		e.logger.Error("position evaluation failed", zap.String("symbol", symbol), zap.Error(err))
	}

	sig, err := e.strategy.Evaluate(window)
	if err != nil {
		e.logger.Debug("strategy not evaluated", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if sig.Direction == domain.DirectionFlat {
		return
	}
	ObserveSignal(symbol, string(sig.Direction))

	if e.positions.HasOpen(symbol) && e.cfg.Position.OnDuplicateSignal != "merge" {
		e.risk.RejectDuplicate(symbol)
		return
	}

	atr := e.latestATR(window)
	req, rejection := e.risk.SizeAndApprove(sig, bar.Close, equity, atr)
	if rejection != nil {
		return
	}
	if _, err := e.positions.OpenPosition(ctx, req); err != nil {
		e.logger.Error("position not opened", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (e *Engine) fetchCandles(ctx context.Context, symbol string) ([]domain.Candle, error) {
	timeout := time.Duration(e.cfg.Gateway.OrderTimeoutSec) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.gateway.GetCandles(callCtx, symbol, e.cfg.Timeframe, e.cfg.Gateway.HistoryBars)
}

func (e *Engine) latestATR(window []domain.Candle) float64 {
	series, err := ComputeATR(window, e.cfg.Strategy.ATRPeriod)
	if err != nil {
		return math.NaN()
	}
	return series[len(series)-1]
}

// flattenSession closes every open position at the end of the trading window.
func (e *Engine) flattenSession(ctx context.Context) {
	records := e.positions.CloseAll(ctx, domain.CloseReasonSessionEnd)
	if len(records) > 0 {
		e.logger.Info("session positions flattened", zap.Int("count", len(records)))
	}
}

// rollover resets the daily risk budget at local midnight.
func (e *Engine) rollover(day time.Time) {
	e.risk.ResetDay(day)
}

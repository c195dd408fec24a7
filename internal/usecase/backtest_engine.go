package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

// BacktestEngine replays a historical series through the exact live stack: the
// same strategy engine, risk manager, position manager and engine cycle, with
// the gateway swapped for a SimGateway and the clocks pinned to bar time.
// Running the same series twice produces identical trade records.
type BacktestEngine struct {
	cfg      *config.Config
	slippage SlippageFunc
	logger   *zap.Logger
}

func NewBacktestEngine(cfg *config.Config, slippage SlippageFunc, logger *zap.Logger) *BacktestEngine {
	return &BacktestEngine{cfg: cfg, slippage: slippage, logger: logger}
}

// BacktestReport summarizes one backtest run.
type BacktestReport struct {
	Symbol        string               `json:"symbol"`
	Bars          int                  `json:"bars"`
	InitialEquity float64              `json:"initial_equity"`
	FinalEquity   float64              `json:"final_equity"`
	TotalReturn   float64              `json:"total_return_pct"`
	TotalTrades   int                  `json:"total_trades"`
	WinningTrades int                  `json:"winning_trades"`
	LosingTrades  int                  `json:"losing_trades"`
	WinRate       float64              `json:"win_rate_pct"`
	AvgWin        float64              `json:"avg_win"`
	AvgLoss       float64              `json:"avg_loss"`
	ProfitFactor  float64              `json:"profit_factor"`
	MaxDrawdown   float64              `json:"max_drawdown_pct"`
	Trades        []domain.TradeRecord `json:"trades"`
}

// Run replays the series bar by bar. Bars inside the warmup window only
// advance the clock; afterwards each bar runs one full engine cycle. Whatever
// is still open after the last bar is closed at that bar's price.
func (b *BacktestEngine) Run(ctx context.Context, symbol string, series []domain.Candle) (*BacktestReport, error) {
	cfg := *b.cfg
	cfg.Symbols = []string{symbol}

	sim := NewSimGateway(b.slippage)
	if err := sim.LoadSeries(symbol, series); err != nil {
		return nil, err
	}

	sink := &CaptureSink{}
	strategy := NewStrategyEngine(cfg.Strategy, b.logger)
	risk := NewRiskManager(cfg.Risk, cfg.Position, cfg.Account.PointValue, b.logger)
	positions := NewPositionManager(sim, sink, risk, cfg.Position, cfg.Gateway, cfg.Account.PointValue, b.logger)
	scheduler := NewScheduler(&cfg, b.logger)
	engine := NewEngine(&cfg, sim, sink, strategy, risk, positions, scheduler, b.logger)

	var clock time.Time
	now := func() time.Time { return clock }
	engine.timeNow = now
	strategy.timeNow = now
	positions.timeNow = now
	scheduler.timeNow = now
	positions.sleep = func(context.Context, time.Duration) error { return nil }

	warmup := strategy.MinBars()
	if len(series) < warmup+1 {
		return nil, fmt.Errorf("%w: %d bars, warmup needs %d", domain.ErrInsufficientData, len(series), warmup)
	}

	loc := cfg.Location()
	initial := cfg.Account.InitialEquity
	peak, maxDD := initial, 0.0
	var currentDay time.Time
	wasInWindow := false

	for i, bar := range series {
		clock = bar.OpenTime.In(loc)
		sim.SetCursor(symbol, i)

		day := time.Date(clock.Year(), clock.Month(), clock.Day(), 0, 0, 0, 0, loc)
		if !day.Equal(currentDay) {
			currentDay = day
			risk.ResetDay(day)
			if state, reason := scheduler.State(); state == StateSuspended && reason == SuspendDailyLoss {
				scheduler.Resume()
			}
		}
		if i < warmup {
			continue
		}

		in := scheduler.InWindow(clock)
		if !in {
			if wasInWindow && cfg.Scheduler.FlattenAtSessionEnd {
				positions.CloseAll(ctx, domain.CloseReasonSessionEnd)
			}
			wasInWindow = false
			continue
		}
		wasInWindow = true

		if state, _ := scheduler.State(); state == StateSuspended {
			continue
		}

		engine.Tick(ctx)

		equity := risk.Equity(initial)
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}

	sim.SetCursor(symbol, len(series)-1)
	positions.CloseAll(ctx, domain.CloseReasonManual)
	final := risk.Equity(initial)
	if dd := (peak - final) / peak; dd > maxDD {
		maxDD = dd
	}

	report := buildReport(symbol, len(series), initial, final, maxDD, sink.Trades())
	b.logger.Info("backtest complete",
		zap.String("symbol", symbol),
		zap.Int("trades", report.TotalTrades),
		zap.Float64("final_equity", report.FinalEquity),
		zap.Float64("win_rate_pct", report.WinRate))
	return report, nil
}

func buildReport(symbol string, bars int, initial, final, maxDD float64, trades []domain.TradeRecord) *BacktestReport {
	r := &BacktestReport{
		Symbol:        symbol,
		Bars:          bars,
		InitialEquity: initial,
		FinalEquity:   final,
		TotalReturn:   (final - initial) / initial * 100,
		TotalTrades:   len(trades),
		MaxDrawdown:   maxDD * 100,
		Trades:        trades,
	}

	var grossWin, grossLoss float64
	for _, t := range trades {
		if t.Profit > 0 {
			r.WinningTrades++
			grossWin += t.Profit
		} else if t.Profit < 0 {
			r.LosingTrades++
			grossLoss += -t.Profit
		}
	}
	if r.TotalTrades > 0 {
		r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades) * 100
	}
	if r.WinningTrades > 0 {
		r.AvgWin = grossWin / float64(r.WinningTrades)
	}
	if r.LosingTrades > 0 {
		r.AvgLoss = grossLoss / float64(r.LosingTrades)
	}
	switch {
	case grossLoss > 0:
		r.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		r.ProfitFactor = math.Inf(1)
	}
	return r
}

package usecase

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

// Filter is a confirmation check applied to a raw crossover signal. All
// enabled filters must confirm or the signal degrades to flat.
type Filter interface {
	Name() string
	Confirm(window []domain.Candle, direction domain.Direction) (bool, error)
}

// StrategyEngine turns a candle window into a directional signal: a moving
// average crossover proposes a direction, the filter chain confirms or vetoes
// it. Evaluate is pure with respect to engine state, so the same window always
// yields the same signal.
type StrategyEngine struct {
	cfg     config.Strategy
	filters []Filter
	logger  *zap.Logger

	timeNow func() time.Time
}

func NewStrategyEngine(cfg config.Strategy, logger *zap.Logger) *StrategyEngine {
	e := &StrategyEngine{
		cfg:     cfg,
		logger:  logger,
		timeNow: time.Now,
	}
	if cfg.Filters.RSI {
		e.filters = append(e.filters, &RSIFilter{
			Period:     cfg.RSIPeriod,
			Overbought: cfg.RSIOverbought,
			Oversold:   cfg.RSIOversold,
		})
	}
	if cfg.Filters.MACD {
		e.filters = append(e.filters, &MACDFilter{
			Fast:   cfg.MACDFast,
			Slow:   cfg.MACDSlow,
			Signal: cfg.MACDSignal,
		})
	}
	if cfg.Filters.ATR {
		e.filters = append(e.filters, &ATRFilter{
			Period: cfg.ATRPeriod,
			Floor:  cfg.ATRFloor,
		})
	}
	if cfg.Filters.Trend {
		e.filters = append(e.filters, &TrendFilter{
			ShortWindow: cfg.LongWindow,
			LongWindow:  cfg.LongWindow * 2,
		})
	}
	return e
}

// MinBars reports the smallest window Evaluate accepts.
func (e *StrategyEngine) MinBars() int {
	min := e.cfg.LongWindow + e.cfg.CrossoverLookback
	if e.cfg.Filters.Trend && e.cfg.LongWindow*2+1 > min {
		min = e.cfg.LongWindow*2 + 1
	}
	if e.cfg.Filters.MACD && e.cfg.MACDSlow+e.cfg.MACDSignal > min {
		min = e.cfg.MACDSlow + e.cfg.MACDSignal
	}
	if e.cfg.Filters.RSI && e.cfg.RSIPeriod+1 > min {
		min = e.cfg.RSIPeriod + 1
	}
	if e.cfg.Filters.ATR && e.cfg.ATRPeriod > min {
		min = e.cfg.ATRPeriod
	}
	return min
}

// Evaluate inspects the window for a short/long MA crossover inside the
// configured lookback and runs the filter chain over it. A window that cannot
// cover the longest lookback returns ErrInsufficientData. An exact tie between
// the averages is flat.
func (e *StrategyEngine) Evaluate(window []domain.Candle) (domain.Signal, error) {
	sig := domain.Signal{
		Direction:   domain.DirectionFlat,
		GeneratedAt: e.timeNow(),
	}
	if len(window) > 0 {
		sig.Symbol = window[0].Symbol
		sig.Timeframe = window[0].Timeframe
	}
	if len(window) < e.MinBars() {
		return sig, fmt.Errorf("%w: %d bars, need %d", domain.ErrInsufficientData, len(window), e.MinBars())
	}
	if err := domain.ValidateSeries(window); err != nil {
		return sig, err
	}

	closes := domain.Closes(window)
	short, err := ComputeSMA(closes, e.cfg.ShortWindow)
	if err != nil {
		return sig, err
	}
	long, err := ComputeSMA(closes, e.cfg.LongWindow)
	if err != nil {
		return sig, err
	}

	direction, crossBar := e.findCrossover(short, long)
	if direction == domain.DirectionFlat {
		return sig, nil
	}

	for _, f := range e.filters {
		ok, err := f.Confirm(window, direction)
		if err != nil {
			return sig, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
		if !ok {
			e.logger.Debug("signal vetoed",
				zap.String("symbol", sig.Symbol),
				zap.String("direction", string(direction)),
				zap.String("filter", f.Name()))
			return sig, nil
		}
		sig.Contributing = append(sig.Contributing, f.Name())
	}

	sig.Direction = direction
	sig.Strength = e.strength(short, long, closes)
	e.logger.Info("signal generated",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(direction)),
		zap.Int("cross_bar", crossBar),
		zap.Float64("strength", sig.Strength),
		zap.Strings("filters", sig.Contributing))
	return sig, nil
}

// findCrossover scans the last CrossoverLookback bar pairs, newest first, for
// the short average crossing the long one. A bar where the averages are exactly
// equal never counts as a cross on its own.
func (e *StrategyEngine) findCrossover(short, long []float64) (domain.Direction, int) {
	last := len(short) - 1
	first := last - e.cfg.CrossoverLookback + 1
	for i := last; i >= first; i-- {
		prevDiff := short[i-1] - long[i-1]
		currDiff := short[i] - long[i]
		if math.IsNaN(prevDiff) || math.IsNaN(currDiff) {
			break
		}
		if prevDiff <= 0 && currDiff > 0 {
			return domain.DirectionLong, i
		}
		if prevDiff >= 0 && currDiff < 0 {
			return domain.DirectionShort, i
		}
	}
	return domain.DirectionFlat, -1
}

// strength is the normalized separation of the averages on the latest bar,
// clamped to [0, 1]. Purely informational.
func (e *StrategyEngine) strength(short, long, closes []float64) float64 {
	last := len(closes) - 1
	if closes[last] == 0 {
		return 0
	}
	v := math.Abs(short[last]-long[last]) / closes[last] * 100
	return math.Min(v, 1.0)
}

// RSIFilter vetoes longs into overbought territory and shorts into oversold.
type RSIFilter struct {
	Period     int
	Overbought float64
	Oversold   float64
}

func (f *RSIFilter) Name() string { return "rsi" }

func (f *RSIFilter) Confirm(window []domain.Candle, direction domain.Direction) (bool, error) {
	series, err := ComputeRSI(domain.Closes(window), f.Period)
	if err != nil {
		return false, err
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return false, fmt.Errorf("%w: rsi not warm at %d bars", domain.ErrInsufficientData, len(window))
	}
	if direction == domain.DirectionLong {
		return v < f.Overbought, nil
	}
	return v > f.Oversold, nil
}

// MACDFilter requires the histogram sign to agree with the trade direction.
type MACDFilter struct {
	Fast, Slow, Signal int
}

func (f *MACDFilter) Name() string { return "macd" }

func (f *MACDFilter) Confirm(window []domain.Candle, direction domain.Direction) (bool, error) {
	_, _, hist, err := ComputeMACD(domain.Closes(window), f.Fast, f.Slow, f.Signal)
	if err != nil {
		return false, err
	}
	h := hist[len(hist)-1]
	if direction == domain.DirectionLong {
		return h > 0, nil
	}
	return h < 0, nil
}

// ATRFilter rejects entries when volatility is below the floor, where stop
// distances would collapse to noise.
type ATRFilter struct {
	Period int
	Floor  float64
}

func (f *ATRFilter) Name() string { return "atr" }

func (f *ATRFilter) Confirm(window []domain.Candle, _ domain.Direction) (bool, error) {
	series, err := ComputeATR(window, f.Period)
	if err != nil {
		return false, err
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return false, fmt.Errorf("%w: atr not warm at %d bars", domain.ErrInsufficientData, len(window))
	}
	return v >= f.Floor, nil
}

// TrendFilter confirms the trade agrees with the higher-order trend, measured
// by a pair of longer moving averages over the same window.
type TrendFilter struct {
	ShortWindow int
	LongWindow  int
}

func (f *TrendFilter) Name() string { return "trend" }

func (f *TrendFilter) Confirm(window []domain.Candle, direction domain.Direction) (bool, error) {
	closes := domain.Closes(window)
	short, err := ComputeSMA(closes, f.ShortWindow)
	if err != nil {
		return false, err
	}
	long, err := ComputeSMA(closes, f.LongWindow)
	if err != nil {
		return false, err
	}
	last := len(closes) - 1
	if math.IsNaN(short[last]) || math.IsNaN(long[last]) {
		return false, fmt.Errorf("%w: trend averages not warm at %d bars", domain.ErrInsufficientData, len(window))
	}
	if direction == domain.DirectionLong {
		return short[last] > long[last], nil
	}
	return short[last] < long[last], nil
}

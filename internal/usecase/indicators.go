package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/algo_trade_bot/internal/domain"
)

// Streaming indicators. Every type consumes one bar per Update call in O(1)
// and returns the value aligned with that bar, or NaN while warming up. The
// batch Compute* helpers below run the same state machines over a full slice,
// so a live bar-by-bar run and a backtest replay produce identical numbers.

// SMA is a simple moving average over the last period values.
type SMA struct {
	period int
	window []float64
	sum    float64
}

func NewSMA(period int) (*SMA, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: sma period %d", domain.ErrInvalidParameter, period)
	}
	return &SMA{period: period}, nil
}

func (s *SMA) Update(v float64) float64 {
	s.window = append(s.window, v)
	s.sum += v
	if len(s.window) > s.period {
		s.sum -= s.window[0]
		s.window = s.window[1:]
	}
	if len(s.window) < s.period {
		return math.NaN()
	}
	return s.sum / float64(s.period)
}

func (s *SMA) Ready() bool { return len(s.window) >= s.period }

// EMA is an exponential moving average seeded with the first value
// (pandas ewm adjust=False semantics, which the strategy numbers are
// calibrated against).
type EMA struct {
	mult   float64
	value  float64
	seeded bool
}

func NewEMA(period int) (*EMA, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: ema period %d", domain.ErrInvalidParameter, period)
	}
	return &EMA{mult: 2.0 / (float64(period) + 1.0)}, nil
}

func (e *EMA) Update(v float64) float64 {
	if !e.seeded {
		e.value = v
		e.seeded = true
		return e.value
	}
	e.value += (v - e.value) * e.mult
	return e.value
}

func (e *EMA) Ready() bool { return e.seeded }

// RSI implements Wilder's relative strength index: the first average gain and
// loss are simple means over the first period deltas, every later one is
// smoothed as (prev*(period-1) + current) / period.
type RSI struct {
	period           int
	prev             float64
	hasPrev          bool
	deltas           int
	sumGain, sumLoss float64
	avgGain, avgLoss float64
}

func NewRSI(period int) (*RSI, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: rsi period %d", domain.ErrInvalidParameter, period)
	}
	return &RSI{period: period}, nil
}

func (r *RSI) Update(closePrice float64) float64 {
	if !r.hasPrev {
		r.prev = closePrice
		r.hasPrev = true
		return math.NaN()
	}
	delta := closePrice - r.prev
	r.prev = closePrice

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	r.deltas++
	switch {
	case r.deltas < r.period:
		r.sumGain += gain
		r.sumLoss += loss
		return math.NaN()
	case r.deltas == r.period:
		r.sumGain += gain
		r.sumLoss += loss
		r.avgGain = r.sumGain / float64(r.period)
		r.avgLoss = r.sumLoss / float64(r.period)
	default:
		n := float64(r.period)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}

	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

func (r *RSI) Ready() bool { return r.deltas >= r.period }

// MACD produces the MACD line (fast EMA - slow EMA), its signal line and the
// histogram (line - signal).
type MACD struct {
	fast, slow, signal *EMA
}

func NewMACD(fastPeriod, slowPeriod, signalPeriod int) (*MACD, error) {
	if fastPeriod <= 0 || slowPeriod <= 0 || signalPeriod <= 0 {
		return nil, fmt.Errorf("%w: macd periods %d/%d/%d",
			domain.ErrInvalidParameter, fastPeriod, slowPeriod, signalPeriod)
	}
	if fastPeriod >= slowPeriod {
		return nil, fmt.Errorf("%w: macd fast period %d must be below slow period %d",
			domain.ErrInvalidParameter, fastPeriod, slowPeriod)
	}
	fast, _ := NewEMA(fastPeriod)
	slow, _ := NewEMA(slowPeriod)
	sig, _ := NewEMA(signalPeriod)
	return &MACD{fast: fast, slow: slow, signal: sig}, nil
}

func (m *MACD) Update(closePrice float64) (line, signal, histogram float64) {
	line = m.fast.Update(closePrice) - m.slow.Update(closePrice)
	signal = m.signal.Update(line)
	return line, signal, line - signal
}

// ATR is the average true range: a simple moving average over the last period
// true ranges. The first bar's true range is high-low since there is no
// previous close.
type ATR struct {
	period    int
	prevClose float64
	hasPrev   bool
	window    []float64
	sum       float64
}

func NewATR(period int) (*ATR, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: atr period %d", domain.ErrInvalidParameter, period)
	}
	return &ATR{period: period}, nil
}

func (a *ATR) Update(c domain.Candle) float64 {
	tr := c.High - c.Low
	if a.hasPrev {
		tr = math.Max(tr, math.Abs(c.High-a.prevClose))
		tr = math.Max(tr, math.Abs(c.Low-a.prevClose))
	}
	a.prevClose = c.Close
	a.hasPrev = true

	a.window = append(a.window, tr)
	a.sum += tr
	if len(a.window) > a.period {
		a.sum -= a.window[0]
		a.window = a.window[1:]
	}
	if len(a.window) < a.period {
		return math.NaN()
	}
	return a.sum / float64(a.period)
}

func (a *ATR) Ready() bool { return len(a.window) >= a.period }

// --- Batch helpers ---

// ComputeSMA returns the SMA series aligned 1:1 with values.
func ComputeSMA(values []float64, period int) ([]float64, error) {
	if period <= 0 || period > len(values) {
		return nil, fmt.Errorf("%w: sma period %d over %d values",
			domain.ErrInvalidParameter, period, len(values))
	}
	sma, _ := NewSMA(period)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = sma.Update(v)
	}
	return out, nil
}

// ComputeEMA returns the EMA series aligned 1:1 with values.
func ComputeEMA(values []float64, period int) ([]float64, error) {
	if period <= 0 || period > len(values) {
		return nil, fmt.Errorf("%w: ema period %d over %d values",
			domain.ErrInvalidParameter, period, len(values))
	}
	ema, _ := NewEMA(period)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = ema.Update(v)
	}
	return out, nil
}

// ComputeRSI returns the Wilder RSI series aligned 1:1 with values.
func ComputeRSI(values []float64, period int) ([]float64, error) {
	if period <= 0 || period >= len(values) {
		return nil, fmt.Errorf("%w: rsi period %d over %d values",
			domain.ErrInvalidParameter, period, len(values))
	}
	rsi, _ := NewRSI(period)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = rsi.Update(v)
	}
	return out, nil
}

// ComputeMACD returns the MACD line, signal and histogram series.
func ComputeMACD(values []float64, fast, slow, signal int) (line, sig, hist []float64, err error) {
	if slow > len(values) {
		return nil, nil, nil, fmt.Errorf("%w: macd slow period %d over %d values",
			domain.ErrInvalidParameter, slow, len(values))
	}
	m, err := NewMACD(fast, slow, signal)
	if err != nil {
		return nil, nil, nil, err
	}
	line = make([]float64, len(values))
	sig = make([]float64, len(values))
	hist = make([]float64, len(values))
	for i, v := range values {
		line[i], sig[i], hist[i] = m.Update(v)
	}
	return line, sig, hist, nil
}

// ComputeATR returns the ATR series aligned 1:1 with the candles.
func ComputeATR(series []domain.Candle, period int) ([]float64, error) {
	if period <= 0 || period > len(series) {
		return nil, fmt.Errorf("%w: atr period %d over %d candles",
			domain.ErrInvalidParameter, period, len(series))
	}
	atr, _ := NewATR(period)
	out := make([]float64, len(series))
	for i, c := range series {
		out[i] = atr.Update(c)
	}
	return out, nil
}

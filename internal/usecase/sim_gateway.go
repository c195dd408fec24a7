package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/algo_trade_bot/internal/domain"
)

// SlippageFunc models execution cost as an adverse price offset for a fill on
// the given bar. Must be deterministic so backtest runs are reproducible.
type SlippageFunc func(symbol string, bar domain.Candle) float64

// NoSlippage fills at the raw bar price.
func NoSlippage(string, domain.Candle) float64 { return 0 }

// FractionalSlippage returns a slippage model costing the given fraction of
// the fill price (e.g. 0.0001 for one basis point).
func FractionalSlippage(fraction float64) SlippageFunc {
	return func(_ string, bar domain.Candle) float64 {
		return bar.Open * fraction
	}
}

// SimGateway replays a historical candle series behind the domain.Gateway
// interface. GetCandles only ever exposes bars up to the cursor, and entries
// fill at the open of the bar after the cursor, so a strategy evaluated on
// bar i can never act on information from bar i+1.
type SimGateway struct {
	mu      sync.Mutex
	series  map[string][]domain.Candle
	cursor  map[string]int
	dirs    map[string]domain.Direction
	slip    SlippageFunc
	offline bool

	// FailSubmits makes the next N SubmitOrder calls fail, for exercising the
	// retry path.
	FailSubmits int
}

func NewSimGateway(slip SlippageFunc) *SimGateway {
	if slip == nil {
		slip = NoSlippage
	}
	return &SimGateway{
		series: make(map[string][]domain.Candle),
		cursor: make(map[string]int),
		dirs:   make(map[string]domain.Direction),
		slip:   slip,
	}
}

// LoadSeries installs the historical bars for a symbol and rewinds the cursor.
func (g *SimGateway) LoadSeries(symbol string, series []domain.Candle) error {
	if err := domain.ValidateSeries(series); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.series[symbol] = series
	g.cursor[symbol] = 0
	return nil
}

// SetCursor positions the replay at bar index i.
func (g *SimGateway) SetCursor(symbol string, i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursor[symbol] = i
}

// SetOffline toggles the simulated connection state.
func (g *SimGateway) SetOffline(offline bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offline = offline
}

func (g *SimGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.offline
}

// GetCandles returns up to limit bars ending at the cursor.
func (g *SimGateway) GetCandles(_ context.Context, symbol, _ string, limit int) ([]domain.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	series, ok := g.series[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no data for %s", domain.ErrGatewayRejected, symbol)
	}
	end := g.cursor[symbol] + 1
	if end > len(series) {
		end = len(series)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Candle, end-start)
	copy(out, series[start:end])
	return out, nil
}

// SubmitOrder fills at the open of the bar after the cursor, shifted against
// the trade by the slippage model. Submitting on the last bar is rejected.
func (g *SimGateway) SubmitOrder(_ context.Context, req *domain.OrderRequest) (*domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offline {
		return nil, domain.ErrConnectionLost
	}
	if g.FailSubmits > 0 {
		g.FailSubmits--
		return nil, fmt.Errorf("%w: simulated submit failure", domain.ErrGatewayTimeout)
	}
	series := g.series[req.Symbol]
	next := g.cursor[req.Symbol] + 1
	if next >= len(series) {
		return nil, fmt.Errorf("%w: no bar to fill on", domain.ErrGatewayRejected)
	}
	bar := series[next]
	price := bar.Open
	if req.Direction == domain.DirectionLong {
		price += g.slip(req.Symbol, bar)
	} else {
		price -= g.slip(req.Symbol, bar)
	}
	g.dirs[req.Symbol] = req.Direction
	return &domain.Fill{Price: price, Time: bar.OpenTime}, nil
}

// ClosePosition fills at the close of the cursor bar, the price the exit rule
// was evaluated against.
func (g *SimGateway) ClosePosition(_ context.Context, positionID string) (*domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offline {
		return nil, domain.ErrConnectionLost
	}
	symbol := symbolFromPositionID(positionID)
	series, ok := g.series[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: unknown position %s", domain.ErrGatewayRejected, positionID)
	}
	bar := series[g.cursor[symbol]]
	return &domain.Fill{Price: bar.Close, Time: bar.OpenTime}, nil
}

// symbolFromPositionID strips the sequence suffix from a "SYMBOL-000042" id.
func symbolFromPositionID(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			return id[:i]
		}
	}
	return id
}

// CaptureSink is an in-memory ReportingSink used by backtests and tests.
type CaptureSink struct {
	mu        sync.Mutex
	Records   []domain.TradeRecord
	Snapshots []domain.RiskBudget
}

func (s *CaptureSink) SaveTradeRecord(_ context.Context, record *domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, *record)
	return nil
}

func (s *CaptureSink) SaveBudgetSnapshot(_ context.Context, snapshot *domain.RiskBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Snapshots = append(s.Snapshots, *snapshot)
	return nil
}

// Trades returns a copy of the captured trade records.
func (s *CaptureSink) Trades() []domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TradeRecord, len(s.Records))
	copy(out, s.Records)
	return out
}

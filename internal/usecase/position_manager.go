package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

const entryBackoffBase = 500 * time.Millisecond

// PositionManager owns the full lifecycle of every position: pending on order
// submission, open on fill, closing while the exit is in flight, closed as the
// terminal state. All transitions for one symbol run under that symbol's lock,
// so concurrent evaluation of different symbols never serializes but one
// position can never take two transitions at once. Mutations of tracked
// position fields additionally take the tracking mutex, so OpenPositions and
// HasOpen can read concurrently with a transition on another goroutine.
type PositionManager struct {
	gateway gateway
	sink    domain.ReportingSink
	risk    *RiskManager
	cfg     config.Position
	gwCfg   config.GatewayConfig

	pointValue float64

	mu           sync.Mutex
	symbolLocks  map[string]*sync.Mutex
	positions    map[string]*domain.Position
	initialStops map[string]float64
	seq          int64

	// onFatal is invoked when an entry cannot be confirmed after every retry.
	// The engine wires it to the scheduler's suspend.
	onFatal func(reason string)

	logger  *zap.Logger
	timeNow func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// gateway is the slice of domain.Gateway the position manager uses.
type gateway interface {
	SubmitOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Fill, error)
	ClosePosition(ctx context.Context, positionID string) (*domain.Fill, error)
}

func NewPositionManager(gw domain.Gateway, sink domain.ReportingSink, risk *RiskManager,
	cfg config.Position, gwCfg config.GatewayConfig, pointValue float64, logger *zap.Logger) *PositionManager {
	return &PositionManager{
		gateway:      gw,
		sink:         sink,
		risk:         risk,
		cfg:          cfg,
		gwCfg:        gwCfg,
		pointValue:   pointValue,
		symbolLocks:  make(map[string]*sync.Mutex),
		positions:    make(map[string]*domain.Position),
		initialStops: make(map[string]float64),
		onFatal:      func(string) {},
		logger:       logger,
		timeNow:      time.Now,
		sleep:        sleepCtx,
	}
}

// SetFatalHandler registers the callback for unrecoverable entry failures.
func (p *PositionManager) SetFatalHandler(fn func(reason string)) {
	if fn != nil {
		p.onFatal = fn
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *PositionManager) symbolLock(symbol string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		p.symbolLocks[symbol] = l
	}
	return l
}

func (p *PositionManager) nextID(symbol string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("%s-%06d", symbol, p.seq)
}

// OpenPosition submits the approved order and drives the position from
// pending to open. The submission is retried with exponential backoff up to
// the configured attempt count; when every attempt fails the position is torn
// down as entry_failed, its risk reservation is released, no trade record is
// written, and the fatal handler fires.
//
// A second position on a symbol that already has a live one is an invariant
// violation under the "ignore" duplicate policy. Under "merge" the fill is
// folded into the existing position instead: volume-weighted entry, summed
// volume and risk.
func (p *PositionManager) OpenPosition(ctx context.Context, req *domain.OrderRequest) (*domain.Position, error) {
	lock := p.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	existing := p.liveForSymbol(req.Symbol)
	if existing != nil && p.cfg.OnDuplicateSignal != "merge" {
		p.risk.Release(req.RiskAmount)
		return nil, fmt.Errorf("%w: position %s already live for %s",
			domain.ErrInvariantViolation, existing.ID, req.Symbol)
	}

	pos := &domain.Position{
		ID:               p.nextID(req.Symbol),
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		Volume:           req.Volume,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		TrailingDistance: p.cfg.TrailingDistance,
		RiskAmount:       req.RiskAmount,
		Status:           domain.StatusPending,
	}
	p.track(pos)

	fill, err := p.submitWithRetry(ctx, req)
	if err != nil {
		p.mu.Lock()
		pos.Status = domain.StatusClosed
		pos.CloseReason = domain.CloseReasonEntryFailed
		p.mu.Unlock()
		p.untrack(pos.ID)
		p.risk.Release(req.RiskAmount)
		p.logger.Error("entry failed, position torn down",
			zap.String("position_id", pos.ID),
			zap.String("symbol", req.Symbol),
			zap.Error(err))
		p.onFatal(fmt.Sprintf("entry failed for %s: %v", req.Symbol, err))
		return nil, err
	}

	if existing != nil {
		// Merge policy: fold the fill into the live position. The approval
		// reserved a second position slot that the merged fill never occupies,
		// so hand the slot back while the summed risk stays reserved until the
		// merged position closes.
		p.untrack(pos.ID)
		p.mu.Lock()
		total := existing.Volume + req.Volume
		existing.EntryPrice = (existing.EntryPrice*existing.Volume + fill.Price*req.Volume) / total
		existing.Volume = total
		existing.RiskAmount += req.RiskAmount
		p.mu.Unlock()
		p.risk.ReleaseSlot()
		p.logger.Info("position merged",
			zap.String("position_id", existing.ID),
			zap.Float64("volume", existing.Volume),
			zap.Float64("entry_price", existing.EntryPrice))
		return existing, nil
	}

	p.mu.Lock()
	pos.EntryPrice = fill.Price
	pos.OpenedAt = fill.Time
	pos.Status = domain.StatusOpen
	p.mu.Unlock()
	p.logger.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("volume", pos.Volume),
		zap.Float64("stop_loss", pos.StopLoss),
		zap.Float64("take_profit", pos.TakeProfit))
	return pos, nil
}

func (p *PositionManager) submitWithRetry(ctx context.Context, req *domain.OrderRequest) (*domain.Fill, error) {
	timeout := time.Duration(p.gwCfg.OrderTimeoutSec) * time.Second
	var lastErr error
	for attempt := 1; attempt <= p.gwCfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		fill, err := p.gateway.SubmitOrder(callCtx, req)
		cancel()
		if err == nil {
			return fill, nil
		}
		lastErr = err
		ObserveGatewayError("submit_order")
		p.logger.Warn("order submission failed",
			zap.String("symbol", req.Symbol),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < p.gwCfg.MaxRetries {
			if err := p.sleep(ctx, entryBackoffBase<<(attempt-1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("order not confirmed after %d attempts: %w", p.gwCfg.MaxRetries, lastErr)
}

func (p *PositionManager) closeWithRetry(ctx context.Context, positionID string) (*domain.Fill, error) {
	timeout := time.Duration(p.gwCfg.OrderTimeoutSec) * time.Second
	var lastErr error
	for attempt := 1; attempt <= p.gwCfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		fill, err := p.gateway.ClosePosition(callCtx, positionID)
		cancel()
		if err == nil {
			return fill, nil
		}
		lastErr = err
		ObserveGatewayError("close_position")
		p.logger.Warn("close submission failed",
			zap.String("position_id", positionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < p.gwCfg.MaxRetries {
			if err := p.sleep(ctx, entryBackoffBase<<(attempt-1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("close not confirmed after %d attempts: %w", p.gwCfg.MaxRetries, lastErr)
}

// EvaluateOpenPosition applies the trailing-stop ratchet and the exit rules to
// the symbol's live position against the latest closed bar. The ratchet stays
// disarmed until price is in profit by at least the trailing distance, and the
// stop only ever tightens. Returns the trade record when the bar triggered an
// exit, nil otherwise.
func (p *PositionManager) EvaluateOpenPosition(ctx context.Context, symbol string, bar domain.Candle) (*domain.TradeRecord, error) {
	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	pos := p.liveForSymbol(symbol)
	if pos == nil || pos.Status != domain.StatusOpen {
		return nil, nil
	}

	trailed := false
	if pos.TrailingDistance > 0 && inProfitBy(pos, bar.Close, pos.TrailingDistance) {
		p.mu.Lock()
		if pos.Direction == domain.DirectionLong {
			if candidate := bar.Close - pos.TrailingDistance; candidate > pos.StopLoss {
				pos.StopLoss = candidate
				trailed = true
			}
		} else {
			if candidate := bar.Close + pos.TrailingDistance; candidate < pos.StopLoss {
				pos.StopLoss = candidate
				trailed = true
			}
		}
		p.mu.Unlock()
		if trailed {
			p.logger.Debug("trailing stop advanced",
				zap.String("position_id", pos.ID),
				zap.Float64("stop_loss", pos.StopLoss))
		}
	}

	reason := p.exitReason(pos, bar.Close)
	if reason == "" {
		return nil, nil
	}
	return p.closeLocked(ctx, pos, reason)
}

// inProfitBy reports whether price has moved at least dist in the position's
// favor from the entry.
func inProfitBy(pos *domain.Position, price, dist float64) bool {
	if pos.Direction == domain.DirectionLong {
		return price-pos.EntryPrice >= dist
	}
	return pos.EntryPrice-price >= dist
}

// exitReason returns the close reason triggered by price, or "".
func (p *PositionManager) exitReason(pos *domain.Position, price float64) string {
	stopHit := (pos.Direction == domain.DirectionLong && price <= pos.StopLoss) ||
		(pos.Direction == domain.DirectionShort && price >= pos.StopLoss)
	if stopHit {
		if pos.TrailingDistance > 0 && p.stopMoved(pos) {
			return domain.CloseReasonTrailingStop
		}
		return domain.CloseReasonStopLoss
	}
	tpHit := (pos.Direction == domain.DirectionLong && price >= pos.TakeProfit) ||
		(pos.Direction == domain.DirectionShort && price <= pos.TakeProfit)
	if tpHit {
		return domain.CloseReasonTakeProfit
	}
	return ""
}

func (p *PositionManager) stopMoved(pos *domain.Position) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	initial, ok := p.initialStops[pos.ID]
	return ok && initial != pos.StopLoss
}

// ClosePosition closes the identified position with the given reason. Closing
// an already closed or unknown position is a no-op, so retried exits and
// overlapping emergency stops produce exactly one trade record.
func (p *PositionManager) ClosePosition(ctx context.Context, positionID, reason string) (*domain.TradeRecord, error) {
	p.mu.Lock()
	pos, ok := p.positions[positionID]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}

	lock := p.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()
	return p.closeLocked(ctx, pos, reason)
}

// closeLocked performs the closing -> closed transition. Caller holds the
// symbol lock.
func (p *PositionManager) closeLocked(ctx context.Context, pos *domain.Position, reason string) (*domain.TradeRecord, error) {
	if pos.Status == domain.StatusClosed || pos.Status == domain.StatusClosing {
		return nil, nil
	}
	p.mu.Lock()
	pos.Status = domain.StatusClosing
	p.mu.Unlock()

	fill, err := p.closeWithRetry(ctx, pos.ID)
	if err != nil {
		// Back to open so a later cycle can retry the exit.
		p.mu.Lock()
		pos.Status = domain.StatusOpen
		p.mu.Unlock()
		p.logger.Error("close failed after retries",
			zap.String("position_id", pos.ID), zap.Error(err))
		p.onFatal(fmt.Sprintf("close failed for %s: %v", pos.ID, err))
		return nil, fmt.Errorf("close %s: %w", pos.ID, err)
	}

	p.mu.Lock()
	pos.Status = domain.StatusClosed
	pos.CloseReason = reason
	p.mu.Unlock()
	p.untrack(pos.ID)

	profit := (fill.Price - pos.EntryPrice) * pos.Volume * p.pointValue
	if pos.Direction == domain.DirectionShort {
		profit = -profit
	}

	record := &domain.TradeRecord{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		EntryTime:  pos.OpenedAt,
		ExitPrice:  fill.Price,
		ExitTime:   fill.Time,
		Volume:     pos.Volume,
		Profit:     profit,
		ExitReason: reason,
	}

	p.risk.RecordTradeResult(profit)
	p.risk.Release(pos.RiskAmount)
	ObserveTrade(pos.Symbol, reason)

	if p.sink != nil {
		if err := p.sink.SaveTradeRecord(ctx, record); err != nil {
			p.logger.Error("trade record not persisted",
				zap.String("position_id", pos.ID), zap.Error(err))
		}
	}

	p.logger.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit_price", fill.Price),
		zap.Float64("profit", profit))
	return record, nil
}

// CloseAll closes every live position with the given reason and returns the
// records of the ones that closed. Used for session-end flattening and the
// emergency stop. Failures on one symbol do not stop the sweep.
func (p *PositionManager) CloseAll(ctx context.Context, reason string) []*domain.TradeRecord {
	var records []*domain.TradeRecord
	for _, pos := range p.OpenPositions() {
		record, err := p.ClosePosition(ctx, pos.ID, reason)
		if err != nil {
			p.logger.Error("close failed during sweep",
				zap.String("position_id", pos.ID),
				zap.String("reason", reason),
				zap.Error(err))
			continue
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records
}

// OpenPositions returns copies of every position not yet closed.
func (p *PositionManager) OpenPositions() []domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out
}

// HasOpen reports whether the symbol has a position that is not closed.
func (p *PositionManager) HasOpen(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		if pos.Symbol == symbol {
			return true
		}
	}
	return false
}

// liveForSymbol returns the tracked position for symbol, or nil. Callers hold
// the symbol lock.
func (p *PositionManager) liveForSymbol(symbol string) *domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		if pos.Symbol == symbol {
			return pos
		}
	}
	return nil
}

func (p *PositionManager) track(pos *domain.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.ID] = pos
	p.initialStops[pos.ID] = pos.StopLoss
	SetOpenPositions(len(p.positions))
}

func (p *PositionManager) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, id)
	delete(p.initialStops, id)
	SetOpenPositions(len(p.positions))
}

package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

// SQLiteStore persists closed trades and risk-budget snapshots. It implements
// domain.ReportingSink.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trade_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_price REAL NOT NULL,
			exit_time DATETIME NOT NULL,
			volume REAL NOT NULL,
			profit REAL NOT NULL,
			exit_reason TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol ON trade_records(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_exit_time ON trade_records(exit_time);`,
		`CREATE TABLE IF NOT EXISTS budget_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			day DATETIME NOT NULL,
			daily_loss_used REAL NOT NULL,
			daily_loss_limit REAL NOT NULL,
			open_positions INTEGER NOT NULL,
			max_positions INTEGER NOT NULL,
			portfolio_risk_used REAL NOT NULL,
			portfolio_risk_limit REAL NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func (s *SQLiteStore) SaveTradeRecord(ctx context.Context, r *domain.TradeRecord) error {
	query := `INSERT INTO trade_records (position_id, symbol, direction, entry_price, entry_time, exit_price, exit_time, volume, profit, exit_reason)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.PositionID, r.Symbol, string(r.Direction), r.EntryPrice, r.EntryTime,
		r.ExitPrice, r.ExitTime, r.Volume, r.Profit, r.ExitReason)
	return err
}

func (s *SQLiteStore) SaveBudgetSnapshot(ctx context.Context, b *domain.RiskBudget) error {
	query := `INSERT INTO budget_snapshots (day, daily_loss_used, daily_loss_limit, open_positions, max_positions, portfolio_risk_used, portfolio_risk_limit)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		b.Day, b.DailyLossUsed, b.DailyLossLimit, b.OpenPositions, b.MaxPositions,
		b.PortfolioRiskUsed, b.PortfolioRiskLimit)
	return err
}

func (s *SQLiteStore) ListTradeRecords(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT position_id, symbol, direction, entry_price, entry_time, exit_price, exit_time, volume, profit, exit_reason
			  FROM trade_records`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY exit_time DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var direction string
		if err := rows.Scan(&r.PositionID, &r.Symbol, &direction, &r.EntryPrice, &r.EntryTime,
			&r.ExitPrice, &r.ExitTime, &r.Volume, &r.Profit, &r.ExitReason); err != nil {
			return nil, err
		}
		r.Direction = domain.Direction(direction)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// DailyProfit returns the summed realized profit for trades exited on the
// given day, for reconciliation against the risk manager's counters.
func (s *SQLiteStore) DailyProfit(ctx context.Context, day string) (float64, error) {
	query := `SELECT COALESCE(SUM(profit), 0) FROM trade_records WHERE DATE(exit_time) = ?`
	var total float64
	err := s.db.QueryRowContext(ctx, query, day).Scan(&total)
	return total, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

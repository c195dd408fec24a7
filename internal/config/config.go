package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vitos/algo_trade_bot/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the trading engine. Invalid
// combinations fail fast in Validate, before any component is wired.
type Config struct {
	Symbols      []string      `yaml:"symbols"`
	Timeframe    string        `yaml:"timeframe"`
	TradingHours TradingHours  `yaml:"trading_hours"`
	Account      Account       `yaml:"account"`
	Risk         Risk          `yaml:"risk"`
	Strategy     Strategy      `yaml:"strategy"`
	Position     Position      `yaml:"position"`
	Scheduler    Scheduler     `yaml:"scheduler"`
	Gateway      GatewayConfig `yaml:"gateway"`
	Storage      Storage       `yaml:"storage"`
	Logging      Logging       `yaml:"logging"`
	Metrics      Metrics       `yaml:"metrics"`
}

// TradingHours is the session window. Start/End are "HH:MM" in Timezone;
// windows crossing midnight (start > end) are allowed.
type TradingHours struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

// Account holds sizing inputs that do not come from the gateway.
type Account struct {
	InitialEquity float64 `yaml:"initial_equity"`
	// PointValue converts a price move of 1.0 on one lot into account
	// currency (100000 for standard FX lots).
	PointValue float64 `yaml:"point_value"`
}

type Risk struct {
	// MaxDailyLoss, MaxRiskPerTrade and MaxPortfolioRisk are fractions of
	// account equity.
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MaxPositions     int     `yaml:"max_positions"`
	MaxRiskPerTrade  float64 `yaml:"max_risk_per_trade"`
	MaxPortfolioRisk float64 `yaml:"max_portfolio_risk"`
	// StopLossATRMult places the stop at entry -/+ k*ATR. TakeProfitRatio
	// sets the target at that distance times the ratio.
	StopLossATRMult float64 `yaml:"stop_loss_atr_mult"`
	TakeProfitRatio float64 `yaml:"take_profit_ratio"`
	// CircuitBreakerLosses suspends entries after this many consecutive
	// losing trades. Zero disables the breaker.
	CircuitBreakerLosses int `yaml:"circuit_breaker_losses"`
}

type Strategy struct {
	ShortWindow       int     `yaml:"short_window"`
	LongWindow        int     `yaml:"long_window"`
	CrossoverLookback int     `yaml:"crossover_lookback"`
	RSIPeriod         int     `yaml:"rsi_period"`
	RSIOverbought     float64 `yaml:"rsi_overbought"`
	RSIOversold       float64 `yaml:"rsi_oversold"`
	MACDFast          int     `yaml:"macd_fast"`
	MACDSlow          int     `yaml:"macd_slow"`
	MACDSignal        int     `yaml:"macd_signal"`
	ATRPeriod         int     `yaml:"atr_period"`
	ATRFloor          float64 `yaml:"atr_floor"`
	Filters           Filters `yaml:"filters"`
}

type Filters struct {
	RSI   bool `yaml:"rsi"`
	MACD  bool `yaml:"macd"`
	ATR   bool `yaml:"atr"`
	Trend bool `yaml:"trend"`
}

type Position struct {
	LotStep          float64 `yaml:"lot_step"`
	MinLot           float64 `yaml:"min_lot"`
	TrailingDistance float64 `yaml:"trailing_stop_distance"` // price units, 0 disables
	// OnDuplicateSignal decides what happens when a signal arrives for a
	// symbol that already has an open position: "ignore" or "merge".
	OnDuplicateSignal string `yaml:"on_duplicate_signal"`
}

type Scheduler struct {
	TickIntervalMs      int  `yaml:"tick_interval_ms"`
	FlattenAtSessionEnd bool `yaml:"flatten_at_session_end"`
	AutoResume          bool `yaml:"auto_resume"`
}

type GatewayConfig struct {
	RESTEndpoint       string `yaml:"rest_endpoint"`
	WSEndpoint         string `yaml:"ws_endpoint"`
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	OrderTimeoutSec    int    `yaml:"order_timeout_sec"`
	MaxRetries         int    `yaml:"max_retries"`
	ConnectionGraceSec int    `yaml:"connection_grace_sec"`
	HistoryBars        int    `yaml:"history_bars"`
}

type Storage struct {
	Path string `yaml:"path"`
}

type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration pre-filled with the engine defaults.
// Loaded files override only the keys they set.
func Default() *Config {
	return &Config{
		Timeframe: "60",
		TradingHours: TradingHours{
			Start:    "00:00",
			End:      "23:59",
			Timezone: "UTC",
		},
		Account: Account{
			InitialEquity: 10000,
			PointValue:    100000,
		},
		Risk: Risk{
			MaxDailyLoss:     0.05,
			MaxPositions:     5,
			MaxRiskPerTrade:  0.02,
			MaxPortfolioRisk: 0.06,
			StopLossATRMult:  2.0,
			TakeProfitRatio:  2.0,
		},
		Strategy: Strategy{
			ShortWindow:       10,
			LongWindow:        30,
			CrossoverLookback: 3,
			RSIPeriod:         14,
			RSIOverbought:     70,
			RSIOversold:       30,
			MACDFast:          12,
			MACDSlow:          26,
			MACDSignal:        9,
			ATRPeriod:         14,
		},
		Position: Position{
			LotStep:           0.01,
			MinLot:            0.01,
			OnDuplicateSignal: "ignore",
		},
		Scheduler: Scheduler{
			TickIntervalMs:      1000,
			FlattenAtSessionEnd: true,
		},
		Gateway: GatewayConfig{
			OrderTimeoutSec:    30,
			MaxRetries:         3,
			ConnectionGraceSec: 60,
			HistoryBars:        300,
		},
		Storage: Storage{Path: "bot.db"},
		Logging: Logging{Level: "info"},
	}
}

// Validate rejects invalid parameter combinations at load time.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: no symbols configured", domain.ErrInvalidParameter)
	}
	if c.Timeframe == "" {
		return fmt.Errorf("%w: timeframe is empty", domain.ErrInvalidParameter)
	}
	if _, err := time.LoadLocation(c.TradingHours.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidParameter, c.TradingHours.Timezone)
	}
	if _, err := parseClock(c.TradingHours.Start); err != nil {
		return fmt.Errorf("%w: trading_hours.start %q", domain.ErrInvalidParameter, c.TradingHours.Start)
	}
	if _, err := parseClock(c.TradingHours.End); err != nil {
		return fmt.Errorf("%w: trading_hours.end %q", domain.ErrInvalidParameter, c.TradingHours.End)
	}

	if c.Account.InitialEquity <= 0 {
		return fmt.Errorf("%w: initial_equity must be positive", domain.ErrInvalidParameter)
	}
	if c.Account.PointValue <= 0 {
		return fmt.Errorf("%w: point_value must be positive", domain.ErrInvalidParameter)
	}

	r := c.Risk
	if r.MaxRiskPerTrade <= 0 || r.MaxPortfolioRisk <= 0 || r.MaxDailyLoss <= 0 {
		return fmt.Errorf("%w: risk limits must be positive", domain.ErrInvalidParameter)
	}
	if r.MaxRiskPerTrade > r.MaxPortfolioRisk {
		return fmt.Errorf("%w: max_risk_per_trade %.4f exceeds max_portfolio_risk %.4f",
			domain.ErrInvalidParameter, r.MaxRiskPerTrade, r.MaxPortfolioRisk)
	}
	if r.MaxPositions <= 0 {
		return fmt.Errorf("%w: max_positions must be positive", domain.ErrInvalidParameter)
	}
	if r.StopLossATRMult <= 0 || r.TakeProfitRatio <= 0 {
		return fmt.Errorf("%w: stop_loss_atr_mult and take_profit_ratio must be positive", domain.ErrInvalidParameter)
	}

	s := c.Strategy
	if s.ShortWindow <= 0 || s.LongWindow <= 0 || s.RSIPeriod <= 0 || s.ATRPeriod <= 0 ||
		s.MACDFast <= 0 || s.MACDSlow <= 0 || s.MACDSignal <= 0 {
		return fmt.Errorf("%w: indicator periods must be positive", domain.ErrInvalidParameter)
	}
	if s.ShortWindow >= s.LongWindow {
		return fmt.Errorf("%w: short_window %d must be below long_window %d",
			domain.ErrInvalidParameter, s.ShortWindow, s.LongWindow)
	}
	if s.MACDFast >= s.MACDSlow {
		return fmt.Errorf("%w: macd_fast %d must be below macd_slow %d",
			domain.ErrInvalidParameter, s.MACDFast, s.MACDSlow)
	}
	if s.CrossoverLookback <= 0 {
		return fmt.Errorf("%w: crossover_lookback must be positive", domain.ErrInvalidParameter)
	}
	if s.RSIOversold >= s.RSIOverbought {
		return fmt.Errorf("%w: rsi_oversold must be below rsi_overbought", domain.ErrInvalidParameter)
	}

	p := c.Position
	if p.LotStep <= 0 || p.MinLot <= 0 {
		return fmt.Errorf("%w: lot_step and min_lot must be positive", domain.ErrInvalidParameter)
	}
	if p.TrailingDistance < 0 {
		return fmt.Errorf("%w: trailing_stop_distance cannot be negative", domain.ErrInvalidParameter)
	}
	switch p.OnDuplicateSignal {
	case "ignore", "merge":
	default:
		return fmt.Errorf("%w: on_duplicate_signal must be \"ignore\" or \"merge\", got %q",
			domain.ErrInvalidParameter, p.OnDuplicateSignal)
	}

	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("%w: tick_interval_ms must be positive", domain.ErrInvalidParameter)
	}
	if c.Gateway.OrderTimeoutSec <= 0 || c.Gateway.MaxRetries <= 0 || c.Gateway.HistoryBars <= 0 {
		return fmt.Errorf("%w: gateway timeouts, retries and history_bars must be positive", domain.ErrInvalidParameter)
	}
	return nil
}

// Location returns the parsed trading-hours timezone. Validate must have
// succeeded first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TradingHours.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SessionWindow returns the start and end of the trading window as minutes
// from midnight.
func (c *Config) SessionWindow() (start, end int) {
	start, _ = parseClock(c.TradingHours.Start)
	end, _ = parseClock(c.TradingHours.End)
	return start, end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/algo_trade_bot/internal/domain"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Symbols = []string{"EURUSD"}
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestMissingSymbolsRejected(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidParameter)
}

func TestInvalidCombinationsRejected(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short window above long", func(c *Config) { c.Strategy.ShortWindow = 40 }},
		{"macd fast above slow", func(c *Config) { c.Strategy.MACDFast = 30 }},
		{"per-trade risk above portfolio", func(c *Config) { c.Risk.MaxRiskPerTrade = 0.1 }},
		{"zero max positions", func(c *Config) { c.Risk.MaxPositions = 0 }},
		{"negative trailing distance", func(c *Config) { c.Position.TrailingDistance = -1 }},
		{"unknown duplicate policy", func(c *Config) { c.Position.OnDuplicateSignal = "stack" }},
		{"bad timezone", func(c *Config) { c.TradingHours.Timezone = "Mars/Olympus" }},
		{"bad clock", func(c *Config) { c.TradingHours.Start = "25:00" }},
		{"oversold above overbought", func(c *Config) { c.Strategy.RSIOversold = 80 }},
		{"zero tick interval", func(c *Config) { c.Scheduler.TickIntervalMs = 0 }},
		{"zero equity", func(c *Config) { c.Account.InitialEquity = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidParameter)
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	yaml := `
symbols: [EURUSD, GBPUSD]
timeframe: "15"
risk:
  max_daily_loss: 0.03
strategy:
  short_window: 5
trading_hours:
  start: "08:30"
  end: "16:30"
  timezone: "Europe/London"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, cfg.Symbols)
	assert.Equal(t, "15", cfg.Timeframe)
	assert.InDelta(t, 0.03, cfg.Risk.MaxDailyLoss, 1e-9)
	assert.Equal(t, 5, cfg.Strategy.ShortWindow)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30, cfg.Strategy.LongWindow)
	assert.InDelta(t, 0.02, cfg.Risk.MaxRiskPerTrade, 1e-9)

	start, end := cfg.SessionWindow()
	assert.Equal(t, 8*60+30, start)
	assert.Equal(t, 16*60+30, end)
	assert.Equal(t, "Europe/London", cfg.Location().String())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbols: [EURUSD]\ntimeframe: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

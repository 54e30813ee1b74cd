package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, DefaultMaxConcurrentSessions, cfg.MaxConcurrentSessions)
	assert.Equal(t, []int{500, 3000, 10000}, cfg.FeeTiers)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "GUSDC", cfg.QuoteToken)
	assert.Equal(t, 2*time.Second, cfg.QuoteTTL())

	det := cfg.Detector()
	assert.Equal(t, time.Hour, det.WindowAge)
	assert.Equal(t, 30*time.Minute, det.SignatureTTL)
	assert.Equal(t, 5, det.MinIntervalTrades)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "fafnir.yaml", `
data_dir: /var/lib/fafnir
quote_token: gusdc
tick_interval_ms: 5000
max_concurrent_sessions: 4
fee_tiers: [500, 3000]
risk:
  daily_loss_limit_usd: 25
  strategy_daily_loss_usd:
    arbitrage: 10
  max_trade_usd:
    arbitrage: 20
  max_slippage_bps: 150
  reset_hour: 6
  timezone: UTC
  cooldown_ms: 60000
  max_consecutive_losses: 3
paper:
  prices:
    - {base: GALA, quote: GUSDC, price: 0.02, tiers: [500, 3000]}
strategies:
  arbitrage:
    min_profit_bps: 75
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fafnir", cfg.DataDir)
	assert.Equal(t, "GUSDC", cfg.QuoteToken)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, []int{500, 3000}, cfg.FeeTiers)
	require.Len(t, cfg.Paper.Prices, 1)
	assert.Equal(t, []int{500, 3000}, cfg.Paper.Prices[0].Tiers)
	assert.EqualValues(t, 75, cfg.Strategies["arbitrage"]["min_profit_bps"])

	gate := cfg.RiskGate()
	assert.True(t, gate.DailyLossLimitUSD.Equal(decimal.NewFromInt(25)))
	assert.True(t, gate.StrategyDailyLossUSD["arbitrage"].Equal(decimal.NewFromInt(10)))
	assert.True(t, gate.MaxTradeUSD["arbitrage"].Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 150, gate.MaxSlippageBps)
	assert.Equal(t, 6, gate.ResetHour)
	assert.Equal(t, time.UTC, gate.Location)
	assert.Equal(t, time.Minute, gate.Cooldown)
	assert.Equal(t, 3, gate.MaxConsecutiveLosses)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("FAFNIR_TICK_INTERVAL_MS", "1000")
	t.Setenv("FAFNIR_RISK_DAILY_LOSS_LIMIT_USD", "7.5")

	path := writeConfig(t, "fafnir.json", `{"tick_interval_ms": 9000}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 7.5, cfg.Risk.DailyLossLimitUSD)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"tick", `{"tick_interval_ms": 0}`, "tick_interval_ms"},
		{"sessions", `{"max_concurrent_sessions": -1}`, "max_concurrent_sessions"},
		{"slippage", `{"risk": {"max_slippage_bps": 0}}`, "max_slippage_bps"},
		{"reset", `{"risk": {"reset_hour": 24}}`, "reset_hour"},
		{"timezone", `{"risk": {"timezone": "Mars/Olympus"}}`, "timezone"},
		{"jitter", `{"competition": {"min_amount_jitter": 0.3, "max_amount_jitter": 0.2}}`, "jitter"},
		{"redis", `{"quote_cache": {"redis_url": "http://localhost"}}`, "redis_url"},
		{"postgres", `{"postgres_url": "mysql://x"}`, "postgres_url"},
		{"paper live", `{"dry_run": false}`, "dry_run"},
		{"paper price", `{"paper": {"prices": [{"base": "GALA", "quote": "GUSDC", "price": 0}]}}`, "paper price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "c.json", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

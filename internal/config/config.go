// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
	"github.com/Yuphix/fafnir-sub000/internal/dex"
	"github.com/Yuphix/fafnir-sub000/internal/logger"
	"github.com/Yuphix/fafnir-sub000/internal/risk"
)

// EnvPrefix prefixes environment overrides, e.g. FAFNIR_RISK_DAILY_LOSS_LIMIT_USD.
const EnvPrefix = "FAFNIR"

type Config struct {
	DataDir         string `mapstructure:"data_dir"`
	Exchange        string `mapstructure:"exchange"`
	DryRun          bool   `mapstructure:"dry_run"`
	QuoteToken      string `mapstructure:"quote_token"`
	TokensFile      string `mapstructure:"tokens_file"`
	AssignmentsFile string `mapstructure:"assignments_file"`
	PostgresURL     string `mapstructure:"postgres_url"`
	MetricsAddr     string `mapstructure:"metrics_addr"`

	TickInterval          time.Duration `mapstructure:"-"`
	TickIntervalMS        int           `mapstructure:"tick_interval_ms"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	EventBufferSize       int           `mapstructure:"event_buffer_size"`

	FeeTiers     []int `mapstructure:"fee_tiers"`
	MinProfitBps int64 `mapstructure:"min_profit_bps"`
	RejectionLog bool  `mapstructure:"rejection_log"`

	Log         logger.Config     `mapstructure:"log"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Competition CompetitionConfig `mapstructure:"competition"`
	Market      MarketConfig      `mapstructure:"market"`
	QuoteCache  QuoteCacheConfig  `mapstructure:"quote_cache"`
	History     HistoryConfig     `mapstructure:"history"`
	Paper       PaperConfig       `mapstructure:"paper"`

	// Strategies overlays operator defaults per strategy id.
	Strategies map[string]map[string]interface{} `mapstructure:"strategies"`
}

type ExecutorConfig struct {
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	ConfirmTimeoutMS int `mapstructure:"confirm_timeout_ms"`
}

type RiskConfig struct {
	DailyLossLimitUSD    float64            `mapstructure:"daily_loss_limit_usd"`
	StrategyDailyLossUSD map[string]float64 `mapstructure:"strategy_daily_loss_usd"`
	DefaultMaxTradeUSD   float64            `mapstructure:"default_max_trade_usd"`
	MaxTradeUSD          map[string]float64 `mapstructure:"max_trade_usd"`
	MinTradeUSD          float64            `mapstructure:"min_trade_usd"`
	MaxSlippageBps       int                `mapstructure:"max_slippage_bps"`
	ResetHour            int                `mapstructure:"reset_hour"`
	Timezone             string             `mapstructure:"timezone"`
	MaxConsecutiveLosses int                `mapstructure:"max_consecutive_losses"`
	CooldownMS           int                `mapstructure:"cooldown_ms"`
}

type CompetitionConfig struct {
	WindowSize        int     `mapstructure:"window_size"`
	WindowAgeMS       int     `mapstructure:"window_age_ms"`
	SignatureTTLMS    int     `mapstructure:"signature_ttl_ms"`
	Threshold         int     `mapstructure:"threshold"`
	MinIntervalTrades int     `mapstructure:"min_interval_trades"`
	BaseDelayMS       int     `mapstructure:"base_delay_ms"`
	DelayJitterMS     int     `mapstructure:"delay_jitter_ms"`
	MinAmountJitter   float64 `mapstructure:"min_amount_jitter"`
	MaxAmountJitter   float64 `mapstructure:"max_amount_jitter"`
}

type MarketConfig struct {
	Tokens       []string `mapstructure:"tokens"`
	ProbeAmount  float64  `mapstructure:"probe_amount"`
	SeriesLength int      `mapstructure:"series_length"`
	FastPeriod   int      `mapstructure:"fast_period"`
	SlowPeriod   int      `mapstructure:"slow_period"`
	RSIPeriod    int      `mapstructure:"rsi_period"`
}

type QuoteCacheConfig struct {
	TTLMS    int    `mapstructure:"ttl_ms"`
	RedisURL string `mapstructure:"redis_url"`
}

type HistoryConfig struct {
	MaxRecords      int `mapstructure:"max_records"`
	FlushIntervalMS int `mapstructure:"flush_interval_ms"`
}

// PaperConfig seeds the in-memory exchange.
type PaperConfig struct {
	Prices  []PaperPrice `mapstructure:"prices"`
	WalkPct float64      `mapstructure:"walk_pct"`
}

type PaperPrice struct {
	Base  string  `mapstructure:"base"`
	Quote string  `mapstructure:"quote"`
	Price float64 `mapstructure:"price"`
	Tiers []int   `mapstructure:"tiers"`
}

const (
	DefaultTickIntervalMS        = 30_000
	DefaultMaxConcurrentSessions = 8
	DefaultQuoteTTLMS            = 2_000
)

func setDefaults(v *viper.Viper) {
	defaults := map[string]interface{}{
		"data_dir":                "data",
		"exchange":                dex.ExchangePaper,
		"dry_run":                 true,
		"quote_token":             "GUSDC",
		"tokens_file":             "",
		"assignments_file":        "",
		"postgres_url":            "",
		"metrics_addr":            "",
		"tick_interval_ms":        DefaultTickIntervalMS,
		"max_concurrent_sessions": DefaultMaxConcurrentSessions,
		"event_buffer_size":       256,
		"fee_tiers":               []int{500, 3000, 10000},
		"min_profit_bps":          50,
		"rejection_log":           false,

		"log.level":        "info",
		"log.development":  false,
		"log.color":        false,
		"log.file":         "",
		"log.max_size_mb":  50,
		"log.max_backups":  5,
		"log.max_age_days": 14,
		"log.compress":     true,

		"executor.max_concurrent":     1,
		"executor.confirm_timeout_ms": 60_000,

		"risk.daily_loss_limit_usd":   100.0,
		"risk.default_max_trade_usd":  50.0,
		"risk.min_trade_usd":          1.0,
		"risk.max_slippage_bps":       300,
		"risk.reset_hour":             0,
		"risk.timezone":               "Local",
		"risk.max_consecutive_losses": 0,
		"risk.cooldown_ms":            0,

		"competition.window_size":         100,
		"competition.window_age_ms":       3_600_000,
		"competition.signature_ttl_ms":    1_800_000,
		"competition.threshold":           3,
		"competition.min_interval_trades": 5,
		"competition.base_delay_ms":       2_000,
		"competition.delay_jitter_ms":     8_000,
		"competition.min_amount_jitter":   0.10,
		"competition.max_amount_jitter":   0.20,

		"market.tokens":        []string{"GALA"},
		"market.probe_amount":  1.0,
		"market.series_length": 200,
		"market.fast_period":   5,
		"market.slow_period":   20,
		"market.rsi_period":    14,

		"quote_cache.ttl_ms":    DefaultQuoteTTLMS,
		"quote_cache.redis_url": "",

		"history.max_records":       1000,
		"history.flush_interval_ms": 5_000,

		"paper.walk_pct": 0.0,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// LoadConfig reads path (JSON or YAML, chosen by extension), applies
// defaults and FAFNIR_* environment overrides and validates the result.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}

	cfg.QuoteToken = strings.ToUpper(strings.TrimSpace(cfg.QuoteToken))
	cfg.TickInterval = time.Duration(cfg.TickIntervalMS) * time.Millisecond

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DataDir != "", "data_dir is required")
	check(c.QuoteToken != "", "quote_token is required")
	check(c.TickIntervalMS > 0, "invalid tick_interval_ms %d", c.TickIntervalMS)
	check(c.MaxConcurrentSessions > 0, "invalid max_concurrent_sessions %d", c.MaxConcurrentSessions)
	check(len(c.FeeTiers) > 0, "fee_tiers must contain at least one tier")
	for _, tier := range c.FeeTiers {
		check(tier >= 0, "invalid fee tier %d", tier)
	}
	check(c.MinProfitBps >= 0, "invalid min_profit_bps %d", c.MinProfitBps)
	check(c.Executor.MaxConcurrent >= 0, "invalid executor.max_concurrent %d", c.Executor.MaxConcurrent)
	check(!strings.EqualFold(c.Exchange, dex.ExchangePaper) || c.DryRun, "exchange %q only runs with dry_run", c.Exchange)

	r := c.Risk
	check(r.DailyLossLimitUSD >= 0, "invalid risk.daily_loss_limit_usd %v", r.DailyLossLimitUSD)
	check(r.MaxSlippageBps > 0 && r.MaxSlippageBps < 10_000, "invalid risk.max_slippage_bps %d", r.MaxSlippageBps)
	check(r.ResetHour >= 0 && r.ResetHour < 24, "invalid risk.reset_hour %d", r.ResetHour)
	check(r.MaxConsecutiveLosses >= 0, "invalid risk.max_consecutive_losses %d", r.MaxConsecutiveLosses)
	if _, err := c.location(); err != nil {
		errs = append(errs, err)
	}

	cm := c.Competition
	check(cm.MinAmountJitter >= 0 && cm.MinAmountJitter <= cm.MaxAmountJitter && cm.MaxAmountJitter < 1,
		"invalid competition amount jitter [%v, %v]", cm.MinAmountJitter, cm.MaxAmountJitter)

	if c.QuoteCache.RedisURL != "" {
		if u, err := url.Parse(c.QuoteCache.RedisURL); err != nil || !strings.HasPrefix(u.Scheme, "redis") {
			errs = append(errs, errors.New("quote_cache.redis_url must be a redis:// or rediss:// URL"))
		}
	}
	if c.PostgresURL != "" {
		if u, err := url.Parse(c.PostgresURL); err != nil || !strings.HasPrefix(u.Scheme, "postgres") {
			errs = append(errs, errors.New("postgres_url must be a postgres:// URL"))
		}
	}
	for _, p := range c.Paper.Prices {
		check(p.Base != "" && p.Quote != "" && p.Price > 0, "invalid paper price %s/%s %v", p.Base, p.Quote, p.Price)
	}

	return errors.Join(errs...)
}

func (c *Config) location() (*time.Location, error) {
	switch c.Risk.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Risk.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid risk.timezone %q: %w", c.Risk.Timezone, err)
	}
	return loc, nil
}

func decimals(m map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// RiskGate converts the risk section into gate settings.
func (c *Config) RiskGate() risk.Config {
	loc, err := c.location()
	if err != nil {
		loc = time.Local
	}
	r := c.Risk
	return risk.Config{
		DailyLossLimitUSD:    decimal.NewFromFloat(r.DailyLossLimitUSD),
		StrategyDailyLossUSD: decimals(r.StrategyDailyLossUSD),
		MaxTradeUSD:          decimals(r.MaxTradeUSD),
		DefaultMaxTradeUSD:   decimal.NewFromFloat(r.DefaultMaxTradeUSD),
		MinTradeUSD:          decimal.NewFromFloat(r.MinTradeUSD),
		MaxSlippageBps:       r.MaxSlippageBps,
		ResetHour:            r.ResetHour,
		Location:             loc,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		Cooldown:             ms(r.CooldownMS),
	}
}

// Detector converts the competition section into detector settings.
func (c *Config) Detector() competition.Config {
	cm := c.Competition
	return competition.Config{
		WindowSize:        cm.WindowSize,
		WindowAge:         ms(cm.WindowAgeMS),
		SignatureTTL:      ms(cm.SignatureTTLMS),
		Threshold:         cm.Threshold,
		MinIntervalTrades: cm.MinIntervalTrades,
		BaseDelay:         ms(cm.BaseDelayMS),
		DelayJitter:       ms(cm.DelayJitterMS),
		MinAmountJitter:   cm.MinAmountJitter,
		MaxAmountJitter:   cm.MaxAmountJitter,
	}
}

// QuoteTTL is the quote cache lifetime.
func (c *Config) QuoteTTL() time.Duration {
	return ms(c.QuoteCache.TTLMS)
}

// ConfirmTimeout bounds each swap confirmation.
func (c *Config) ConfirmTimeout() time.Duration {
	return ms(c.Executor.ConfirmTimeoutMS)
}

// HistoryFlushInterval is how often trade logs reach disk.
func (c *Config) HistoryFlushInterval() time.Duration {
	return ms(c.History.FlushIntervalMS)
}

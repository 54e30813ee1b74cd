// internal/market/condition.go
package market

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Yuphix/fafnir-sub000/internal/dex"
)

// Trend is the direction of a token's recent price.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// TokenMarket is the per-token part of a Condition.
type TokenMarket struct {
	Price      float64   `json:"price"`
	ChangePct  float64   `json:"change_pct"`
	Volatility float64   `json:"volatility"`
	Trend      Trend     `json:"trend"`
	RSI        float64   `json:"rsi"`
	Series     []float64 `json:"-"`
}

// Label classifies the token's market regime.
func (t TokenMarket) Label() string {
	switch {
	case t.Volatility >= 2:
		return "volatile"
	case t.Trend == TrendUp:
		return "bullish"
	case t.Trend == TrendDown:
		return "bearish"
	default:
		return "ranging"
	}
}

// Condition is one market snapshot shared by every session in a tick.
// It is treated as immutable once published.
type Condition struct {
	Timestamp  time.Time              `json:"timestamp"`
	QuoteToken string                 `json:"quote_token"`
	Tokens     map[string]TokenMarket `json:"tokens"`
}

// Token returns the market data for symbol.
func (c Condition) Token(symbol string) (TokenMarket, bool) {
	if symbol == c.QuoteToken && symbol != "" {
		return TokenMarket{Price: 1, Trend: TrendSideways}, true
	}
	t, ok := c.Tokens[symbol]
	return t, ok
}

// Price returns the quoted price of symbol, or zero when unknown.
func (c Condition) Price(symbol string) float64 {
	t, _ := c.Token(symbol)
	return t.Price
}

// Quoter is the part of the opportunity finder the snapshotter needs.
type Quoter interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (dex.Quote, bool)
}

// Config tunes the snapshotter.
type Config struct {
	QuoteToken   string
	Tokens       []string
	ProbeAmount  decimal.Decimal
	SeriesLength int
	FastPeriod   int
	SlowPeriod   int
	RSIPeriod    int
}

// Snapshotter builds Conditions by probing each token against the quote
// token and keeps a bounded price series per token.
type Snapshotter struct {
	quoter Quoter
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	series map[string][]float64
	latest Condition
	now    func() time.Time
}

// NewSnapshotter creates a snapshotter.
func NewSnapshotter(q Quoter, cfg Config, logger *zap.Logger) *Snapshotter {
	if cfg.ProbeAmount.IsZero() {
		cfg.ProbeAmount = decimal.NewFromInt(1)
	}
	if cfg.SeriesLength <= 0 {
		cfg.SeriesLength = 200
	}
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 5
	}
	if cfg.SlowPeriod <= 0 {
		cfg.SlowPeriod = 20
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	return &Snapshotter{
		quoter: q,
		cfg:    cfg,
		logger: logger.Named("market"),
		series: make(map[string][]float64),
		now:    time.Now,
	}
}

// Snapshot quotes every configured token and returns the new Condition.
// Tokens without a quote keep their previous series and are left out.
func (s *Snapshotter) Snapshot(ctx context.Context) Condition {
	prices := make([]float64, len(s.cfg.Tokens))
	ok := make([]bool, len(s.cfg.Tokens))

	var g errgroup.Group
	for i, token := range s.cfg.Tokens {
		if token == s.cfg.QuoteToken {
			continue
		}
		g.Go(func() error {
			q, found := s.quoter.BestQuote(ctx, token, s.cfg.QuoteToken, s.cfg.ProbeAmount)
			if !found {
				return nil
			}
			prices[i], _ = q.OutAmount.Div(s.cfg.ProbeAmount).Float64()
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i, token := range s.cfg.Tokens {
		if token != s.cfg.QuoteToken && !ok[i] {
			s.logger.Debug("No quote for token", zap.String("token", token), zap.String("quote", s.cfg.QuoteToken))
		}
	}
	return s.record(prices, ok)
}

// Observe records externally obtained prices as a snapshot.
func (s *Snapshotter) Observe(prices map[string]float64) Condition {
	p := make([]float64, len(s.cfg.Tokens))
	ok := make([]bool, len(s.cfg.Tokens))
	for i, token := range s.cfg.Tokens {
		p[i], ok[i] = prices[token]
	}
	return s.record(p, ok)
}

func (s *Snapshotter) record(prices []float64, ok []bool) Condition {
	s.mu.Lock()
	defer s.mu.Unlock()

	cond := Condition{
		Timestamp:  s.now(),
		QuoteToken: s.cfg.QuoteToken,
		Tokens:     make(map[string]TokenMarket, len(s.cfg.Tokens)),
	}
	for i, token := range s.cfg.Tokens {
		if !ok[i] || prices[i] <= 0 || math.IsNaN(prices[i]) {
			continue
		}
		series := append(s.series[token], prices[i])
		if extra := len(series) - s.cfg.SeriesLength; extra > 0 {
			series = append([]float64(nil), series[extra:]...)
		}
		s.series[token] = series
		cond.Tokens[token] = s.analyze(series)
	}
	s.latest = cond
	return cond
}

func (s *Snapshotter) analyze(series []float64) TokenMarket {
	tm := TokenMarket{
		Price:  Last(series),
		Trend:  TrendSideways,
		Series: append([]float64(nil), series...),
	}
	if n := len(series); n >= 2 && series[n-2] != 0 {
		tm.ChangePct = (series[n-1] - series[n-2]) / series[n-2] * 100
	}
	tm.Volatility = Volatility(series, s.cfg.SlowPeriod)
	tm.RSI = Last(RSI(series, s.cfg.RSIPeriod))

	if len(series) >= s.cfg.SlowPeriod {
		fast := Last(SMA(series, s.cfg.FastPeriod))
		slow := Last(SMA(series, s.cfg.SlowPeriod))
		switch {
		case fast > slow*1.001:
			tm.Trend = TrendUp
		case fast < slow*0.999:
			tm.Trend = TrendDown
		}
	}
	return tm
}

// Latest returns the most recent snapshot.
func (s *Snapshotter) Latest() Condition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

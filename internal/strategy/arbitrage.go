// internal/strategy/arbitrage.go
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/executor"
	"github.com/Yuphix/fafnir-sub000/internal/market"
	"github.com/Yuphix/fafnir-sub000/internal/opportunity"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

type arbitrageConfig struct {
	Common        `mapstructure:",squash"`
	Pairs         []string        `mapstructure:"pairs"`
	TradeAmount   decimal.Decimal `mapstructure:"trade_amount"`
	MinProfitBps  int64           `mapstructure:"min_profit_bps"`
	MaxVolatility float64         `mapstructure:"max_volatility"`
}

// Arbitrage trades the most profitable round trip across its pairs.
type Arbitrage struct {
	*base
	cfg    arbitrageConfig
	pairs  []opportunity.Pair
	finder *opportunity.Finder
}

// NewArbitrage is the arbitrage factory.
func NewArbitrage(_ context.Context, id string, deps Deps, raw Config) (Strategy, error) {
	var cfg arbitrageConfig
	if err := Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if deps.Finder == nil || deps.Executor == nil {
		return nil, tradeerr.New(tradeerr.KindConfiguration, "strategy.arbitrage", "finder and executor are required")
	}
	if !cfg.TradeAmount.IsPositive() {
		return nil, tradeerr.Newf(tradeerr.KindConfiguration, "strategy.arbitrage", "trade_amount must be positive, got %s", cfg.TradeAmount)
	}

	pairs := make([]opportunity.Pair, 0, len(cfg.Pairs))
	for _, s := range cfg.Pairs {
		p, err := opportunity.ParsePair(s)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return nil, tradeerr.New(tradeerr.KindConfiguration, "strategy.arbitrage", "at least one pair is required")
	}

	return &Arbitrage{
		base:   newBase(id, deps, cfg.Common),
		cfg:    cfg,
		pairs:  pairs,
		finder: deps.Finder.WithMinProfit(cfg.MinProfitBps),
	}, nil
}

// ShouldActivate skips ticks where any traded token moves more than
// MaxVolatility percent per observation.
func (a *Arbitrage) ShouldActivate(cond market.Condition) bool {
	if a.cfg.MaxVolatility <= 0 {
		return true
	}
	for _, p := range a.pairs {
		for _, token := range []string{p.TokenIn, p.TokenOut} {
			if tm, ok := cond.Token(token); ok && tm.Volatility > a.cfg.MaxVolatility {
				return false
			}
		}
	}
	return true
}

// Execute implements Strategy.
func (a *Arbitrage) Execute(ctx context.Context) TradeResult {
	return a.run(ctx, func(ctx context.Context) TradeResult {
		amount := a.sized(a.cfg.TradeAmount)

		opp, ok := a.finder.FindBest(ctx, a.pairs, amount)
		if !ok {
			return a.noOpportunity(fmt.Sprintf("no pair clears %d bps", a.finder.MinProfitBps()))
		}

		amountUSD, err := a.usd(ctx, opp.Pair.TokenIn, opp.AmountIn)
		if err != nil {
			return a.failed(err)
		}

		a.logger.Info("Arbitrage opportunity",
			zap.String("pair", opp.Pair.String()),
			zap.Int64("profit_bps", opp.ProfitBps),
			zap.Int("fee_tier_forward", opp.FeeTierForward),
			zap.Int("fee_tier_reverse", opp.FeeTierReverse))

		plan := executor.Plan{
			Legs: []executor.Leg{
				{TokenIn: opp.Pair.TokenIn, TokenOut: opp.Pair.TokenOut, FeeTier: opp.FeeTierForward, AmountIn: opp.AmountIn, QuotedOut: opp.ForwardOut},
				{TokenIn: opp.Pair.TokenOut, TokenOut: opp.Pair.TokenIn, FeeTier: opp.FeeTierReverse},
			},
			AmountUSD: amountUSD,
		}
		pool := fmt.Sprintf("%s@%d/%d", opp.Pair, opp.FeeTierForward, opp.FeeTierReverse)
		res, _ := a.execute(ctx, plan, pool, "round_trip", a.roundTripPnL(opp.Pair.TokenIn))
		return res
	})
}

// roundTripPnL values the gain in the start token.
func (b *base) roundTripPnL(token string) pnlFunc {
	return func(ctx context.Context, r executor.Result) (decimal.Decimal, error) {
		return b.usd(ctx, token, r.AmountOut.Sub(r.AmountIn))
	}
}

type triangularConfig struct {
	Common       `mapstructure:",squash"`
	Cycles       []string        `mapstructure:"cycles"`
	TradeAmount  decimal.Decimal `mapstructure:"trade_amount"`
	MinProfitBps int64           `mapstructure:"min_profit_bps"`
}

// Triangular trades closed three-or-more-token cycles.
type Triangular struct {
	*base
	cfg    triangularConfig
	cycles [][]string
	finder *opportunity.Finder
}

// NewTriangular is the triangular factory. Cycles are written as
// "GUSDC/GALA/GWETH" and implicitly return to the first token.
func NewTriangular(_ context.Context, id string, deps Deps, raw Config) (Strategy, error) {
	var cfg triangularConfig
	if err := Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if deps.Finder == nil || deps.Executor == nil {
		return nil, tradeerr.New(tradeerr.KindConfiguration, "strategy.triangular", "finder and executor are required")
	}
	if !cfg.TradeAmount.IsPositive() {
		return nil, tradeerr.Newf(tradeerr.KindConfiguration, "strategy.triangular", "trade_amount must be positive, got %s", cfg.TradeAmount)
	}

	var cycles [][]string
	for _, c := range cfg.Cycles {
		tokens := strings.Split(c, "/")
		for i := range tokens {
			tokens[i] = strings.ToUpper(strings.TrimSpace(tokens[i]))
		}
		if len(tokens) < 3 {
			return nil, tradeerr.Newf(tradeerr.KindConfiguration, "strategy.triangular", "cycle %q needs at least 3 tokens", c)
		}
		cycles = append(cycles, tokens)
	}
	if len(cycles) == 0 {
		return nil, tradeerr.New(tradeerr.KindConfiguration, "strategy.triangular", "at least one cycle is required")
	}

	return &Triangular{
		base:   newBase(id, deps, cfg.Common),
		cfg:    cfg,
		cycles: cycles,
		finder: deps.Finder.WithMinProfit(cfg.MinProfitBps),
	}, nil
}

// ShouldActivate implements Strategy. Triangular cycles are priced from
// live quotes every tick.
func (t *Triangular) ShouldActivate(market.Condition) bool {
	return true
}

// Execute implements Strategy.
func (t *Triangular) Execute(ctx context.Context) TradeResult {
	return t.run(ctx, func(ctx context.Context) TradeResult {
		amount := t.sized(t.cfg.TradeAmount)

		cycle, ok := t.finder.FindBestCycle(ctx, t.cycles, amount)
		if !ok {
			return t.noOpportunity(fmt.Sprintf("no cycle clears %d bps", t.finder.MinProfitBps()))
		}

		start := cycle.Tokens[0]
		amountUSD, err := t.usd(ctx, start, cycle.AmountIn)
		if err != nil {
			return t.failed(err)
		}

		legs := make([]executor.Leg, len(cycle.Hops))
		for i, h := range cycle.Hops {
			legs[i] = executor.Leg{TokenIn: h.TokenIn, TokenOut: h.TokenOut, FeeTier: h.FeeTier, AmountIn: h.AmountIn, QuotedOut: h.QuotedOut}
		}

		t.logger.Info("Cycle opportunity",
			zap.String("route", cycle.Route()),
			zap.Int64("profit_bps", cycle.ProfitBps))

		res, _ := t.execute(ctx, executor.Plan{Legs: legs, AmountUSD: amountUSD}, cycle.Route(), "cycle", t.roundTripPnL(start))
		return res
	})
}

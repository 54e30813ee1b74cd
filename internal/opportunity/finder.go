// internal/opportunity/finder.go
package opportunity

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/dex"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

var (
	bpsScale = decimal.NewFromInt(10_000)
	half     = decimal.NewFromFloat(0.5)
)

// Pair is a round-trip route: TokenIn is spent on the forward leg and
// recovered on the reverse leg.
type Pair struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
}

// ParsePair parses "GALA/GUSDC".
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return Pair{}, tradeerr.Newf(tradeerr.KindConfiguration, "pair", "invalid pair %q, want BASE/QUOTE", s)
	}
	return Pair{
		TokenIn:  strings.ToUpper(strings.TrimSpace(parts[0])),
		TokenOut: strings.ToUpper(strings.TrimSpace(parts[1])),
	}, nil
}

func (p Pair) String() string {
	return p.TokenIn + "/" + p.TokenOut
}

// Opportunity is a priced round trip. It is valid for one execution attempt.
type Opportunity struct {
	Pair           Pair
	AmountIn       decimal.Decimal
	ForwardOut     decimal.Decimal
	ReverseOut     decimal.Decimal
	ProfitBps      int64
	FeeTierForward int
	FeeTierReverse int
}

// Config tunes the finder.
type Config struct {
	FeeTiers      []int
	MinProfitBps  int64
	LogRejections bool
}

// Finder prices round trips across fee tiers. It holds no per-call state
// and is shared by every session.
type Finder struct {
	client dex.Client
	tokens *dex.TokenRegistry
	cfg    Config
	logger *zap.Logger
}

// NewFinder creates a finder. tokens may be nil to skip symbol validation.
func NewFinder(client dex.Client, tokens *dex.TokenRegistry, cfg Config, logger *zap.Logger) *Finder {
	return &Finder{
		client: client,
		tokens: tokens,
		cfg:    cfg,
		logger: logger.Named("opportunity"),
	}
}

// WithMinProfit returns a finder sharing this one's client and tiers with a
// different acceptance threshold.
func (f *Finder) WithMinProfit(bps int64) *Finder {
	cp := *f
	cp.cfg.MinProfitBps = bps
	return &cp
}

// MinProfitBps returns the acceptance threshold.
func (f *Finder) MinProfitBps() int64 {
	return f.cfg.MinProfitBps
}

// FeeTiers returns the tiers the finder compares.
func (f *Finder) FeeTiers() []int {
	out := make([]int, len(f.cfg.FeeTiers))
	copy(out, f.cfg.FeeTiers)
	return out
}

// ProfitBps is round(((reverseOut - amountIn) / amountIn) * 10000), halves
// rounded toward positive infinity.
func ProfitBps(amountIn, reverseOut decimal.Decimal) int64 {
	if amountIn.IsZero() {
		return 0
	}
	ratio := reverseOut.Sub(amountIn).Div(amountIn).Mul(bpsScale)
	return ratio.Add(half).Floor().IntPart()
}

// BestQuote returns the largest output across the configured fee tiers.
// Tiers that fail are skipped; the first tier seen wins ties. ok is false
// when no tier produced a quote.
func (f *Finder) BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (dex.Quote, bool) {
	var (
		best  dex.Quote
		found bool
	)
	for _, tier := range f.cfg.FeeTiers {
		q, err := f.client.QuoteExactInput(ctx, tokenIn, tokenOut, amountIn, tier)
		if err != nil {
			f.logger.Debug("Fee tier skipped",
				zap.String("token_in", tokenIn),
				zap.String("token_out", tokenOut),
				zap.Int("fee_tier", tier),
				zap.Error(err))
			continue
		}
		if q.FeeTier == 0 {
			q.FeeTier = tier
		}
		if !found || q.OutAmount.GreaterThan(best.OutAmount) {
			best = q
			found = true
		}
	}
	return best, found
}

func (f *Finder) validatePair(p Pair) error {
	if f.tokens == nil {
		return nil
	}
	if _, err := f.tokens.Resolve(p.TokenIn); err != nil {
		return err
	}
	if _, err := f.tokens.Resolve(p.TokenOut); err != nil {
		return err
	}
	return nil
}

// Evaluate prices the round trip for pair without applying the profit
// threshold. It fails with a quote-unavailable error when either direction
// has no quote on any tier.
func (f *Finder) Evaluate(ctx context.Context, pair Pair, amountIn decimal.Decimal) (Opportunity, error) {
	if err := f.validatePair(pair); err != nil {
		return Opportunity{}, err
	}
	if !amountIn.IsPositive() {
		return Opportunity{}, tradeerr.Newf(tradeerr.KindConfiguration, "opportunity", "amount %s must be positive", amountIn)
	}

	fwd, ok := f.BestQuote(ctx, pair.TokenIn, pair.TokenOut, amountIn)
	if !ok {
		return Opportunity{}, tradeerr.Newf(tradeerr.KindQuoteUnavailable, "opportunity", "no forward quote for %s", pair)
	}
	rev, ok := f.BestQuote(ctx, pair.TokenOut, pair.TokenIn, fwd.OutAmount)
	if !ok {
		return Opportunity{}, tradeerr.Newf(tradeerr.KindQuoteUnavailable, "opportunity", "no reverse quote for %s", pair)
	}

	return Opportunity{
		Pair:           pair,
		AmountIn:       amountIn,
		ForwardOut:     fwd.OutAmount,
		ReverseOut:     rev.OutAmount,
		ProfitBps:      ProfitBps(amountIn, rev.OutAmount),
		FeeTierForward: fwd.FeeTier,
		FeeTierReverse: rev.FeeTier,
	}, nil
}

// Find returns the opportunity for pair when it clears the profit threshold.
func (f *Finder) Find(ctx context.Context, pair Pair, amountIn decimal.Decimal) (Opportunity, bool) {
	opp, err := f.Evaluate(ctx, pair, amountIn)
	if err != nil {
		f.logger.Debug("Pair skipped", zap.String("pair", pair.String()), zap.Error(err))
		return Opportunity{}, false
	}
	if opp.ProfitBps < f.cfg.MinProfitBps {
		if f.cfg.LogRejections {
			f.logger.Info("Pair rejected",
				zap.String("pair", pair.String()),
				zap.String("amount_in", amountIn.String()),
				zap.Int64("profit_bps", opp.ProfitBps),
				zap.Int64("min_profit_bps", f.cfg.MinProfitBps),
				zap.Int("fee_tier_forward", opp.FeeTierForward),
				zap.Int("fee_tier_reverse", opp.FeeTierReverse))
		}
		return Opportunity{}, false
	}
	return opp, true
}

// FindBest scans pairs in order and returns the single most profitable
// accepted opportunity. Earlier pairs win ties.
func (f *Finder) FindBest(ctx context.Context, pairs []Pair, amountIn decimal.Decimal) (Opportunity, bool) {
	var (
		best  Opportunity
		found bool
	)
	for _, p := range pairs {
		opp, ok := f.Find(ctx, p, amountIn)
		if !ok {
			continue
		}
		if !found || opp.ProfitBps > best.ProfitBps {
			best = opp
			found = true
		}
	}
	return best, found
}

func (o Opportunity) String() string {
	return fmt.Sprintf("%s in=%s fwd=%s@%d rev=%s@%d profit=%dbps",
		o.Pair, o.AmountIn, o.ForwardOut, o.FeeTierForward, o.ReverseOut, o.FeeTierReverse, o.ProfitBps)
}

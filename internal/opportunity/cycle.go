// internal/opportunity/cycle.go
package opportunity

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// Hop is one priced leg of a cycle.
type Hop struct {
	TokenIn   string
	TokenOut  string
	FeeTier   int
	AmountIn  decimal.Decimal
	QuotedOut decimal.Decimal
}

// Cycle is a priced closed route such as GUSDC -> GALA -> GWETH -> GUSDC.
type Cycle struct {
	Tokens    []string
	AmountIn  decimal.Decimal
	FinalOut  decimal.Decimal
	ProfitBps int64
	Hops      []Hop
}

// Route returns the cycle tokens joined with arrows.
func (c Cycle) Route() string {
	return strings.Join(append(append([]string{}, c.Tokens...), c.Tokens[0]), "->")
}

// EvaluateCycle chains best-of-N quotes through tokens and back to tokens[0].
func (f *Finder) EvaluateCycle(ctx context.Context, tokens []string, amountIn decimal.Decimal) (Cycle, error) {
	if len(tokens) < 3 {
		return Cycle{}, tradeerr.Newf(tradeerr.KindConfiguration, "opportunity.cycle", "cycle needs at least 3 tokens, got %d", len(tokens))
	}
	if !amountIn.IsPositive() {
		return Cycle{}, tradeerr.Newf(tradeerr.KindConfiguration, "opportunity.cycle", "amount %s must be positive", amountIn)
	}
	if f.tokens != nil {
		for _, t := range tokens {
			if _, err := f.tokens.Resolve(t); err != nil {
				return Cycle{}, err
			}
		}
	}

	hops := make([]Hop, 0, len(tokens))
	amount := amountIn
	for i := range tokens {
		in, out := tokens[i], tokens[(i+1)%len(tokens)]
		q, ok := f.BestQuote(ctx, in, out, amount)
		if !ok {
			return Cycle{}, tradeerr.Newf(tradeerr.KindQuoteUnavailable, "opportunity.cycle", "no quote for %s->%s", in, out)
		}
		hops = append(hops, Hop{TokenIn: in, TokenOut: out, FeeTier: q.FeeTier, AmountIn: amount, QuotedOut: q.OutAmount})
		amount = q.OutAmount
	}

	return Cycle{
		Tokens:    tokens,
		AmountIn:  amountIn,
		FinalOut:  amount,
		ProfitBps: ProfitBps(amountIn, amount),
		Hops:      hops,
	}, nil
}

// FindBestCycle returns the most profitable cycle clearing the threshold.
func (f *Finder) FindBestCycle(ctx context.Context, cycles [][]string, amountIn decimal.Decimal) (Cycle, bool) {
	var (
		best  Cycle
		found bool
	)
	for _, tokens := range cycles {
		c, err := f.EvaluateCycle(ctx, tokens, amountIn)
		if err != nil {
			f.logger.Debug("Cycle skipped", zap.Strings("tokens", tokens), zap.Error(err))
			continue
		}
		if c.ProfitBps < f.cfg.MinProfitBps {
			if f.cfg.LogRejections {
				f.logger.Info("Cycle rejected",
					zap.String("route", c.Route()),
					zap.Int64("profit_bps", c.ProfitBps),
					zap.Int64("min_profit_bps", f.cfg.MinProfitBps))
			}
			continue
		}
		if !found || c.ProfitBps > best.ProfitBps {
			best = c
			found = true
		}
	}
	return best, found
}

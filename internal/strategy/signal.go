// internal/strategy/signal.go
package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/market"
)

// Trend buys on an upward moving-average trend and exits on reversal.
type Trend struct {
	*accumulator
}

// NewTrend is the trend factory.
func NewTrend(ctx context.Context, id string, deps Deps, raw Config) (Strategy, error) {
	acc, err := newAccumulator(ctx, id, deps, raw)
	if err != nil {
		return nil, err
	}
	return &Trend{accumulator: acc}, nil
}

// ShouldActivate requires MinPoints observations of the token.
func (t *Trend) ShouldActivate(cond market.Condition) bool {
	tm, ok := cond.Token(t.cfg.Token)
	return ok && tm.Price > 0 && len(tm.Series) >= t.cfg.MinPoints
}

// Execute implements Strategy.
func (t *Trend) Execute(ctx context.Context) TradeResult {
	return t.run(ctx, func(ctx context.Context) TradeResult {
		tm, _ := t.market().Token(t.cfg.Token)
		price, err := t.price(ctx)
		if err != nil {
			return t.failed(err)
		}

		if res, ok := t.exit(ctx, price, tm.Trend == market.TrendDown); ok {
			return res
		}
		if tm.Trend != market.TrendUp {
			return t.noOpportunity(fmt.Sprintf("trend is %s", tm.Trend))
		}
		if len(t.ledger.Positions()) > 0 {
			return t.noOpportunity("already positioned in trend")
		}
		t.logger.Info("Uptrend entry", zap.String("price", price.String()))
		return t.buy(ctx, 0)
	})
}

// Indicator trades RSI extremes: buys oversold, exits overbought.
type Indicator struct {
	*accumulator
}

// NewIndicator is the indicator factory.
func NewIndicator(ctx context.Context, id string, deps Deps, raw Config) (Strategy, error) {
	acc, err := newAccumulator(ctx, id, deps, raw)
	if err != nil {
		return nil, err
	}
	if acc.cfg.Oversold <= 0 || acc.cfg.Overbought <= acc.cfg.Oversold {
		acc.cfg.Oversold, acc.cfg.Overbought = 30, 70
	}
	return &Indicator{accumulator: acc}, nil
}

// ShouldActivate requires a computed RSI for the token.
func (in *Indicator) ShouldActivate(cond market.Condition) bool {
	tm, ok := cond.Token(in.cfg.Token)
	return ok && tm.Price > 0 && tm.RSI > 0 && len(tm.Series) >= in.cfg.MinPoints
}

// Execute implements Strategy.
func (in *Indicator) Execute(ctx context.Context) TradeResult {
	return in.run(ctx, func(ctx context.Context) TradeResult {
		tm, _ := in.market().Token(in.cfg.Token)
		price, err := in.price(ctx)
		if err != nil {
			return in.failed(err)
		}

		if res, ok := in.exit(ctx, price, tm.RSI >= in.cfg.Overbought); ok {
			return res
		}
		if tm.RSI <= 0 || tm.RSI > in.cfg.Oversold {
			return in.noOpportunity(fmt.Sprintf("rsi %.1f not oversold", tm.RSI))
		}
		in.logger.Info("Oversold entry", zap.Float64("rsi", tm.RSI), zap.String("price", price.String()))
		return in.buy(ctx, tm.RSI/100)
	})
}

// internal/strategy/accumulation.go
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/executor"
	"github.com/Yuphix/fafnir-sub000/internal/market"
	"github.com/Yuphix/fafnir-sub000/internal/position"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

type accumulationConfig struct {
	Common         `mapstructure:",squash"`
	Token          string          `mapstructure:"token"`
	BuyAmountUSD   decimal.Decimal `mapstructure:"buy_amount_usd"`
	MaxPositionUSD decimal.Decimal `mapstructure:"max_position_usd"`
	TakeProfitPct  float64         `mapstructure:"take_profit_pct"`
	StopLossPct    float64         `mapstructure:"stop_loss_pct"`

	// retracement entries
	Levels        []float64     `mapstructure:"levels"`
	Tolerance     float64       `mapstructure:"tolerance"`
	Window        time.Duration `mapstructure:"window"`
	MaxVolatility float64       `mapstructure:"max_volatility"`

	// signal entries
	MinPoints  int     `mapstructure:"min_points"`
	Oversold   float64 `mapstructure:"oversold"`
	Overbought float64 `mapstructure:"overbought"`
}

// accumulator buys a token with the quote token in fixed USD lots and
// sells each lot whole. Lots live in a persisted position ledger.
type accumulator struct {
	*base
	cfg    accumulationConfig
	ledger *position.Ledger
	now    func() time.Time
}

func newAccumulator(ctx context.Context, id string, deps Deps, raw Config) (*accumulator, error) {
	var cfg accumulationConfig
	if err := Decode(raw, &cfg); err != nil {
		return nil, err
	}
	op := "strategy." + id
	switch {
	case deps.Executor == nil:
		return nil, tradeerr.New(tradeerr.KindConfiguration, op, "executor is required")
	case cfg.Token == "" || deps.QuoteToken == "":
		return nil, tradeerr.New(tradeerr.KindConfiguration, op, "token and quote token are required")
	case cfg.Token == deps.QuoteToken:
		return nil, tradeerr.Newf(tradeerr.KindConfiguration, op, "cannot accumulate the quote token %s", cfg.Token)
	case !cfg.BuyAmountUSD.IsPositive():
		return nil, tradeerr.Newf(tradeerr.KindConfiguration, op, "buy_amount_usd must be positive, got %s", cfg.BuyAmountUSD)
	}

	var store storage.Store[[]position.Position]
	if deps.Positions != nil {
		store = deps.Positions(id)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger, err := position.NewLedger(ctx, position.Config{
		Token:           cfg.Token,
		Levels:          cfg.Levels,
		Tolerance:       cfg.Tolerance,
		Window:          cfg.Window,
		MaxOpenValueUSD: cfg.MaxPositionUSD,
		TakeProfitPct:   cfg.TakeProfitPct,
		StopLossPct:     cfg.StopLossPct,
	}, store, logger.With(zap.String("wallet", deps.Wallet)))
	if err != nil {
		return nil, tradeerr.Wrap(tradeerr.KindPersistence, op, err)
	}

	return &accumulator{
		base:   newBase(id, deps, cfg.Common),
		cfg:    cfg,
		ledger: ledger,
		now:    time.Now,
	}, nil
}

// Positions returns the open lots.
func (a *accumulator) Positions() []position.Position {
	return a.ledger.Positions()
}

// Cleanup persists the open lots so a later session for the same wallet
// and strategy picks them up.
func (a *accumulator) Cleanup(ctx context.Context) error {
	if n := len(a.ledger.Positions()); n > 0 {
		a.logger.Info("Session stopped with open positions", zap.Int("open_positions", n))
	}
	return a.ledger.Flush(ctx)
}

// price returns the token price in the quote token from the tick snapshot,
// or from a live quote when the snapshot has none.
func (a *accumulator) price(ctx context.Context) (decimal.Decimal, error) {
	if p := a.market().Price(a.cfg.Token); p > 0 {
		return decimal.NewFromFloat(p), nil
	}
	if a.deps.Finder != nil {
		one := decimal.NewFromInt(1)
		if q, ok := a.deps.Finder.BestQuote(ctx, a.cfg.Token, a.deps.QuoteToken, one); ok {
			return q.OutAmount, nil
		}
	}
	return decimal.Zero, tradeerr.Newf(tradeerr.KindQuoteUnavailable, "strategy.price", "no price for %s", a.cfg.Token)
}

// exit sells every position whose trigger fires, each one whole. signal adds
// a sell of the oldest position when no price trigger fired. The fills are
// folded into one result.
func (a *accumulator) exit(ctx context.Context, price decimal.Decimal, signal bool) (TradeResult, bool) {
	sells := a.ledger.SellSignals(price)
	if len(sells) == 0 && signal {
		if open := a.ledger.Positions(); len(open) > 0 {
			sells = append(sells, position.SellSignal{Position: open[0], Reason: position.ReasonSignal})
		}
	}
	if len(sells) == 0 {
		return TradeResult{}, false
	}

	results := make([]TradeResult, 0, len(sells))
	for _, sig := range sells {
		results = append(results, a.sell(ctx, sig, price))
	}
	if len(results) > 1 {
		a.logger.Info("Multiple positions exited",
			zap.Int("positions", len(results)),
			zap.String("price", price.String()))
	}
	return foldResults(results), true
}

// foldResults combines the single-leg sells of one Execute. The result
// succeeds only when every sell did; errors are joined in order.
func foldResults(results []TradeResult) TradeResult {
	out := results[0]
	out.TxHashes = append([]string(nil), out.TxHashes...)
	var errs []string
	if out.Error != "" {
		errs = append(errs, out.Error)
	}
	for _, r := range results[1:] {
		out.Success = out.Success && r.Success
		out.Executed = out.Executed || r.Executed
		out.Partial = out.Partial || r.Partial
		out.Profit = out.Profit.Add(r.Profit)
		out.Volume = out.Volume.Add(r.Volume)
		out.AmountIn = out.AmountIn.Add(r.AmountIn)
		out.AmountOut = out.AmountOut.Add(r.AmountOut)
		out.TxHashes = append(out.TxHashes, r.TxHashes...)
		if r.Timestamp.After(out.Timestamp) {
			out.Timestamp = r.Timestamp
		}
		if r.Error != "" {
			errs = append(errs, r.Error)
			if out.ErrorKind == "" {
				out.ErrorKind = r.ErrorKind
			}
		}
		if r.Action != out.Action {
			out.Action = "sell_multiple"
		}
	}
	if out.Executed {
		out.Outcome = StateSettled
	}
	out.Error = strings.Join(errs, "; ")
	return out
}

func (a *accumulator) sell(ctx context.Context, sig position.SellSignal, price decimal.Decimal) TradeResult {
	p := sig.Position
	a.logger.Info("Sell triggered",
		zap.String("position_id", p.ID),
		zap.String("reason", string(sig.Reason)),
		zap.String("price", price.String()),
		zap.Float64("change_pct", p.ChangePct(price)))

	plan := executor.Plan{
		Legs:            []executor.Leg{{TokenIn: p.Token, TokenOut: a.deps.QuoteToken, AmountIn: p.Amount, FeeTier: a.bestTier(ctx, p.Token, a.deps.QuoteToken, p.Amount)}},
		AmountUSD:       p.Amount.Mul(price),
		ReducesExposure: true,
	}
	pnl := func(_ context.Context, r executor.Result) (decimal.Decimal, error) {
		return r.AmountOut.Sub(p.CostUSD), nil
	}

	res, _ := a.execute(ctx, plan, pairName(p.Token, a.deps.QuoteToken), "sell_"+string(sig.Reason), pnl)
	if res.Success {
		if _, err := a.ledger.Close(ctx, p.ID); err != nil {
			a.logger.Error("Sold position not removed cleanly", zap.String("position_id", p.ID), zap.Error(err))
		}
	}
	return res
}

func (a *accumulator) buy(ctx context.Context, level float64) TradeResult {
	amount := a.sized(a.cfg.BuyAmountUSD)
	if !a.ledger.HasCapacity(amount) {
		return a.noOpportunity(fmt.Sprintf("open value %s USD at cap %s USD",
			a.ledger.OpenValueUSD().StringFixed(2), a.cfg.MaxPositionUSD.StringFixed(2)))
	}

	plan := executor.Plan{
		Legs:      []executor.Leg{{TokenIn: a.deps.QuoteToken, TokenOut: a.cfg.Token, AmountIn: amount, FeeTier: a.bestTier(ctx, a.deps.QuoteToken, a.cfg.Token, amount)}},
		AmountUSD: amount,
	}
	buyPnL := func(context.Context, executor.Result) (decimal.Decimal, error) { return decimal.Zero, nil }

	res, r := a.execute(ctx, plan, pairName(a.deps.QuoteToken, a.cfg.Token), "buy", buyPnL)
	if res.Success && r.AmountOut.IsPositive() {
		buyPrice := r.AmountIn.Div(r.AmountOut)
		if _, err := a.ledger.Open(ctx, r.AmountOut, r.AmountIn, buyPrice, level, a.now()); err != nil {
			a.logger.Error("Bought position not persisted", zap.Error(err))
		}
	}
	return res
}

// bestTier picks the best-priced fee tier for a single leg. Zero lets the
// executor's quote decide when no finder is available.
func (a *accumulator) bestTier(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) int {
	if a.deps.Finder == nil {
		return 0
	}
	if q, ok := a.deps.Finder.BestQuote(ctx, tokenIn, tokenOut, amount); ok {
		return q.FeeTier
	}
	return 0
}

func pairName(in, out string) string {
	return in + "/" + out
}

// Fibonacci buys when price sits on a retracement level of the recent range.
// conservative_dca is the same strategy with narrower levels and a
// volatility ceiling.
type Fibonacci struct {
	*accumulator
}

// NewFibonacci is the factory for fibonacci and conservative_dca.
func NewFibonacci(ctx context.Context, id string, deps Deps, raw Config) (Strategy, error) {
	acc, err := newAccumulator(ctx, id, deps, raw)
	if err != nil {
		return nil, err
	}
	return &Fibonacci{accumulator: acc}, nil
}

// ShouldActivate requires a price for the token and, when configured,
// volatility at or below MaxVolatility.
func (f *Fibonacci) ShouldActivate(cond market.Condition) bool {
	tm, ok := cond.Token(f.cfg.Token)
	if !ok || tm.Price <= 0 {
		return false
	}
	return f.cfg.MaxVolatility <= 0 || tm.Volatility <= f.cfg.MaxVolatility
}

// Execute implements Strategy. Exits are checked before entries.
func (f *Fibonacci) Execute(ctx context.Context) TradeResult {
	return f.run(ctx, func(ctx context.Context) TradeResult {
		price, err := f.price(ctx)
		if err != nil {
			return f.failed(err)
		}
		now := f.now()
		pf, _ := price.Float64()
		f.ledger.RecordPrice(pf, now)

		if res, ok := f.exit(ctx, price, false); ok {
			return res
		}

		sig, ok := f.ledger.BuySignal(pf, now)
		if !ok {
			return f.noOpportunity("price not on a retracement level")
		}
		f.logger.Info("Retracement level hit",
			zap.Float64("level", sig.Level),
			zap.Float64("fraction", sig.Fraction),
			zap.Float64("low", sig.Low),
			zap.Float64("high", sig.High))
		return f.buy(ctx, sig.Level)
	})
}

// internal/strategy/strategy.go
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
	"github.com/Yuphix/fafnir-sub000/internal/executor"
	"github.com/Yuphix/fafnir-sub000/internal/market"
	"github.com/Yuphix/fafnir-sub000/internal/opportunity"
	"github.com/Yuphix/fafnir-sub000/internal/position"
	"github.com/Yuphix/fafnir-sub000/internal/risk"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// State is a strategy's position in its execute cycle.
type State string

const (
	StateIdle            State = "idle"
	StateEvaluating      State = "evaluating"
	StateNoOpportunity   State = "no_opportunity"
	StateAdmissionDenied State = "admission_denied"
	StateExecuting       State = "executing"
	StateSettled         State = "settled"
)

// TradeResult is produced once per Execute call. It is always populated;
// failures are reported through Success, Error and ErrorKind.
type TradeResult struct {
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Executed  bool            `json:"executed"`
	Partial   bool            `json:"partial,omitempty"`
	Outcome   State           `json:"outcome"`
	Profit    decimal.Decimal `json:"profit"`
	Volume    decimal.Decimal `json:"volume"`
	Strategy  string          `json:"strategy"`
	Wallet    string          `json:"wallet"`
	Pool      string          `json:"pool,omitempty"`
	Action    string          `json:"action,omitempty"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	TxHashes  []string        `json:"tx_hashes,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
	ErrorKind tradeerr.Kind   `json:"error_kind,omitempty"`
}

// Strategy is one wallet's trading logic.
type Strategy interface {
	ID() string
	// ShouldActivate is a side-effect free pre-filter on the tick's market snapshot.
	ShouldActivate(cond market.Condition) bool
	// Execute runs one cycle. It never panics past its boundary.
	Execute(ctx context.Context) TradeResult
	State() State
}

// Cleaner is implemented by strategies that hold resources past a session.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Executor runs swap plans.
type Executor interface {
	Execute(ctx context.Context, plan executor.Plan) executor.Result
}

// Settler closes risk reservations of successful attempts.
type Settler interface {
	Settle(ctx context.Context, res risk.Reservation, pnlUSD decimal.Decimal)
}

// Deps are the collaborators handed to a strategy instance. Finder,
// Executor and Settler are shared; nothing in Deps is per-wallet mutable
// state except what Positions returns.
type Deps struct {
	Wallet     string
	QuoteToken string
	Finder     *opportunity.Finder
	Executor   Executor
	Settler    Settler
	Detector   *competition.Detector
	Market     func() market.Condition
	// Positions returns the position store for this wallet and strategy.
	Positions func(strategyID string) storage.Store[[]position.Position]
	Logger    *zap.Logger
	Sleep     func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Common is the configuration shared by every variant.
type Common struct {
	SlippageBps   int  `mapstructure:"slippage_bps"`
	AntiDetection bool `mapstructure:"anti_detection"`
}

// base carries the state machine and the execution plumbing every variant
// shares.
type base struct {
	id     string
	deps   Deps
	common Common
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

func newBase(id string, deps Deps, common Common) *base {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &base{
		id:     id,
		deps:   deps,
		common: common,
		logger: deps.Logger.Named("strategy").With(zap.String("strategy", id), zap.String("wallet", deps.Wallet)),
		state:  StateIdle,
	}
}

func (b *base) ID() string { return b.id }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *base) market() market.Condition {
	if b.deps.Market == nil {
		return market.Condition{QuoteToken: b.deps.QuoteToken}
	}
	return b.deps.Market()
}

// run wraps one Execute call: state transitions, panic recovery and the
// always-populated result.
func (b *base) run(ctx context.Context, fn func(ctx context.Context) TradeResult) (res TradeResult) {
	b.setState(StateEvaluating)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Strategy panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = b.failed(fmt.Errorf("strategy panic: %v", r))
		}
		if res.ID == "" {
			res.ID = uuid.New().String()
		}
		res.Strategy = b.id
		res.Wallet = b.deps.Wallet
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now()
		}
		if res.Outcome == "" {
			res.Outcome = StateSettled
		}
		b.setState(StateSettled)
		b.logger.Debug("Execute finished",
			zap.String("outcome", string(res.Outcome)),
			zap.Bool("success", res.Success),
			zap.Duration("duration", time.Since(started)))
	}()

	return fn(ctx)
}

func (b *base) noOpportunity(reason string) TradeResult {
	b.setState(StateNoOpportunity)
	b.logger.Debug("No opportunity", zap.String("reason", reason))
	return TradeResult{Success: true, Outcome: StateNoOpportunity, Action: "hold"}
}

func (b *base) failed(err error) TradeResult {
	return TradeResult{
		Success:   false,
		Outcome:   StateSettled,
		Error:     err.Error(),
		ErrorKind: tradeerr.KindOf(err),
	}
}

// sized applies amount jitter when competitors are active.
func (b *base) sized(amount decimal.Decimal) decimal.Decimal {
	if !b.common.AntiDetection || b.deps.Detector == nil {
		return amount
	}
	if b.deps.Detector.Level() == competition.LevelLow {
		return amount
	}
	jittered := b.deps.Detector.RandomizeAmount(amount)
	b.logger.Debug("Trade amount randomized",
		zap.String("planned", amount.String()),
		zap.String("amount", jittered.String()))
	return jittered
}

// pace waits a randomized delay when competition is high.
func (b *base) pace(ctx context.Context) error {
	if !b.common.AntiDetection || b.deps.Detector == nil {
		return nil
	}
	if b.deps.Detector.Level() != competition.LevelHigh {
		return nil
	}
	return b.deps.Sleep(ctx, b.deps.Detector.RandomDelay())
}

// usd values amount of token in the quote token. The snapshot price is
// preferred; a live quote is the fallback.
func (b *base) usd(ctx context.Context, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	if token == b.deps.QuoteToken {
		return amount, nil
	}
	if p := b.market().Price(token); p > 0 {
		return amount.Mul(decimal.NewFromFloat(p)), nil
	}
	if b.deps.Finder != nil && b.deps.QuoteToken != "" {
		if q, ok := b.deps.Finder.BestQuote(ctx, token, b.deps.QuoteToken, amount); ok {
			return q.OutAmount, nil
		}
	}
	return decimal.Zero, tradeerr.Newf(tradeerr.KindQuoteUnavailable, "strategy.usd", "no %s price for %s", b.deps.QuoteToken, token)
}

// pnlFunc converts a filled attempt into realized USD profit.
type pnlFunc func(ctx context.Context, r executor.Result) (decimal.Decimal, error)

// execute runs plan through the executor, settles the reservation of a
// successful attempt and maps the outcome into a TradeResult.
func (b *base) execute(ctx context.Context, plan executor.Plan, pool, action string, pnl pnlFunc) (TradeResult, executor.Result) {
	if err := b.pace(ctx); err != nil {
		return b.failed(tradeerr.Wrap(tradeerr.KindExternalService, "strategy.pace", err)), executor.Result{}
	}

	plan.Strategy = b.id
	plan.Wallet = b.deps.Wallet
	if plan.SlippageBps == 0 {
		plan.SlippageBps = b.common.SlippageBps
	}

	b.setState(StateExecuting)
	r := b.deps.Executor.Execute(ctx, plan)

	out := TradeResult{
		ID:        r.AttemptID,
		Pool:      pool,
		Action:    action,
		AmountIn:  r.AmountIn,
		AmountOut: r.AmountOut,
		Timestamp: r.CompletedAt,
		Partial:   r.Partial,
		Executed:  len(r.Filled) > 0,
	}
	for _, leg := range r.Filled {
		out.TxHashes = append(out.TxHashes, leg.TxHash)
	}
	volume := plan.AmountUSD
	if r.Decision.Allowed && r.Decision.AdjustedAmount.IsPositive() && !plan.ReducesExposure {
		volume = r.Decision.AdjustedAmount
	}

	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorKind = tradeerr.KindOf(r.Err)
		out.Outcome = StateSettled
		if out.ErrorKind == tradeerr.KindAdmissionDenied {
			out.Outcome = StateAdmissionDenied
			b.setState(StateAdmissionDenied)
			b.logger.Info("Trade not admitted", zap.String("reason", out.Error))
		} else if out.Executed {
			out.Volume = volume
		}
		return out, r
	}

	profit, err := pnl(ctx, r)
	if err != nil {
		b.logger.Warn("Could not value trade outcome, settling at zero", zap.Error(err))
		profit = decimal.Zero
	}
	if b.deps.Settler != nil {
		b.deps.Settler.Settle(ctx, r.Decision.Reservation, profit)
	}

	out.Success = true
	out.Outcome = StateSettled
	out.Profit = profit
	out.Volume = volume
	b.logger.Info("Trade settled",
		zap.String("action", action),
		zap.String("pool", pool),
		zap.String("profit_usd", profit.StringFixed(4)),
		zap.String("volume_usd", volume.StringFixed(2)))
	return out, r
}

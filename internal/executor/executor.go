// internal/executor/executor.go
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/dex"
	"github.com/Yuphix/fafnir-sub000/internal/risk"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// Admitter is the risk gate as seen by the executor.
type Admitter interface {
	CheckTradeAllowed(ctx context.Context, req risk.TradeRequest) risk.Decision
	Release(ctx context.Context, res risk.Reservation)
	Settle(ctx context.Context, res risk.Reservation, pnlUSD decimal.Decimal)
}

// Leg is one planned swap. QuotedOut is the quote the plan was priced with.
type Leg struct {
	TokenIn   string
	TokenOut  string
	FeeTier   int
	AmountIn  decimal.Decimal
	QuotedOut decimal.Decimal
}

// Plan is an ordered list of dependent swaps for one wallet.
type Plan struct {
	Strategy    string
	Wallet      string
	Legs        []Leg
	AmountUSD   decimal.Decimal
	SlippageBps int
	// ReducesExposure is forwarded to the risk gate.
	ReducesExposure bool
}

// LegResult is a filled leg.
type LegResult struct {
	Leg
	MinOut    decimal.Decimal
	AmountOut decimal.Decimal
	TxID      string
	TxHash    string
}

// Result describes one execution attempt.
type Result struct {
	AttemptID   string
	Decision    risk.Decision
	Filled      []LegResult
	AmountIn    decimal.Decimal
	AmountOut   decimal.Decimal
	Partial     bool
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Success reports whether every leg filled.
func (r Result) Success() bool {
	return r.Err == nil
}

// PartialFailure is raised when a leg after the first fails.
type PartialFailure struct {
	AttemptID string
	Strategy  string
	Wallet    string
	Filled    []LegResult
	FailedLeg int
	Err       error
}

// Config tunes the executor.
type Config struct {
	// MaxConcurrent caps in-flight attempts per strategy. Zero means 1.
	MaxConcurrent int
	// ConfirmTimeout bounds each confirmation wait. Zero disables the bound.
	ConfirmTimeout time.Duration
}

// Executor runs plans leg by leg. Legs are never unwound: once the first
// leg fills, any later failure is terminal and reported as partial.
type Executor struct {
	client dex.Client
	gate   Admitter
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]map[string]time.Time

	onPartial func(PartialFailure)
	now       func() time.Time
}

// New creates an executor.
func New(client dex.Client, gate Admitter, cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Executor{
		client:   client,
		gate:     gate,
		cfg:      cfg,
		logger:   logger.Named("executor"),
		inFlight: make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// OnPartialFailure registers a callback for partial executions.
func (e *Executor) OnPartialFailure(fn func(PartialFailure)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPartial = fn
}

// InFlight returns the attempt ids currently registered for strategy.
func (e *Executor) InFlight(strategy string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.inFlight[strategy]))
	for id := range e.inFlight[strategy] {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) register(strategy, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.inFlight[strategy]
	if set == nil {
		set = make(map[string]time.Time)
		e.inFlight[strategy] = set
	}
	if len(set) >= e.cfg.MaxConcurrent {
		return false
	}
	set[id] = e.now()
	return true
}

func (e *Executor) unregister(strategy, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inFlight[strategy], id)
	if len(e.inFlight[strategy]) == 0 {
		delete(e.inFlight, strategy)
	}
}

// MinOut is quotedOut * (1 - slippageBps/10000).
func MinOut(quotedOut decimal.Decimal, slippageBps int) decimal.Decimal {
	keep := decimal.NewFromInt(1).Sub(decimal.NewFromInt(int64(slippageBps)).Div(bpsDenominator))
	return quotedOut.Mul(keep)
}

// Execute runs plan. It always returns a Result; Err carries the failure kind.
// The caller owns settlement of a successful attempt's reservation through
// Settle; failed attempts are settled or released here.
func (e *Executor) Execute(ctx context.Context, plan Plan) Result {
	res := Result{AttemptID: uuid.New().String(), StartedAt: e.now()}
	log := e.logger.With(
		zap.String("attempt_id", res.AttemptID),
		zap.String("strategy", plan.Strategy),
		zap.String("wallet", plan.Wallet))

	if len(plan.Legs) == 0 {
		res.Err = tradeerr.New(tradeerr.KindConfiguration, "executor", "plan has no legs")
		res.CompletedAt = e.now()
		return res
	}

	if !e.register(plan.Strategy, res.AttemptID) {
		res.Err = tradeerr.Newf(tradeerr.KindAdmissionDenied, "executor",
			"strategy %s already has %d trades in flight", plan.Strategy, e.cfg.MaxConcurrent)
		res.CompletedAt = e.now()
		log.Info("Attempt rejected by concurrency limit")
		return res
	}
	defer e.unregister(plan.Strategy, res.AttemptID)

	first := plan.Legs[0]
	res.Decision = e.gate.CheckTradeAllowed(ctx, risk.TradeRequest{
		Strategy:        plan.Strategy,
		Wallet:          plan.Wallet,
		TokenIn:         first.TokenIn,
		TokenOut:        plan.Legs[len(plan.Legs)-1].TokenOut,
		AmountUSD:       plan.AmountUSD,
		SlippageBps:     plan.SlippageBps,
		ReducesExposure: plan.ReducesExposure,
	})
	if !res.Decision.Allowed {
		res.Err = tradeerr.New(tradeerr.KindAdmissionDenied, "executor", res.Decision.Reason)
		res.CompletedAt = e.now()
		return res
	}

	amountIn := first.AmountIn
	requote := false
	if res.Decision.Resized(plan.AmountUSD) && plan.AmountUSD.IsPositive() {
		amountIn = amountIn.Mul(res.Decision.AdjustedAmount).Div(plan.AmountUSD)
		requote = true
		log.Info("Leg 1 resized by risk gate",
			zap.String("planned_in", first.AmountIn.String()),
			zap.String("amount_in", amountIn.String()))
	}
	res.AmountIn = amountIn

	for i, leg := range plan.Legs {
		leg.AmountIn = amountIn
		filled, err := e.runLeg(ctx, leg, plan, i == 0 && !requote, log.With(zap.Int("leg", i+1)))
		if err != nil {
			res.CompletedAt = e.now()
			if i == 0 {
				e.gate.Release(ctx, res.Decision.Reservation)
				res.Err = err
				log.Warn("Leg 1 failed, attempt aborted", zap.Error(err))
				return res
			}
			return e.partial(ctx, res, plan, i, err, log)
		}
		res.Filled = append(res.Filled, filled)
		amountIn = filled.AmountOut
	}

	res.AmountOut = amountIn
	res.CompletedAt = e.now()
	log.Info("Plan executed",
		zap.Int("legs", len(res.Filled)),
		zap.String("amount_in", res.AmountIn.String()),
		zap.String("amount_out", res.AmountOut.String()),
		zap.Duration("duration", res.CompletedAt.Sub(res.StartedAt)))
	return res
}

// runLeg quotes (unless the planned quote is still valid), submits and waits.
func (e *Executor) runLeg(ctx context.Context, leg Leg, plan Plan, usePlanned bool, log *zap.Logger) (LegResult, error) {
	quoted := leg.QuotedOut
	if !usePlanned || !quoted.IsPositive() {
		q, err := e.client.QuoteExactInput(ctx, leg.TokenIn, leg.TokenOut, leg.AmountIn, leg.FeeTier)
		if err != nil {
			return LegResult{}, tradeerr.Wrap(tradeerr.KindQuoteUnavailable, "executor.quote", err)
		}
		quoted = q.OutAmount
	}

	out := LegResult{Leg: leg, MinOut: MinOut(quoted, plan.SlippageBps)}
	out.QuotedOut = quoted

	tx, err := e.client.Swap(ctx, leg.TokenIn, leg.TokenOut, leg.FeeTier,
		dex.SwapParams{ExactIn: leg.AmountIn, AmountOutMinimum: out.MinOut}, plan.Wallet)
	if err != nil {
		return LegResult{}, tradeerr.Wrap(tradeerr.KindExternalService, "executor.swap", err)
	}
	out.TxID = tx.ID()

	waitCtx := ctx
	if e.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		defer cancel()
	}
	receipt, err := tx.Wait(waitCtx)
	if err != nil {
		return LegResult{}, tradeerr.Wrap(tradeerr.KindExternalService, "executor.wait",
			fmt.Errorf("transaction %s: %w", out.TxID, err))
	}
	out.TxHash = receipt.TransactionHash
	out.AmountOut = receipt.AmountOut
	if !out.AmountOut.IsPositive() {
		out.AmountOut = quoted
	}

	log.Info("Leg filled",
		zap.String("token_in", leg.TokenIn),
		zap.String("token_out", leg.TokenOut),
		zap.Int("fee_tier", leg.FeeTier),
		zap.String("amount_in", leg.AmountIn.String()),
		zap.String("min_out", out.MinOut.String()),
		zap.String("amount_out", out.AmountOut.String()),
		zap.String("tx_hash", out.TxHash))
	return out, nil
}

func (e *Executor) partial(ctx context.Context, res Result, plan Plan, failed int, cause error, log *zap.Logger) Result {
	res.Partial = true
	res.Err = &tradeerr.Error{
		Kind: tradeerr.KindPartialExecution,
		Op:   "executor",
		Msg:  fmt.Sprintf("leg %d of %d failed after earlier legs filled; wallet holds unhedged balance", failed+1, len(plan.Legs)),
		Err:  cause,
	}
	if n := len(res.Filled); n > 0 {
		res.AmountOut = res.Filled[n-1].AmountOut
	}

	// The reserved worst case becomes realized until an operator reconciles.
	e.gate.Settle(ctx, res.Decision.Reservation, res.Decision.Reservation.AmountUSD.Neg())

	held := ""
	if n := len(res.Filled); n > 0 {
		held = res.Filled[n-1].TokenOut
	}
	log.Error("PARTIAL EXECUTION: manual reconciliation required",
		zap.String("severity", "critical"),
		zap.Int("failed_leg", failed+1),
		zap.String("unhedged_token", held),
		zap.String("unhedged_amount", res.AmountOut.String()),
		zap.Error(cause))

	e.mu.Lock()
	fn := e.onPartial
	e.mu.Unlock()
	if fn != nil {
		fn(PartialFailure{
			AttemptID: res.AttemptID,
			Strategy:  plan.Strategy,
			Wallet:    plan.Wallet,
			Filled:    res.Filled,
			FailedLeg: failed + 1,
			Err:       cause,
		})
	}
	return res
}

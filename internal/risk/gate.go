// internal/risk/gate.go
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds admission limits. Zero limits are disabled.
type Config struct {
	DailyLossLimitUSD    decimal.Decimal
	StrategyDailyLossUSD map[string]decimal.Decimal
	MaxTradeUSD          map[string]decimal.Decimal
	DefaultMaxTradeUSD   decimal.Decimal
	// MinTradeUSD is the smallest size a request may be shrunk to.
	MinTradeUSD          decimal.Decimal
	MaxSlippageBps       int
	ResetHour            int
	Location             *time.Location
	MaxConsecutiveLosses int
	Cooldown             time.Duration
}

// TradeRequest asks for admission of one trade attempt.
type TradeRequest struct {
	Strategy    string
	Wallet      string
	TokenIn     string
	TokenOut    string
	AmountUSD   decimal.Decimal
	SlippageBps int
	// ReducesExposure marks exits of existing positions. They are never
	// blocked by loss ceilings and reserve no budget.
	ReducesExposure bool
}

// Decision is the gate's answer. AdjustedAmount is set when Allowed.
type Decision struct {
	Allowed        bool
	Reason         string
	AdjustedAmount decimal.Decimal
	Reservation    Reservation
}

// Resized reports whether the approved amount is below the requested one.
func (d Decision) Resized(requested decimal.Decimal) bool {
	return d.Allowed && d.AdjustedAmount.LessThan(requested)
}

// Gate approves, denies or shrinks trades against the shared State.
type Gate struct {
	cfg    Config
	state  *State
	store  StateStore
	now    func() time.Time
	logger *zap.Logger

	// persistMu orders snapshot-and-save so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
}

// NewGate creates a gate over state. store may be nil.
func NewGate(cfg Config, state *State, store StateStore, logger *zap.Logger) *Gate {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if state == nil {
		state = NewState()
	}
	return &Gate{
		cfg:    cfg,
		state:  state,
		store:  store,
		now:    time.Now,
		logger: logger.Named("risk"),
	}
}

// State returns the ledger the gate operates on.
func (g *Gate) State() *State {
	return g.state
}

// Period returns the key of the daily window containing t. Windows start at
// ResetHour local time.
func (g *Gate) Period(t time.Time) string {
	local := t.In(g.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), g.cfg.ResetHour, 0, 0, 0, g.cfg.Location)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start.Format("2006-01-02")
}

func (g *Gate) maxTrade(strategy string) decimal.Decimal {
	if v, ok := g.cfg.MaxTradeUSD[strategy]; ok {
		return v
	}
	return g.cfg.DefaultMaxTradeUSD
}

// CheckTradeAllowed decides on req and, when approving, reserves the
// approved amount as worst-case loss in the same critical section.
func (g *Gate) CheckTradeAllowed(ctx context.Context, req TradeRequest) Decision {
	d := g.admit(req)

	fields := []zap.Field{
		zap.String("strategy", req.Strategy),
		zap.String("wallet", req.Wallet),
		zap.String("token_in", req.TokenIn),
		zap.String("token_out", req.TokenOut),
		zap.String("requested_usd", req.AmountUSD.StringFixed(2)),
		zap.Int("slippage_bps", req.SlippageBps),
	}
	if !d.Allowed {
		g.logger.Info("Trade denied", append(fields, zap.String("reason", d.Reason))...)
		return d
	}
	if d.Resized(req.AmountUSD) {
		g.logger.Info("Trade resized", append(fields,
			zap.String("adjusted_usd", d.AdjustedAmount.StringFixed(2)),
			zap.String("reason", d.Reason))...)
	}
	g.persist(ctx)
	return d
}

func (g *Gate) admit(req TradeRequest) Decision {
	if !req.AmountUSD.IsPositive() {
		return Decision{Reason: fmt.Sprintf("invalid trade amount %s", req.AmountUSD)}
	}
	if g.cfg.MaxSlippageBps > 0 && req.SlippageBps > g.cfg.MaxSlippageBps {
		return Decision{Reason: fmt.Sprintf("slippage %d bps exceeds limit %d bps", req.SlippageBps, g.cfg.MaxSlippageBps)}
	}

	now := g.now()
	s := g.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollLocked(g.Period(now))

	if req.ReducesExposure {
		return Decision{
			Allowed:        true,
			AdjustedAmount: req.AmountUSD,
			Reservation:    Reservation{ID: uuid.New().String(), Strategy: req.Strategy, Wallet: req.Wallet, CreatedAt: now},
		}
	}

	if until, ok := s.cooldownUntil[req.Strategy]; ok && now.Before(until) {
		return Decision{Reason: fmt.Sprintf("strategy %s cooling down until %s", req.Strategy, until.Format(time.RFC3339))}
	}

	amount := req.AmountUSD
	var reason string

	if limit := g.maxTrade(req.Strategy); limit.IsPositive() && amount.GreaterThan(limit) {
		amount = limit
		reason = fmt.Sprintf("reduced to max trade size %s USD", limit.StringFixed(2))
	}

	remaining, limited := g.remainingLocked(req.Strategy)
	if limited {
		if !remaining.IsPositive() {
			return Decision{Reason: "daily loss limit reached"}
		}
		if amount.GreaterThan(remaining) {
			if remaining.LessThan(g.cfg.MinTradeUSD) {
				return Decision{Reason: fmt.Sprintf("remaining daily loss budget %s USD below minimum trade %s USD",
					remaining.StringFixed(2), g.cfg.MinTradeUSD.StringFixed(2))}
			}
			amount = remaining
			reason = fmt.Sprintf("reduced to remaining daily loss budget %s USD", remaining.StringFixed(2))
		}
	}

	res := Reservation{
		ID:        uuid.New().String(),
		Strategy:  req.Strategy,
		Wallet:    req.Wallet,
		AmountUSD: amount,
		CreatedAt: now,
	}
	s.reserved[res.ID] = res

	return Decision{Allowed: true, Reason: reason, AdjustedAmount: amount, Reservation: res}
}

// remainingLocked returns the tighter of the global and per-strategy budgets
// net of realized losses and open reservations.
func (g *Gate) remainingLocked(strategy string) (decimal.Decimal, bool) {
	s := g.state
	reservedTotal, reservedStrategy := s.reservedLocked(strategy)

	var (
		remaining decimal.Decimal
		limited   bool
	)
	if g.cfg.DailyLossLimitUSD.IsPositive() {
		remaining = g.cfg.DailyLossLimitUSD.Sub(s.realizedLoss).Sub(reservedTotal)
		limited = true
	}
	if limit, ok := g.cfg.StrategyDailyLossUSD[strategy]; ok && limit.IsPositive() {
		r := limit.Sub(s.strategyLoss[strategy]).Sub(reservedStrategy)
		if !limited || r.LessThan(remaining) {
			remaining = r
		}
		limited = true
	}
	return remaining, limited
}

// Remaining reports the budget currently available to strategy.
func (g *Gate) Remaining(strategy string) (decimal.Decimal, bool) {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	g.state.rollLocked(g.Period(g.now()))
	return g.remainingLocked(strategy)
}

// Settle closes a reservation with the trade's realized PnL in USD.
func (g *Gate) Settle(ctx context.Context, res Reservation, pnlUSD decimal.Decimal) {
	now := g.now()
	s := g.state

	s.mu.Lock()
	delete(s.reserved, res.ID)
	s.rollLocked(g.Period(now))

	if pnlUSD.IsNegative() {
		loss := pnlUSD.Neg()
		s.realizedLoss = s.realizedLoss.Add(loss)
		s.strategyLoss[res.Strategy] = s.strategyLoss[res.Strategy].Add(loss)
		s.consecutiveLosses[res.Strategy]++
		if g.cfg.MaxConsecutiveLosses > 0 && s.consecutiveLosses[res.Strategy] >= g.cfg.MaxConsecutiveLosses {
			s.cooldownUntil[res.Strategy] = now.Add(g.cfg.Cooldown)
			s.consecutiveLosses[res.Strategy] = 0
			g.logger.Warn("Strategy entering cooldown",
				zap.String("strategy", res.Strategy),
				zap.Duration("cooldown", g.cfg.Cooldown))
		}
	} else {
		s.realizedProfit = s.realizedProfit.Add(pnlUSD)
		s.consecutiveLosses[res.Strategy] = 0
	}
	realized := s.realizedLoss
	s.mu.Unlock()

	g.logger.Debug("Reservation settled",
		zap.String("reservation_id", res.ID),
		zap.String("strategy", res.Strategy),
		zap.String("pnl_usd", pnlUSD.StringFixed(4)),
		zap.String("realized_loss_usd", realized.StringFixed(4)))

	g.persist(ctx)
}

// Release returns a reservation's budget unused.
func (g *Gate) Release(ctx context.Context, res Reservation) {
	g.state.mu.Lock()
	delete(g.state.reserved, res.ID)
	g.state.mu.Unlock()

	g.persist(ctx)
}

// Load restores the ledger from the store, replacing the current state.
func (g *Gate) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	snap, found, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	if !found {
		return nil
	}

	restored := RestoreState(snap)
	s := g.state
	s.mu.Lock()
	s.period = restored.period
	s.realizedLoss = restored.realizedLoss
	s.realizedProfit = restored.realizedProfit
	s.strategyLoss = restored.strategyLoss
	s.consecutiveLosses = restored.consecutiveLosses
	s.cooldownUntil = restored.cooldownUntil
	s.mu.Unlock()

	if len(snap.Reservations) > 0 {
		g.logger.Warn("Unsettled reservations booked as loss",
			zap.Int("count", len(snap.Reservations)))
	}
	return nil
}

func (g *Gate) persist(ctx context.Context) {
	if g.store == nil {
		return
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	if err := g.store.Save(ctx, g.state.Snapshot()); err != nil {
		g.logger.Error("Failed to persist risk state", zap.Error(err))
	}
}

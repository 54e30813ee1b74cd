// internal/position/ledger.go
package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

var hundred = decimal.NewFromInt(100)

// Position is an open accumulation lot. It is always sold whole.
type Position struct {
	ID              string          `json:"id"`
	Token           string          `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	CostUSD         decimal.Decimal `json:"cost_usd"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	BuyTime         time.Time       `json:"buy_time"`
	TargetSellPrice decimal.Decimal `json:"target_sell_price"`
	Level           float64         `json:"level,omitempty"`
}

// TargetSellPrice is buyPrice * (1 + takeProfitPct/100).
func TargetSellPrice(buyPrice decimal.Decimal, takeProfitPct float64) decimal.Decimal {
	return buyPrice.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(takeProfitPct).Div(hundred)))
}

// ChangePct returns the percent move from entry to price.
func (p Position) ChangePct(price decimal.Decimal) float64 {
	if p.BuyPrice.IsZero() {
		return 0
	}
	pct, _ := price.Sub(p.BuyPrice).Div(p.BuyPrice).Mul(hundred).Float64()
	return pct
}

// SellReason names the trigger that closed a position.
type SellReason string

const (
	ReasonTakeProfit  SellReason = "take_profit"
	ReasonTargetPrice SellReason = "target_price"
	ReasonStopLoss    SellReason = "stop_loss"
	ReasonSignal      SellReason = "signal"
)

// SellSignal pairs an open position with the trigger that fired for it.
type SellSignal struct {
	Position Position
	Reason   SellReason
}

// BuySignal describes a retracement hit.
type BuySignal struct {
	Level    float64
	Fraction float64
	Low      float64
	High     float64
}

// Config tunes entries and exits.
type Config struct {
	Token string
	// Levels are the retracement ratios within [0,1] that trigger a buy.
	Levels          []float64
	Tolerance       float64
	Window          time.Duration
	MaxOpenValueUSD decimal.Decimal
	TakeProfitPct   float64
	StopLossPct     float64
	HistorySize     int
	HistoryAge      time.Duration
}

// DefaultLevels are the canonical Fibonacci retracement ratios.
var DefaultLevels = []float64{0.236, 0.382, 0.5, 0.618, 0.786}

// Ledger tracks one session's open positions and price window. Every
// mutation is persisted before it is reported as done.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	positions []Position
	history   *PriceHistory
	store     storage.Store[[]Position]
	logger    *zap.Logger
}

// NewLedger loads persisted positions from store.
func NewLedger(ctx context.Context, cfg Config, store storage.Store[[]Position], logger *zap.Logger) (*Ledger, error) {
	if len(cfg.Levels) == 0 {
		cfg.Levels = DefaultLevels
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.02
	}
	if cfg.Window <= 0 {
		cfg.Window = 6 * time.Hour
	}

	l := &Ledger{
		cfg:     cfg,
		history: NewPriceHistory(cfg.HistorySize, cfg.HistoryAge),
		store:   store,
		logger:  logger.Named("ledger").With(zap.String("token", cfg.Token)),
	}

	if store != nil {
		saved, found, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load positions: %w", err)
		}
		if found {
			l.positions = saved
			l.logger.Info("Restored open positions", zap.Int("count", len(saved)))
		}
	}
	return l, nil
}

// History exposes the price window.
func (l *Ledger) History() *PriceHistory {
	return l.history
}

// RecordPrice appends an observation to the price window.
func (l *Ledger) RecordPrice(price float64, at time.Time) {
	l.history.Add(price, at)
}

// Positions returns a copy of the open positions.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Position, len(l.positions))
	copy(out, l.positions)
	return out
}

// OpenValueUSD is the cost basis of all open positions.
func (l *Ledger) OpenValueUSD() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openValueLocked()
}

func (l *Ledger) openValueLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.CostUSD)
	}
	return total
}

// HasCapacity reports whether adding amountUSD keeps open value within the cap.
// A zero cap means no limit.
func (l *Ledger) HasCapacity(amountUSD decimal.Decimal) bool {
	if l.cfg.MaxOpenValueUSD.IsZero() {
		return true
	}
	return l.OpenValueUSD().Add(amountUSD).LessThanOrEqual(l.cfg.MaxOpenValueUSD)
}

// BuySignal checks whether price sits on a retracement level of the recent
// range and open value is below the cap.
func (l *Ledger) BuySignal(price float64, now time.Time) (BuySignal, bool) {
	low, high, ok := l.history.Range(l.cfg.Window, now)
	if !ok || high <= low {
		return BuySignal{}, false
	}
	if !l.cfg.MaxOpenValueUSD.IsZero() && !l.OpenValueUSD().LessThan(l.cfg.MaxOpenValueUSD) {
		return BuySignal{}, false
	}

	fraction := (price - low) / (high - low)
	if fraction < 0 || fraction > 1 {
		return BuySignal{}, false
	}
	for _, level := range l.cfg.Levels {
		if math.Abs(fraction-level) <= l.cfg.Tolerance {
			return BuySignal{Level: level, Fraction: fraction, Low: low, High: high}, true
		}
	}
	return BuySignal{}, false
}

// SellSignals returns every open position whose exit trigger fires at price.
func (l *Ledger) SellSignals(price decimal.Decimal) []SellSignal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []SellSignal
	for _, p := range l.positions {
		if reason, ok := l.exitReason(p, price); ok {
			out = append(out, SellSignal{Position: p, Reason: reason})
		}
	}
	return out
}

func (l *Ledger) exitReason(p Position, price decimal.Decimal) (SellReason, bool) {
	change := p.ChangePct(price)
	switch {
	case l.cfg.TakeProfitPct > 0 && change >= l.cfg.TakeProfitPct:
		return ReasonTakeProfit, true
	case !p.TargetSellPrice.IsZero() && price.GreaterThanOrEqual(p.TargetSellPrice):
		return ReasonTargetPrice, true
	case l.cfg.StopLossPct > 0 && change <= -l.cfg.StopLossPct:
		return ReasonStopLoss, true
	}
	return "", false
}

// Open records a filled buy and persists the position set.
func (l *Ledger) Open(ctx context.Context, amount, costUSD, buyPrice decimal.Decimal, level float64, at time.Time) (Position, error) {
	p := Position{
		ID:              uuid.New().String(),
		Token:           l.cfg.Token,
		Amount:          amount,
		CostUSD:         costUSD,
		BuyPrice:        buyPrice,
		BuyTime:         at,
		TargetSellPrice: TargetSellPrice(buyPrice, l.cfg.TakeProfitPct),
		Level:           level,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = append(l.positions, p)
	if err := l.persistLocked(ctx); err != nil {
		return p, err
	}

	l.logger.Info("Position opened",
		zap.String("id", p.ID),
		zap.String("amount", amount.String()),
		zap.String("buy_price", buyPrice.String()),
		zap.String("target_sell_price", p.TargetSellPrice.String()),
		zap.Float64("level", level))
	return p, nil
}

// Close removes a sold position and persists the position set.
func (l *Ledger) Close(ctx context.Context, id string) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, p := range l.positions {
		if p.ID != id {
			continue
		}
		l.positions = append(l.positions[:i], l.positions[i+1:]...)
		if err := l.persistLocked(ctx); err != nil {
			return p, err
		}
		l.logger.Info("Position closed", zap.String("id", id))
		return p, nil
	}
	return Position{}, fmt.Errorf("position %s: %w", id, storage.ErrNotFound)
}

// Flush persists the current position set.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked(ctx)
}

// persistLocked writes the full set. The in-memory set stays authoritative
// when the write fails; the error is reported so the caller can log it.
func (l *Ledger) persistLocked(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	snapshot := make([]Position, len(l.positions))
	copy(snapshot, l.positions)
	if err := l.store.Save(ctx, snapshot); err != nil {
		l.logger.Error("Failed to persist positions", zap.Error(err))
		return tradeerr.Wrap(tradeerr.KindPersistence, "ledger.persist", err)
	}
	return nil
}

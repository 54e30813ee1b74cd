// internal/risk/state.go
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Reservation is budget held for an approved trade until it settles.
type Reservation struct {
	ID        string          `json:"id"`
	Strategy  string          `json:"strategy"`
	Wallet    string          `json:"wallet"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot is the persisted form of State.
type Snapshot struct {
	Period            string                     `json:"period"`
	RealizedLossUSD   decimal.Decimal            `json:"realized_loss_usd"`
	RealizedProfitUSD decimal.Decimal            `json:"realized_profit_usd"`
	StrategyLossUSD   map[string]decimal.Decimal `json:"strategy_loss_usd"`
	ConsecutiveLosses map[string]int             `json:"consecutive_losses"`
	CooldownUntil     map[string]time.Time       `json:"cooldown_until"`
	Reservations      []Reservation              `json:"reservations"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// State is the process-wide risk ledger. All reads and writes happen under
// one lock so that check-and-reserve is a single step.
type State struct {
	mu sync.Mutex

	period            string
	realizedLoss      decimal.Decimal
	realizedProfit    decimal.Decimal
	strategyLoss      map[string]decimal.Decimal
	consecutiveLosses map[string]int
	cooldownUntil     map[string]time.Time
	reserved          map[string]Reservation
}

// NewState returns an empty ledger.
func NewState() *State {
	return &State{
		strategyLoss:      make(map[string]decimal.Decimal),
		consecutiveLosses: make(map[string]int),
		cooldownUntil:     make(map[string]time.Time),
		reserved:          make(map[string]Reservation),
	}
}

// RestoreState rebuilds a ledger from a snapshot. Reservations that were
// still open when the snapshot was taken have an unknown outcome and are
// booked as realized loss.
func RestoreState(s Snapshot) *State {
	st := NewState()
	st.period = s.Period
	st.realizedLoss = s.RealizedLossUSD
	st.realizedProfit = s.RealizedProfitUSD
	for k, v := range s.StrategyLossUSD {
		st.strategyLoss[k] = v
	}
	for k, v := range s.ConsecutiveLosses {
		st.consecutiveLosses[k] = v
	}
	for k, v := range s.CooldownUntil {
		st.cooldownUntil[k] = v
	}
	for _, r := range s.Reservations {
		st.realizedLoss = st.realizedLoss.Add(r.AmountUSD)
		st.strategyLoss[r.Strategy] = st.strategyLoss[r.Strategy].Add(r.AmountUSD)
	}
	return st
}

// Snapshot copies the ledger for persistence.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Period:            s.period,
		RealizedLossUSD:   s.realizedLoss,
		RealizedProfitUSD: s.realizedProfit,
		StrategyLossUSD:   make(map[string]decimal.Decimal, len(s.strategyLoss)),
		ConsecutiveLosses: make(map[string]int, len(s.consecutiveLosses)),
		CooldownUntil:     make(map[string]time.Time, len(s.cooldownUntil)),
		Reservations:      make([]Reservation, 0, len(s.reserved)),
		UpdatedAt:         time.Now().UTC(),
	}
	for k, v := range s.strategyLoss {
		snap.StrategyLossUSD[k] = v
	}
	for k, v := range s.consecutiveLosses {
		snap.ConsecutiveLosses[k] = v
	}
	for k, v := range s.cooldownUntil {
		snap.CooldownUntil[k] = v
	}
	for _, r := range s.reserved {
		snap.Reservations = append(snap.Reservations, r)
	}
	return snap
}

// rollLocked clears the daily counters when the period changed.
func (s *State) rollLocked(period string) {
	if s.period == period {
		return
	}
	s.period = period
	s.realizedLoss = decimal.Zero
	s.realizedProfit = decimal.Zero
	s.strategyLoss = make(map[string]decimal.Decimal)
	s.consecutiveLosses = make(map[string]int)
}

func (s *State) reservedLocked(strategy string) (total, forStrategy decimal.Decimal) {
	for _, r := range s.reserved {
		total = total.Add(r.AmountUSD)
		if r.Strategy == strategy {
			forStrategy = forStrategy.Add(r.AmountUSD)
		}
	}
	return total, forStrategy
}

// InFlight returns the number of open reservations.
func (s *State) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reserved)
}

// RealizedLoss returns today's realized loss.
func (s *State) RealizedLoss() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realizedLoss
}

// StateStore persists ledger snapshots.
type StateStore interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

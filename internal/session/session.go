// internal/session/session.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Yuphix/fafnir-sub000/internal/strategy"
)

// Status is the reason a status update was broadcast.
type Status string

const (
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusStopped       Status = "stopped"
	StatusReconfigured  Status = "reconfigured"
	StatusTradeExecuted Status = "trade_executed"
	StatusTradeFailed   Status = "trade_failed"
)

// Performance accumulates a session's trade outcomes.
type Performance struct {
	TotalTrades      int             `json:"total_trades"`
	SuccessfulTrades int             `json:"successful_trades"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	LastTradeAt      time.Time       `json:"last_trade_at"`
	WinRate          float64         `json:"win_rate"`
}

// isTrade reports whether r counts as a trade attempt. Holds and gate
// refusals do not.
func isTrade(r strategy.TradeResult) bool {
	switch r.Outcome {
	case strategy.StateNoOpportunity, strategy.StateAdmissionDenied:
		return false
	}
	return r.Executed || !r.Success
}

func (p *Performance) record(r strategy.TradeResult) {
	p.TotalTrades++
	if r.Success {
		p.SuccessfulTrades++
	}
	p.TotalProfit = p.TotalProfit.Add(r.Profit)
	if r.Executed {
		p.TotalVolume = p.TotalVolume.Add(r.Volume)
	}
	p.LastTradeAt = r.Timestamp
	p.WinRate = float64(p.SuccessfulTrades) / float64(p.TotalTrades) * 100
}

// Session is a point-in-time view of one wallet's execution context.
type Session struct {
	ID          string                `json:"session_id"`
	Wallet      string                `json:"wallet_address"`
	StrategyID  string                `json:"strategy"`
	Config      strategy.Config       `json:"config"`
	Active      bool                  `json:"is_active"`
	State       strategy.State        `json:"state,omitempty"`
	Performance Performance           `json:"performance"`
	LastTrade   *strategy.TradeResult `json:"last_trade,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// StatusUpdate is broadcast on every session state change and trade.
type StatusUpdate struct {
	WalletAddress string                `json:"wallet_address"`
	SessionID     string                `json:"session_id"`
	Strategy      string                `json:"strategy"`
	Status        Status                `json:"status"`
	LastTrade     *strategy.TradeResult `json:"last_trade,omitempty"`
	Performance   Performance           `json:"performance"`
	Timestamp     time.Time             `json:"timestamp"`
}

// instance is one strategy object. Cleanup runs at most once per instance.
type instance struct {
	strat strategy.Strategy
	once  sync.Once
}

func (i *instance) cleanup(ctx context.Context) (err error) {
	i.once.Do(func() {
		if c, ok := i.strat.(strategy.Cleaner); ok {
			err = c.Cleanup(ctx)
		}
	})
	return err
}

// session is the mutable per-wallet state behind Session.
type session struct {
	// exec is held for the duration of a tick's Execute call and while the
	// instance is being replaced or cleaned up.
	exec sync.Mutex

	mu         sync.Mutex
	id         string
	wallet     string
	strategyID string
	overrides  strategy.Config
	config     strategy.Config
	inst       *instance
	active     bool
	perf       Performance
	last       *strategy.TradeResult
	created    time.Time
	updated    time.Time
}

func (s *session) current() (*instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst, s.active
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Session{
		ID:          s.id,
		Wallet:      s.wallet,
		StrategyID:  s.strategyID,
		Config:      s.config.Clone(),
		Active:      s.active,
		Performance: s.perf,
		CreatedAt:   s.created,
		UpdatedAt:   s.updated,
	}
	if s.inst != nil {
		out.State = s.inst.strat.State()
	}
	if s.last != nil {
		last := *s.last
		out.LastTrade = &last
	}
	return out
}

func (s *session) update(status Status) StatusUpdate {
	snap := s.snapshot()
	return StatusUpdate{
		WalletAddress: snap.Wallet,
		SessionID:     snap.ID,
		Strategy:      snap.StrategyID,
		Status:        status,
		LastTrade:     snap.LastTrade,
		Performance:   snap.Performance,
		Timestamp:     time.Now(),
	}
}

// record folds r into the performance. It reports whether r was a trade.
func (s *session) record(r strategy.TradeResult) bool {
	if !isTrade(r) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf.record(r)
	last := r
	s.last = &last
	s.updated = time.Now()
	return true
}

// rosterEntry is the persisted form of a session. Only operator overrides
// are stored so that later default changes still apply.
type rosterEntry struct {
	SessionID   string          `json:"session_id"`
	Wallet      string          `json:"wallet"`
	StrategyID  string          `json:"strategy"`
	Overrides   strategy.Config `json:"config,omitempty"`
	Performance Performance     `json:"performance"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (s *session) entry() rosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rosterEntry{
		SessionID:   s.id,
		Wallet:      s.wallet,
		StrategyID:  s.strategyID,
		Overrides:   s.overrides.Clone(),
		Performance: s.perf,
		CreatedAt:   s.created,
	}
}

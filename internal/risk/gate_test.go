package risk

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGate(cfg Config, at *time.Time) *Gate {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	g := NewGate(cfg, NewState(), nil, zap.NewNop())
	g.now = func() time.Time { return *at }
	return g
}

func req(strategy, amount string) TradeRequest {
	return TradeRequest{Strategy: strategy, Wallet: "client|w1", TokenIn: "GUSDC", TokenOut: "GALA", AmountUSD: d(amount), SlippageBps: 50}
}

// burn books a realized loss of amount through the normal reserve/settle path.
func burn(t *testing.T, g *Gate, strategy, amount string) {
	t.Helper()
	dec := g.CheckTradeAllowed(context.Background(), req(strategy, amount))
	require.True(t, dec.Allowed, dec.Reason)
	g.Settle(context.Background(), dec.Reservation, d(amount).Neg())
}

func TestScenarioBNearCapIsResizedOrDenied(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	g := newTestGate(Config{DailyLossLimitUSD: d("50"), MinTradeUSD: d("1")}, &now)
	burn(t, g, "arbitrage", "48")

	dec := g.CheckTradeAllowed(context.Background(), req("arbitrage", "5"))
	require.True(t, dec.Allowed)
	assert.True(t, dec.AdjustedAmount.LessThanOrEqual(d("2")), dec.AdjustedAmount.String())
	assert.True(t, dec.Resized(d("5")))
	assert.NotEmpty(t, dec.Reason)

	strict := newTestGate(Config{DailyLossLimitUSD: d("50"), MinTradeUSD: d("5")}, &now)
	burn(t, strict, "arbitrage", "48")
	dec = strict.CheckTradeAllowed(context.Background(), req("arbitrage", "5"))
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "below minimum trade")
}

func TestConcurrentAdmissionsNeverOverspend(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{DailyLossLimitUSD: d("50"), MinTradeUSD: d("5")}, &now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = decimal.Zero
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec := g.CheckTradeAllowed(context.Background(), req("arbitrage", "5"))
			if dec.Allowed {
				mu.Lock()
				granted = granted.Add(dec.AdjustedAmount)
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.True(t, granted.Equal(d("50")), granted.String())
	assert.Equal(t, 10, g.State().InFlight())

	remaining, limited := g.Remaining("arbitrage")
	assert.True(t, limited)
	assert.True(t, remaining.IsZero())
}

func TestReleaseReturnsBudget(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{DailyLossLimitUSD: d("10")}, &now)

	dec := g.CheckTradeAllowed(context.Background(), req("dca", "10"))
	require.True(t, dec.Allowed)
	assert.False(t, g.CheckTradeAllowed(context.Background(), req("dca", "1")).Allowed)

	g.Release(context.Background(), dec.Reservation)
	assert.True(t, g.CheckTradeAllowed(context.Background(), req("dca", "1")).Allowed)
}

func TestProfitDoesNotConsumeBudget(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{DailyLossLimitUSD: d("10")}, &now)

	dec := g.CheckTradeAllowed(context.Background(), req("arbitrage", "10"))
	require.True(t, dec.Allowed)
	g.Settle(context.Background(), dec.Reservation, d("0.3"))

	remaining, _ := g.Remaining("arbitrage")
	assert.True(t, remaining.Equal(d("10")))
	assert.True(t, g.State().Snapshot().RealizedProfitUSD.Equal(d("0.3")))
}

func TestPerStrategyLimits(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{
		DailyLossLimitUSD:    d("100"),
		StrategyDailyLossUSD: map[string]decimal.Decimal{"trend": d("5")},
		MaxTradeUSD:          map[string]decimal.Decimal{"arbitrage": d("25")},
		DefaultMaxTradeUSD:   d("50"),
	}, &now)

	dec := g.CheckTradeAllowed(context.Background(), req("arbitrage", "40"))
	require.True(t, dec.Allowed)
	assert.True(t, dec.AdjustedAmount.Equal(d("25")))

	dec = g.CheckTradeAllowed(context.Background(), req("fibonacci", "80"))
	require.True(t, dec.Allowed)
	assert.True(t, dec.AdjustedAmount.Equal(d("50")))

	dec = g.CheckTradeAllowed(context.Background(), req("trend", "8"))
	require.True(t, dec.Allowed)
	assert.True(t, dec.AdjustedAmount.Equal(d("5")), "strategy ceiling is tighter than the global one")
}

func TestSlippageAndAmountValidation(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{MaxSlippageBps: 100}, &now)

	r := req("arbitrage", "5")
	r.SlippageBps = 150
	dec := g.CheckTradeAllowed(context.Background(), r)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "slippage")

	dec = g.CheckTradeAllowed(context.Background(), req("arbitrage", "0"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, g.State().InFlight())
}

func TestDailyResetAtLocalBoundary(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2025, 3, 1, 23, 0, 0, 0, loc)
	g := newTestGate(Config{DailyLossLimitUSD: d("10"), Location: loc, ResetHour: 0}, &now)

	burn(t, g, "arbitrage", "10")
	assert.False(t, g.CheckTradeAllowed(context.Background(), req("arbitrage", "1")).Allowed)

	now = time.Date(2025, 3, 1, 23, 59, 0, 0, loc)
	assert.False(t, g.CheckTradeAllowed(context.Background(), req("arbitrage", "1")).Allowed)

	now = time.Date(2025, 3, 2, 0, 0, 0, 0, loc)
	assert.True(t, g.CheckTradeAllowed(context.Background(), req("arbitrage", "1")).Allowed)
}

func TestPeriodHonorsResetHour(t *testing.T) {
	now := time.Now()
	g := newTestGate(Config{ResetHour: 6}, &now)

	assert.Equal(t, "2025-02-28", g.Period(time.Date(2025, 3, 1, 5, 59, 0, 0, time.UTC)))
	assert.Equal(t, "2025-03-01", g.Period(time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)))
}

func TestExitsBypassLossCeiling(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{DailyLossLimitUSD: d("10")}, &now)
	burn(t, g, "fibonacci", "10")

	r := req("fibonacci", "30")
	r.ReducesExposure = true
	dec := g.CheckTradeAllowed(context.Background(), r)
	require.True(t, dec.Allowed)
	assert.True(t, dec.AdjustedAmount.Equal(d("30")))
	assert.Equal(t, 0, g.State().InFlight())
}

func TestConsecutiveLossCooldown(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGate(Config{MaxConsecutiveLosses: 2, Cooldown: 30 * time.Minute}, &now)

	burn(t, g, "trend", "1")
	burn(t, g, "trend", "1")

	dec := g.CheckTradeAllowed(context.Background(), req("trend", "1"))
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "cooling down")
	assert.True(t, g.CheckTradeAllowed(context.Background(), req("arbitrage", "1")).Allowed)

	now = now.Add(31 * time.Minute)
	assert.True(t, g.CheckTradeAllowed(context.Background(), req("trend", "1")).Allowed)
}

func TestStatePersistsAndBooksOpenReservations(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewJSONFile[Snapshot](filepath.Join(t.TempDir(), "risk.json"), zap.NewNop())

	g := NewGate(Config{DailyLossLimitUSD: d("50"), Location: time.UTC}, NewState(), store, zap.NewNop())
	g.now = func() time.Time { return now }

	dec := g.CheckTradeAllowed(context.Background(), req("arbitrage", "5"))
	require.True(t, dec.Allowed)
	g.Settle(context.Background(), dec.Reservation, d("-3"))
	open := g.CheckTradeAllowed(context.Background(), req("arbitrage", "7"))
	require.True(t, open.Allowed)

	// process restarts with the 7 USD reservation unsettled
	restarted := NewGate(Config{DailyLossLimitUSD: d("50"), Location: time.UTC}, NewState(), store, zap.NewNop())
	restarted.now = func() time.Time { return now }
	require.NoError(t, restarted.Load(context.Background()))

	assert.True(t, restarted.State().RealizedLoss().Equal(d("10")))
	remaining, _ := restarted.Remaining("arbitrage")
	assert.True(t, remaining.Equal(d("40")), remaining.String())
}

// stallingStore holds its first armed save until a later save starts or
// a short timeout passes, and keeps the last snapshot written.
type stallingStore struct {
	mu      sync.Mutex
	armed   bool
	saves   int
	last    Snapshot
	release chan struct{}
}

func (s *stallingStore) Load(context.Context) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}

func (s *stallingStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	armed := s.armed
	if armed {
		s.saves++
	}
	n := s.saves
	s.mu.Unlock()

	if armed && n == 1 {
		select {
		case <-s.release:
		case <-time.After(100 * time.Millisecond):
		}
	} else if armed && n == 2 {
		close(s.release)
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return nil
}

func TestConcurrentSettlesPersistLatestState(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &stallingStore{release: make(chan struct{})}
	g := NewGate(Config{DailyLossLimitUSD: d("50"), Location: time.UTC}, NewState(), store, zap.NewNop())
	g.now = func() time.Time { return now }

	first := g.CheckTradeAllowed(context.Background(), req("arbitrage", "10"))
	second := g.CheckTradeAllowed(context.Background(), req("arbitrage", "5"))
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)

	store.mu.Lock()
	store.armed = true
	store.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Settle(context.Background(), first.Reservation, d("-10"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		g.Settle(context.Background(), second.Reservation, d("-5"))
	}()
	wg.Wait()

	assert.True(t, g.State().RealizedLoss().Equal(d("15")))
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.True(t, store.last.RealizedLossUSD.Equal(d("15")), store.last.RealizedLossUSD.String())
	assert.Empty(t, store.last.Reservations)
}

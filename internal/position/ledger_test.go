package position

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, cfg Config) (*Ledger, *storage.JSONFile[[]Position]) {
	t.Helper()
	store := storage.NewJSONFile[[]Position](filepath.Join(t.TempDir(), "positions.json"), zap.NewNop())
	l, err := NewLedger(context.Background(), cfg, store, zap.NewNop())
	require.NoError(t, err)
	return l, store
}

func TestTargetSellPrice(t *testing.T) {
	assert.True(t, TargetSellPrice(d("2.5"), 10).Equal(d("2.75")))
	assert.True(t, TargetSellPrice(d("0.0421"), 3).Equal(d("0.043363")))
	assert.True(t, TargetSellPrice(d("100"), 0).Equal(d("100")))
}

func TestSellAtExactlyTargetPrice(t *testing.T) {
	l, _ := newLedger(t, Config{Token: "GALA", TakeProfitPct: 10, StopLossPct: 5})
	ctx := context.Background()

	p, err := l.Open(ctx, d("1000"), d("25"), d("0.025"), 0.618, t0)
	require.NoError(t, err)
	assert.True(t, p.TargetSellPrice.Equal(d("0.0275")))

	assert.Empty(t, l.SellSignals(d("0.0274")))

	signals := l.SellSignals(p.TargetSellPrice)
	require.Len(t, signals, 1)
	assert.Equal(t, p.ID, signals[0].Position.ID)
	assert.True(t, signals[0].Position.Amount.Equal(d("1000")), "positions are sold whole")
}

func TestTargetPriceFiresWithoutTakeProfitPercent(t *testing.T) {
	l, _ := newLedger(t, Config{Token: "GALA"})
	ctx := context.Background()

	p, err := l.Open(ctx, d("10"), d("10"), d("1"), 0, t0)
	require.NoError(t, err)

	// hand-set target, as restored from an older snapshot
	l.positions[0].TargetSellPrice = d("1.2")
	assert.Empty(t, l.SellSignals(d("1.19")))
	signals := l.SellSignals(d("1.2"))
	require.Len(t, signals, 1)
	assert.Equal(t, ReasonTargetPrice, signals[0].Reason)
	assert.Equal(t, p.ID, signals[0].Position.ID)
}

func TestStopLoss(t *testing.T) {
	l, _ := newLedger(t, Config{Token: "GALA", TakeProfitPct: 10, StopLossPct: 5})
	_, err := l.Open(context.Background(), d("100"), d("100"), d("1"), 0.5, t0)
	require.NoError(t, err)

	assert.Empty(t, l.SellSignals(d("0.951")))
	signals := l.SellSignals(d("0.95"))
	require.Len(t, signals, 1)
	assert.Equal(t, ReasonStopLoss, signals[0].Reason)
}

func TestPositionsPersistAcrossRestart(t *testing.T) {
	cfg := Config{Token: "GALA", TakeProfitPct: 5}
	l, store := newLedger(t, cfg)
	ctx := context.Background()

	a, err := l.Open(ctx, d("10"), d("1"), d("0.1"), 0.382, t0)
	require.NoError(t, err)
	b, err := l.Open(ctx, d("20"), d("2"), d("0.1"), 0.5, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = l.Close(ctx, a.ID)
	require.NoError(t, err)

	restored, err := NewLedger(ctx, cfg, store, zap.NewNop())
	require.NoError(t, err)
	positions := restored.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, b.ID, positions[0].ID)
	assert.True(t, positions[0].TargetSellPrice.Equal(b.TargetSellPrice))

	_, err = restored.Close(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

type failingStore struct{}

func (failingStore) Load(context.Context) ([]Position, bool, error) { return nil, false, nil }
func (failingStore) Save(context.Context, []Position) error        { return errors.New("disk full") }

func TestPersistFailureIsReported(t *testing.T) {
	l, err := NewLedger(context.Background(), Config{Token: "GALA"}, failingStore{}, zap.NewNop())
	require.NoError(t, err)

	_, err = l.Open(context.Background(), d("1"), d("1"), d("1"), 0, t0)
	assert.True(t, errors.Is(err, tradeerr.ErrPersistence))
	assert.Len(t, l.Positions(), 1)
}

func TestBuySignalOnRetracementLevel(t *testing.T) {
	l, _ := newLedger(t, Config{Token: "GALA", Tolerance: 0.01, Window: 6 * time.Hour})

	// range 1.0 .. 2.0 over the last hours
	l.RecordPrice(2.0, t0.Add(-3*time.Hour))
	l.RecordPrice(1.0, t0.Add(-2*time.Hour))
	l.RecordPrice(1.5, t0.Add(-time.Hour))

	sig, ok := l.BuySignal(1.618, t0)
	require.True(t, ok)
	assert.Equal(t, 0.618, sig.Level)
	assert.InDelta(t, 0.618, sig.Fraction, 1e-9)

	_, ok = l.BuySignal(1.7, t0)
	assert.False(t, ok, "0.7 is not near any level")

	_, ok = l.BuySignal(1.241, t0)
	assert.True(t, ok, "within tolerance of 0.236")
}

func TestBuySignalIgnoresOldPricesAndFlatRange(t *testing.T) {
	l, _ := newLedger(t, Config{Token: "GALA", Window: time.Hour})

	l.RecordPrice(10, t0.Add(-5*time.Hour))
	l.RecordPrice(1, t0.Add(-10*time.Minute))
	_, ok := l.BuySignal(1, t0)
	assert.False(t, ok, "flat range inside the window")
}

func TestBuySignalRespectsOpenValueCap(t *testing.T) {
	l, _ := newLedger(t, Config{Token: "GALA", MaxOpenValueUSD: d("50")})
	l.RecordPrice(2, t0.Add(-time.Hour))
	l.RecordPrice(1, t0.Add(-30*time.Minute))

	_, ok := l.BuySignal(1.5, t0)
	require.True(t, ok)
	assert.True(t, l.HasCapacity(d("50")))

	_, err := l.Open(context.Background(), d("40"), d("50"), d("1.25"), 0.5, t0)
	require.NoError(t, err)

	_, ok = l.BuySignal(1.5, t0)
	assert.False(t, ok)
	assert.False(t, l.HasCapacity(d("0.01")))
}

func TestPriceHistoryBounds(t *testing.T) {
	h := NewPriceHistory(3, time.Hour)
	for i := 0; i < 5; i++ {
		h.Add(float64(i), t0.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 2.0, h.Points()[0].Price)

	h.Add(9, t0.Add(2*time.Hour))
	assert.Equal(t, 1, h.Len(), "points older than an hour are pruned")

	low, high, ok := h.Range(time.Hour, t0.Add(2*time.Hour))
	require.True(t, ok)
	assert.Equal(t, 9.0, low)
	assert.Equal(t, 9.0, high)
}

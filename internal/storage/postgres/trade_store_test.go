package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// setupTestDB connects to FAFNIR_TEST_POSTGRES_DSN and applies the schema.
func setupTestDB(t *testing.T) *Pool {
	t.Helper()

	dsn := os.Getenv("FAFNIR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FAFNIR_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(func() { pool.Close() })

	require.NoError(t, pool.Migrate(ctx))
	require.NoError(t, pool.Migrate(ctx), "schema must be idempotent")
	return pool
}

func TestTradeStore_SaveAndGet(t *testing.T) {
	pool := setupTestDB(t)
	store := NewTradeStore(pool)
	ctx := context.Background()

	rec := history.Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Wallet:    "wallet-" + uuid.New().String(),
		SessionID: "s1",
		Strategy:  "arbitrage",
		Action:    "round_trip",
		Pool:      "GUSDC/GALA@500/3000",
		AmountIn:  decimal.RequireFromString("10"),
		AmountOut: decimal.RequireFromString("10.0625"),
		Profit:    decimal.RequireFromString("0.0625"),
		Volume:    decimal.RequireFromString("10"),
		TxHashes:  []string{"0xa", "0xb"},
		Success:   true,
	}
	require.NoError(t, store.SaveTrade(ctx, rec))
	require.NoError(t, store.SaveTrade(ctx, rec), "duplicate ids are ignored")

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Wallet, got.Wallet)
	assert.True(t, rec.Timestamp.Equal(got.Timestamp))
	assert.True(t, rec.Profit.Equal(got.Profit))
	assert.Equal(t, rec.TxHashes, got.TxHashes)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTradeStore_Search(t *testing.T) {
	pool := setupTestDB(t)
	store := NewTradeStore(pool)
	ctx := context.Background()

	wallet := "wallet-" + uuid.New().String()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec := history.Record{
			ID:        uuid.New().String(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Wallet:    wallet,
			Strategy:  "fibonacci",
			Action:    "buy",
			Success:   i != 2,
		}
		if !rec.Success {
			rec.Error = "swap failed"
			rec.ErrorKind = tradeerr.KindExternalService
		}
		require.NoError(t, store.SaveTrade(ctx, rec))
	}

	all, err := store.Search(ctx, history.Filter{Wallet: wallet})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].Timestamp.Before(all[3].Timestamp))

	failed, err := store.Search(ctx, history.Filter{Wallet: wallet, OnlyFailed: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, tradeerr.KindExternalService, failed[0].ErrorKind)

	newest, err := store.Search(ctx, history.Filter{Wallet: wallet, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.True(t, newest[1].Timestamp.Equal(base.Add(3*time.Minute)))

	window, err := store.Search(ctx, history.Filter{Wallet: wallet, From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

// internal/storage/postgres/trade_store.go
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// TradeStore mirrors the trade history into the trades table.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ history.Sink = (*TradeStore)(nil)

// SaveTrade inserts rec. A record already stored under the same id is
// left untouched.
func (s *TradeStore) SaveTrade(ctx context.Context, rec history.Record) error {
	query := `
		INSERT INTO trades (
			trade_id, executed_at, wallet, session_id, strategy, action, pool,
			amount_in, amount_out, profit, volume, tx_hashes,
			success, partial, error, error_kind
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12,
			$13, $14, $15, $16
		)
		ON CONFLICT (trade_id) DO NOTHING
	`

	hashes := rec.TxHashes
	if hashes == nil {
		hashes = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Timestamp, rec.Wallet, rec.SessionID, rec.Strategy, rec.Action, rec.Pool,
		rec.AmountIn.String(), rec.AmountOut.String(), rec.Profit.String(), rec.Volume.String(), hashes,
		rec.Success, rec.Partial, rec.Error, string(rec.ErrorKind),
	)
	if err != nil {
		return tradeerr.Wrap(tradeerr.KindPersistence, "postgres.save_trade", fmt.Errorf("insert trade: %w", err))
	}
	return nil
}

const selectTrades = `
	SELECT trade_id, executed_at, wallet, session_id, strategy, action, pool,
		amount_in::text, amount_out::text, profit::text, volume::text, tx_hashes,
		success, partial, error, error_kind
	FROM trades
`

// GetByID returns one trade or storage.ErrNotFound.
func (s *TradeStore) GetByID(ctx context.Context, id string) (history.Record, error) {
	rows, err := s.pool.Query(ctx, selectTrades+" WHERE trade_id = $1", id)
	if err != nil {
		return history.Record{}, fmt.Errorf("query trade: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanTrade)
	if err != nil {
		if isNotFoundError(err) {
			return history.Record{}, storage.ErrNotFound
		}
		return history.Record{}, fmt.Errorf("scan trade: %w", err)
	}
	return rec, nil
}

// Search returns trades matching f ordered by execution time.
func (s *TradeStore) Search(ctx context.Context, f history.Filter) ([]history.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Wallet != "" {
		add("wallet = $%d", f.Wallet)
	}
	if f.Strategy != "" {
		add("strategy = $%d", f.Strategy)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("executed_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("executed_at < $%d", f.To)
	}
	if f.OnlySuccess {
		where = append(where, "success")
	}
	if f.OnlyFailed {
		where = append(where, "NOT success")
	}

	query := selectTrades
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		// newest Limit rows, returned oldest first
		query = fmt.Sprintf("SELECT * FROM (%s ORDER BY executed_at DESC, trade_id DESC LIMIT %d) t", query, f.Limit)
	}
	query += " ORDER BY executed_at, trade_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("scan trades: %w", err)
	}
	return recs, nil
}

func scanTrade(row pgx.CollectableRow) (history.Record, error) {
	var rec history.Record
	var amountIn, amountOut, profit, volume, kind string
	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.Wallet, &rec.SessionID, &rec.Strategy, &rec.Action, &rec.Pool,
		&amountIn, &amountOut, &profit, &volume, &rec.TxHashes,
		&rec.Success, &rec.Partial, &rec.Error, &kind,
	)
	if err != nil {
		return rec, err
	}
	rec.ErrorKind = tradeerr.Kind(kind)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&rec.AmountIn, amountIn}, {&rec.AmountOut, amountOut}, {&rec.Profit, profit}, {&rec.Volume, volume}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return rec, err
		}
	}
	if len(rec.TxHashes) == 0 {
		rec.TxHashes = nil
	}
	return rec, nil
}

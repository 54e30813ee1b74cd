// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Store persists a single snapshot value.
type Store[T any] interface {
	Load(ctx context.Context) (T, bool, error)
	Save(ctx context.Context, value T) error
}

// ErrNotFound is returned by record stores when a key does not exist.
var ErrNotFound = errors.New("not found")

// Layout maps engine state onto files under a data directory.
type Layout struct {
	Dir string
}

// Roster is the session roster snapshot.
func (l Layout) Roster() string {
	return filepath.Join(l.Dir, "sessions.json")
}

// RiskState is the risk ledger snapshot.
func (l Layout) RiskState() string {
	return filepath.Join(l.Dir, "risk_state.json")
}

// Positions is the open-position snapshot for one wallet's strategy.
func (l Layout) Positions(wallet, strategy string) string {
	return filepath.Join(l.Dir, "positions", SafeName(wallet)+"_"+SafeName(strategy)+".json")
}

// TradeLogDir holds one trade log per wallet.
func (l Layout) TradeLogDir() string {
	return filepath.Join(l.Dir, "trades")
}

// TradeLog is the append-only trade log for a wallet.
func (l Layout) TradeLog(wallet string) string {
	return filepath.Join(l.TradeLogDir(), SafeName(wallet)+".csv")
}

// ErrorLog is the append-only error log for a wallet.
func (l Layout) ErrorLog(wallet string) string {
	return filepath.Join(l.Dir, "errors", SafeName(wallet)+".csv")
}

// Exports is the output directory for trade exports.
func (l Layout) Exports() string {
	return filepath.Join(l.Dir, "exports")
}

// SafeName reduces s to characters that are safe in a file name.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

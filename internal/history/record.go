// internal/history/record.go
package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Yuphix/fafnir-sub000/internal/strategy"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// Record is one executed or failed trade as it is kept in history.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Wallet    string          `json:"wallet"`
	SessionID string          `json:"session_id,omitempty"`
	Strategy  string          `json:"strategy"`
	Action    string          `json:"action"`
	Pool      string          `json:"pool,omitempty"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Profit    decimal.Decimal `json:"profit"`
	Volume    decimal.Decimal `json:"volume"`
	TxHashes  []string        `json:"tx_hashes,omitempty"`
	Success   bool            `json:"success"`
	Partial   bool            `json:"partial,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind tradeerr.Kind   `json:"error_kind,omitempty"`
}

// FromResult converts a strategy result into a record.
func FromResult(sessionID string, r strategy.TradeResult) Record {
	return Record{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Wallet:    r.Wallet,
		SessionID: sessionID,
		Strategy:  r.Strategy,
		Action:    r.Action,
		Pool:      r.Pool,
		AmountIn:  r.AmountIn,
		AmountOut: r.AmountOut,
		Profit:    r.Profit,
		Volume:    r.Volume,
		TxHashes:  append([]string(nil), r.TxHashes...),
		Success:   r.Success,
		Partial:   r.Partial,
		Error:     r.Error,
		ErrorKind: r.ErrorKind,
	}
}

// ToCSV converts the record to a trade-log row.
func (r *Record) ToCSV() []string {
	return []string{
		r.ID,
		r.Timestamp.Format(time.RFC3339),
		r.Wallet,
		r.SessionID,
		r.Strategy,
		r.Action,
		r.Pool,
		formatDecimal(r.AmountIn),
		formatDecimal(r.AmountOut),
		formatDecimal(r.Profit),
		formatDecimal(r.Volume),
		strings.Join(r.TxHashes, ";"),
		formatBool(r.Success),
		formatBool(r.Partial),
		r.Error,
	}
}

// CSVHeaders returns the header row for trade logs and CSV exports.
func CSVHeaders() []string {
	return []string{
		"id",
		"timestamp",
		"wallet",
		"session_id",
		"strategy",
		"action",
		"pool",
		"amount_in",
		"amount_out",
		"profit",
		"volume",
		"tx_hashes",
		"success",
		"partial",
		"error",
	}
}

// ErrorCSVHeaders returns the header row for per-wallet error logs.
func ErrorCSVHeaders() []string {
	return []string{"timestamp", "wallet", "strategy", "trade_id", "kind", "partial", "error"}
}

// ToErrorCSV converts a failed record to an error-log row.
func (r *Record) ToErrorCSV() []string {
	return []string{
		r.Timestamp.Format(time.RFC3339),
		r.Wallet,
		r.Strategy,
		r.ID,
		string(r.ErrorKind),
		formatBool(r.Partial),
		r.Error,
	}
}

func formatDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func formatBool(b bool) string {
	return fmt.Sprintf("%t", b)
}

// internal/history/stats.go
package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// Filter selects records. Zero fields match everything.
type Filter struct {
	Wallet      string
	Strategy    string
	Action      string
	From        time.Time
	To          time.Time
	OnlySuccess bool
	OnlyFailed  bool
	Limit       int
}

// Match reports whether r passes every set field of f. From is inclusive,
// To exclusive.
func (f Filter) Match(r Record) bool {
	switch {
	case f.Wallet != "" && r.Wallet != f.Wallet:
		return false
	case f.Strategy != "" && r.Strategy != f.Strategy:
		return false
	case f.Action != "" && r.Action != f.Action:
		return false
	case !f.From.IsZero() && r.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !r.Timestamp.Before(f.To):
		return false
	case f.OnlySuccess && !r.Success:
		return false
	case f.OnlyFailed && r.Success:
		return false
	}
	return true
}

// Statistics aggregates a set of records.
type Statistics struct {
	TotalTrades      int             `json:"total_trades"`
	SuccessfulTrades int             `json:"successful_trades"`
	FailedTrades     int             `json:"failed_trades"`
	PartialTrades    int             `json:"partial_trades"`
	SuccessRate      float64         `json:"success_rate"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	WinCount         int             `json:"win_count"`
	LossCount        int             `json:"loss_count"`
	WinRate          float64         `json:"win_rate"`
	AvgWin           decimal.Decimal `json:"avg_win"`
	AvgLoss          decimal.Decimal `json:"avg_loss"`
	Strategies       map[string]int  `json:"strategies"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          time.Time       `json:"end_date"`
}

// Summarize computes statistics over records. Win rate is the share of
// successful trades with positive profit among successful trades with
// nonzero profit.
func Summarize(records []Record) Statistics {
	stats := Statistics{
		TotalTrades: len(records),
		Strategies:  make(map[string]int),
	}
	var wins, losses decimal.Decimal
	for _, r := range records {
		stats.Strategies[r.Strategy]++
		if stats.StartDate.IsZero() || r.Timestamp.Before(stats.StartDate) {
			stats.StartDate = r.Timestamp
		}
		if r.Timestamp.After(stats.EndDate) {
			stats.EndDate = r.Timestamp
		}
		if r.Partial {
			stats.PartialTrades++
		}
		if !r.Success {
			stats.FailedTrades++
			continue
		}
		stats.SuccessfulTrades++
		stats.TotalVolume = stats.TotalVolume.Add(r.Volume)
		stats.TotalProfit = stats.TotalProfit.Add(r.Profit)
		switch r.Profit.Sign() {
		case 1:
			stats.WinCount++
			wins = wins.Add(r.Profit)
		case -1:
			stats.LossCount++
			losses = losses.Add(r.Profit)
		}
	}

	if stats.TotalTrades > 0 {
		stats.SuccessRate = float64(stats.SuccessfulTrades) / float64(stats.TotalTrades) * 100
	}
	if decided := stats.WinCount + stats.LossCount; decided > 0 {
		stats.WinRate = float64(stats.WinCount) / float64(decided) * 100
	}
	if stats.WinCount > 0 {
		stats.AvgWin = wins.Div(decimal.NewFromInt(int64(stats.WinCount)))
	}
	if stats.LossCount > 0 {
		stats.AvgLoss = losses.Div(decimal.NewFromInt(int64(stats.LossCount)))
	}
	return stats
}

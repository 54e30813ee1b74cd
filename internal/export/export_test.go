package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/history"
)

var day = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func generateTestTrades() []history.Record {
	mk := func(id, wallet, strat string, at time.Time, profit string, success bool) history.Record {
		return history.Record{
			ID:        id,
			Timestamp: at,
			Wallet:    wallet,
			Strategy:  strat,
			Action:    "round_trip",
			Volume:    decimal.NewFromInt(10),
			Profit:    decimal.RequireFromString(profit),
			Success:   success,
		}
	}
	return []history.Record{
		mk("trade3", "wallet-one", "fibonacci", day.Add(9*time.Hour+30*time.Minute), "0", true),
		mk("trade1", "wallet-one", "arbitrage", day.Add(9*time.Hour), "0.5", true),
		mk("trade2", "wallet-two", "arbitrage", day.Add(9*time.Hour+10*time.Minute), "-0.2", true),
		mk("trade4", "wallet-two", "arbitrage", day.Add(14*time.Hour), "0", false),
		mk("trade5", "wallet-one", "arbitrage", day.Add(-time.Hour), "1", true),
	}
}

func TestTradeExportCSV(t *testing.T) {
	exporter := NewTradeExporter(zap.NewNop())

	outputPath, err := exporter.ExportTrades(generateTestTrades(), ExportOptions{
		Format:    FormatCSV,
		Filter:    history.Filter{Wallet: "wallet-one"},
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Failed to export trades: %v", err)
	}

	f, err := os.Open(outputPath)
	if err != nil {
		t.Fatalf("Failed to open export: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read export: %v", err)
	}

	if len(rows) != 4 {
		t.Fatalf("Expected header plus 3 rows, got %d", len(rows))
	}
	if got := []string{rows[1][0], rows[2][0], rows[3][0]}; strings.Join(got, ",") != "trade5,trade1,trade3" {
		t.Errorf("Expected rows sorted by time, got %v", got)
	}
}

func TestTradeExportJSON(t *testing.T) {
	exporter := NewTradeExporter(zap.NewNop())

	outputPath, err := exporter.ExportTrades(generateTestTrades(), ExportOptions{
		Format:    FormatJSON,
		Filter:    history.Filter{Strategy: "arbitrage", OnlySuccess: true},
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Failed to export trades: %v", err)
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read export file: %v", err)
	}
	var doc struct {
		TradeCount int `json:"trade_count"`
		Summary    struct {
			TotalProfit string `json:"total_profit"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if doc.TradeCount != 3 {
		t.Errorf("Expected 3 trades, got %d", doc.TradeCount)
	}
	if doc.Summary.TotalProfit != "1.3" {
		t.Errorf("Expected total profit 1.3, got %s", doc.Summary.TotalProfit)
	}
}

func TestTradeExportNoMatch(t *testing.T) {
	exporter := NewTradeExporter(zap.NewNop())
	_, err := exporter.ExportTrades(generateTestTrades(), ExportOptions{
		Format:    FormatCSV,
		Filter:    history.Filter{Wallet: "nobody"},
		OutputDir: t.TempDir(),
	})
	if !errors.Is(err, ErrNoTrades) {
		t.Fatalf("Expected ErrNoTrades, got %v", err)
	}

	_, err = exporter.ExportTrades(generateTestTrades(), ExportOptions{Format: "xml", OutputDir: t.TempDir()})
	if err == nil {
		t.Fatal("Expected unsupported format error")
	}
}

func TestDailyReportExport(t *testing.T) {
	exporter := NewTradeExporter(zap.NewNop())

	outputPath, err := exporter.ExportDailyReport(generateTestTrades(), day.Add(12*time.Hour), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to export daily report: %v", err)
	}
	if !strings.HasSuffix(outputPath, "daily_report_20260504.json") {
		t.Fatalf("Unexpected report path %s", outputPath)
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	var report DailyReport
	if err := json.Unmarshal(content, &report); err != nil {
		t.Fatalf("Invalid report: %v", err)
	}
	if report.TradeCount != 4 {
		t.Errorf("Expected 4 trades on the day, got %d", report.TradeCount)
	}
	if len(report.HourlyBreakdown) != 2 || report.HourlyBreakdown[0].Hour != 9 || report.HourlyBreakdown[0].TradeCount != 3 {
		t.Errorf("Unexpected hourly breakdown %+v", report.HourlyBreakdown)
	}
	if !report.HourlyBreakdown[0].Profit.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("Expected hour 9 profit 0.3, got %s", report.HourlyBreakdown[0].Profit)
	}

	empty, err := exporter.ExportDailyReport(generateTestTrades(), day.AddDate(0, 0, 3), t.TempDir())
	if err != nil || empty != "" {
		t.Errorf("Expected no report for an empty day, got %q, %v", empty, err)
	}
}

func TestFilenameGeneration(t *testing.T) {
	exporter := NewTradeExporter(zap.NewNop())
	exporter.now = func() time.Time { return day }

	tests := []struct {
		options  ExportOptions
		expected string
	}{
		{ExportOptions{Format: FormatCSV}, "trades_all_20260504_000000.csv"},
		{ExportOptions{Format: FormatJSON, Filter: history.Filter{Strategy: "conservative_dca"}}, "trades_conservative_dca_20260504_000000.json"},
		{ExportOptions{Format: FormatCSV, Filter: history.Filter{Strategy: "arbitrage", Wallet: "eth|0xABCDEF123"}}, "trades_arbitrage_eth_0xAB_20260504_000000.csv"},
	}

	for _, tt := range tests {
		if got := exporter.generateFilename(tt.options); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

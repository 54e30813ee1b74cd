// internal/export/export.go
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
)

// ExportFormat represents the export file format
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ErrNoTrades is returned when no record matches the export filter.
var ErrNoTrades = fmt.Errorf("no trades match the export criteria")

// ExportOptions configures the export behavior
type ExportOptions struct {
	Format    ExportFormat
	Filter    history.Filter
	OutputDir string
}

// TradeExporter writes trade records to export files.
type TradeExporter struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewTradeExporter creates a new trade exporter
func NewTradeExporter(logger *zap.Logger) *TradeExporter {
	return &TradeExporter{
		logger: logger,
		now:    time.Now,
	}
}

// ExportTrades writes the records matching options.Filter and returns the
// file path.
func (te *TradeExporter) ExportTrades(trades []history.Record, options ExportOptions) (string, error) {
	filtered := te.filterTrades(trades, options.Filter)
	if len(filtered) == 0 {
		return "", ErrNoTrades
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	if err := os.MkdirAll(options.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(options.OutputDir, te.generateFilename(options))

	var err error
	switch options.Format {
	case FormatCSV:
		err = te.exportToCSV(filtered, outputPath)
	case FormatJSON:
		err = te.exportToJSON(filtered, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	te.logger.Info("Trades exported",
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))

	return outputPath, nil
}

func (te *TradeExporter) filterTrades(trades []history.Record, f history.Filter) []history.Record {
	var filtered []history.Record
	for _, trade := range trades {
		if f.Match(trade) {
			filtered = append(filtered, trade)
		}
	}
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[len(filtered)-f.Limit:]
	}
	return filtered
}

func (te *TradeExporter) generateFilename(options ExportOptions) string {
	timestamp := te.now().Format("20060102_150405")

	prefix := "trades_all"
	if options.Filter.Strategy != "" {
		prefix = "trades_" + storage.SafeName(options.Filter.Strategy)
	}
	if w := options.Filter.Wallet; w != "" {
		if len(w) > 8 {
			w = w[:8]
		}
		prefix += "_" + storage.SafeName(w)
	}

	return fmt.Sprintf("%s_%s.%s", prefix, timestamp, options.Format)
}

func (te *TradeExporter) exportToCSV(trades []history.Record, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(history.CSVHeaders()); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, trade := range trades {
		if err := writer.Write(trade.ToCSV()); err != nil {
			return fmt.Errorf("failed to write trade: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (te *TradeExporter) exportToJSON(trades []history.Record, outputPath string) error {
	exportData := struct {
		ExportTime time.Time          `json:"export_time"`
		TradeCount int                `json:"trade_count"`
		Trades     []history.Record   `json:"trades"`
		Summary    history.Statistics `json:"summary"`
	}{
		ExportTime: te.now(),
		TradeCount: len(trades),
		Trades:     trades,
		Summary:    history.Summarize(trades),
	}
	return writeJSON(outputPath, exportData)
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// DailyReport represents a daily trading report
type DailyReport struct {
	Date            time.Time          `json:"date"`
	TradeCount      int                `json:"trade_count"`
	Summary         history.Statistics `json:"summary"`
	HourlyBreakdown []HourlyStats      `json:"hourly_breakdown"`
	Trades          []history.Record   `json:"trades"`
}

// HourlyStats represents trading statistics for an hour
type HourlyStats struct {
	Hour       int             `json:"hour"`
	TradeCount int             `json:"trade_count"`
	Successful int             `json:"successful"`
	Volume     decimal.Decimal `json:"volume"`
	Profit     decimal.Decimal `json:"profit"`
}

// ExportDailyReport writes the report for date's local day. It returns an
// empty path when the day has no trades.
func (te *TradeExporter) ExportDailyReport(trades []history.Record, date time.Time, outputDir string) (string, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	filtered := te.filterTrades(trades, history.Filter{From: startOfDay, To: startOfDay.AddDate(0, 0, 1)})

	if len(filtered) == 0 {
		te.logger.Info("No trades for daily report", zap.Time("date", startOfDay))
		return "", nil
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(outputDir, fmt.Sprintf("daily_report_%s.json", startOfDay.Format("20060102")))

	report := DailyReport{
		Date:            startOfDay,
		TradeCount:      len(filtered),
		Trades:          filtered,
		Summary:         history.Summarize(filtered),
		HourlyBreakdown: te.calculateHourlyBreakdown(filtered),
	}
	if err := writeJSON(outputPath, report); err != nil {
		return "", err
	}

	te.logger.Info("Daily report exported",
		zap.String("file", outputPath),
		zap.Time("date", startOfDay),
		zap.Int("trades", len(filtered)))

	return outputPath, nil
}

func (te *TradeExporter) calculateHourlyBreakdown(trades []history.Record) []HourlyStats {
	hourlyMap := make(map[int]*HourlyStats)

	for _, trade := range trades {
		hour := trade.Timestamp.Hour()
		stats, exists := hourlyMap[hour]
		if !exists {
			stats = &HourlyStats{Hour: hour}
			hourlyMap[hour] = stats
		}

		stats.TradeCount++
		if trade.Success {
			stats.Successful++
			stats.Volume = stats.Volume.Add(trade.Volume)
			stats.Profit = stats.Profit.Add(trade.Profit)
		}
	}

	var breakdown []HourlyStats
	for hour := 0; hour < 24; hour++ {
		if stats, exists := hourlyMap[hour]; exists {
			breakdown = append(breakdown, *stats)
		}
	}
	return breakdown
}

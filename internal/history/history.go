// internal/history/history.go
package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/logger"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// Sink receives every logged record in addition to the CSV logs.
type Sink interface {
	SaveTrade(ctx context.Context, rec Record) error
}

// Config sizes the in-memory history.
type Config struct {
	MaxRecords    int
	FlushInterval time.Duration
}

// History keeps an append-only CSV trade log and error log per wallet
// and the most recent records of all wallets in memory.
type History struct {
	mu      sync.RWMutex
	layout  storage.Layout
	cfg     Config
	trades  map[string]*logger.CSVWriter
	errs    map[string]*logger.CSVWriter
	records []Record
	sinks   []Sink
	logger  *zap.Logger
}

// New creates a history rooted at layout.
func New(layout storage.Layout, cfg Config, zapLogger *zap.Logger) *History {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &History{
		layout:  layout,
		cfg:     cfg,
		trades:  make(map[string]*logger.CSVWriter),
		errs:    make(map[string]*logger.CSVWriter),
		records: make([]Record, 0, cfg.MaxRecords),
		logger:  zapLogger.Named("history"),
	}
}

// AddSink mirrors every subsequent record into s.
func (h *History) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Log appends rec to the wallet's trade log, to its error log when the
// trade failed, to memory and to every sink. Sink failures are logged and
// do not fail the call.
func (h *History) Log(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	h.mu.Lock()
	w, err := h.writer(h.trades, rec.Wallet, h.layout.TradeLog(rec.Wallet), CSVHeaders())
	if err == nil {
		err = w.WriteRecord(rec.ToCSV())
	}
	if err == nil && !rec.Success {
		var ew *logger.CSVWriter
		if ew, err = h.writer(h.errs, rec.Wallet, h.layout.ErrorLog(rec.Wallet), ErrorCSVHeaders()); err == nil {
			err = ew.WriteRecord(rec.ToErrorCSV())
		}
	}
	h.push(rec)
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, s := range sinks {
		if serr := s.SaveTrade(ctx, rec); serr != nil {
			h.logger.Warn("Trade mirror failed", zap.String("trade_id", rec.ID), zap.Error(serr))
		}
	}

	if err != nil {
		h.logger.Error("Failed to write trade log",
			zap.String("trade_id", rec.ID),
			zap.String("wallet", rec.Wallet),
			zap.Error(err))
		return tradeerr.Wrap(tradeerr.KindPersistence, "history.log", err)
	}
	return nil
}

func (h *History) writer(set map[string]*logger.CSVWriter, wallet, path string, header []string) (*logger.CSVWriter, error) {
	if w, ok := set[wallet]; ok {
		return w, nil
	}
	w, err := logger.NewCSVWriter(path, header, h.cfg.FlushInterval, h.logger)
	if err != nil {
		return nil, err
	}
	set[wallet] = w
	return w, nil
}

func (h *History) push(rec Record) {
	if len(h.records) >= h.cfg.MaxRecords {
		copy(h.records, h.records[1:])
		h.records = h.records[:len(h.records)-1]
	}
	h.records = append(h.records, rec)
}

// Restore reloads the newest records from the trade logs on disk.
func (h *History) Restore() error {
	dir := h.layout.TradeLogDir()
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return err
	}

	var all []Record
	for _, f := range files {
		recs, err := readLog(f)
		if err != nil {
			h.logger.Warn("Skipping unreadable trade log", zap.String("file", f), zap.Error(err))
			continue
		}
		all = append(all, recs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if len(all) > h.cfg.MaxRecords {
		all = all[len(all)-h.cfg.MaxRecords:]
	}

	h.mu.Lock()
	h.records = append(h.records[:0], all...)
	h.mu.Unlock()

	h.logger.Info("Trade history restored", zap.Int("records", len(all)), zap.Int("files", len(files)))
	return nil
}

func readLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var out []Record
	for line := 0; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if line == 0 && len(row) > 0 && row[0] == "id" {
			continue
		}
		rec, err := parseRow(row)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", line+1, err)
		}
		out = append(out, rec)
	}
}

func parseRow(row []string) (Record, error) {
	if len(row) != len(CSVHeaders()) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(CSVHeaders()), len(row))
	}
	ts, err := time.Parse(time.RFC3339, row[1])
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        row[0],
		Timestamp: ts,
		Wallet:    row[2],
		SessionID: row[3],
		Strategy:  row[4],
		Action:    row[5],
		Pool:      row[6],
		Error:     row[14],
	}
	for i, dst := range []*decimal.Decimal{&rec.AmountIn, &rec.AmountOut, &rec.Profit, &rec.Volume} {
		if row[7+i] == "" {
			continue
		}
		if *dst, err = decimal.NewFromString(row[7+i]); err != nil {
			return Record{}, err
		}
	}
	if row[11] != "" {
		rec.TxHashes = strings.Split(row[11], ";")
	}
	rec.Success, _ = strconv.ParseBool(row[12])
	rec.Partial, _ = strconv.ParseBool(row[13])
	return rec, nil
}

// Recent returns up to limit of the newest records, oldest first.
func (h *History) Recent(limit int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.records) {
		limit = len(h.records)
	}
	out := make([]Record, limit)
	copy(out, h.records[len(h.records)-limit:])
	return out
}

// ByID returns the record with the given trade id.
func (h *History) ByID(id string) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].ID == id {
			return h.records[i], true
		}
	}
	return Record{}, false
}

// Search returns the in-memory records matching f, oldest first. A
// positive f.Limit keeps the newest matches.
func (h *History) Search(f Filter) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Record
	for _, r := range h.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Statistics summarizes the in-memory records of wallet, or of every
// wallet when wallet is empty.
func (h *History) Statistics(wallet string) Statistics {
	return Summarize(h.Search(Filter{Wallet: wallet}))
}

// Flush writes buffered log rows to disk.
func (h *History) Flush() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	for _, set := range []map[string]*logger.CSVWriter{h.trades, h.errs} {
		for _, w := range set {
			if err := w.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes every log file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Summarize(h.records)
	h.logger.Info("Closing trade history",
		zap.Int("total_trades", stats.TotalTrades),
		zap.String("total_volume", stats.TotalVolume.String()),
		zap.String("total_profit", stats.TotalProfit.String()),
		zap.Float64("success_rate", stats.SuccessRate))

	var errs []error
	for _, set := range []map[string]*logger.CSVWriter{h.trades, h.errs} {
		for wallet, w := range set {
			if err := w.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(set, wallet)
		}
	}
	return errors.Join(errs...)
}

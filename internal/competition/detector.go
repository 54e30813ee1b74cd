// internal/competition/detector.go
package competition

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pattern names a detectable trading cadence.
type Pattern string

const (
	PatternInterval         Pattern = "interval"
	PatternRoundAmounts     Pattern = "round-amounts"
	PatternIdenticalAmounts Pattern = "identical-amounts"
	PatternTimeBased        Pattern = "time-based"
)

// Level summarizes how much bot-like activity is active.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Trade is one observed trade from any wallet.
type Trade struct {
	Wallet string
	Amount decimal.Decimal
	At     time.Time
}

// Signature is a flagged pattern. It stays active until it has not been
// seen again for Config.SignatureTTL.
type Signature struct {
	Pattern      Pattern           `json:"pattern"`
	Interval     time.Duration     `json:"interval,omitempty"`
	TradeAmounts []decimal.Decimal `json:"trade_amounts,omitempty"`
	Hits         int               `json:"hits"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Config tunes the detector.
type Config struct {
	WindowSize        int
	WindowAge         time.Duration
	SignatureTTL      time.Duration
	Threshold         int
	MinIntervalTrades int

	BaseDelay       time.Duration
	DelayJitter     time.Duration
	MinAmountJitter float64
	MaxAmountJitter float64
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:        100,
		WindowAge:         time.Hour,
		SignatureTTL:      30 * time.Minute,
		Threshold:         3,
		MinIntervalTrades: 5,
		BaseDelay:         2 * time.Second,
		DelayJitter:       8 * time.Second,
		MinAmountJitter:   0.10,
		MaxAmountJitter:   0.20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.WindowAge <= 0 {
		c.WindowAge = def.WindowAge
	}
	if c.SignatureTTL <= 0 {
		c.SignatureTTL = def.SignatureTTL
	}
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.MinIntervalTrades <= 0 {
		c.MinIntervalTrades = def.MinIntervalTrades
	}
	if c.MaxAmountJitter <= 0 {
		c.MinAmountJitter, c.MaxAmountJitter = def.MinAmountJitter, def.MaxAmountJitter
	}
	if c.MinAmountJitter > c.MaxAmountJitter {
		c.MinAmountJitter = c.MaxAmountJitter
	}
	return c
}

// Detector watches the trade stream of every wallet for repetitive
// cadences. It is shared by all sessions and never persisted.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	window     []Trade
	signatures map[Pattern]*Signature

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

// NewDetector creates a detector.
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("competition"),
		signatures: make(map[Pattern]*Signature),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

// RecordTrade adds t to the window, runs every detector and returns the
// patterns that were not active before this trade.
func (d *Detector) RecordTrade(t Trade) []Pattern {
	if t.At.IsZero() {
		t.At = d.now()
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, t)
	d.pruneLocked(now)
	d.expireLocked(now)

	var fresh []Pattern
	flag := func(p Pattern, interval time.Duration, amounts []decimal.Decimal) {
		sig, ok := d.signatures[p]
		if !ok {
			sig = &Signature{Pattern: p, FirstSeen: now}
			d.signatures[p] = sig
			fresh = append(fresh, p)
		}
		sig.Hits++
		sig.LastSeen = now
		sig.Interval = interval
		sig.TradeAmounts = amounts
	}

	if interval, ok := detectInterval(d.window, d.cfg.MinIntervalTrades, d.cfg.Threshold); ok {
		flag(PatternInterval, interval, nil)
	}
	if amounts, ok := detectRoundAmounts(d.window, d.cfg.Threshold); ok {
		flag(PatternRoundAmounts, 0, amounts)
	}
	if amount, ok := detectIdenticalAmounts(d.window, d.cfg.Threshold); ok {
		flag(PatternIdenticalAmounts, 0, []decimal.Decimal{amount})
	}
	if detectTimeBuckets(d.window, d.cfg.Threshold) {
		flag(PatternTimeBased, 0, nil)
	}

	for _, p := range fresh {
		d.logger.Info("Competitor pattern detected",
			zap.String("pattern", string(p)),
			zap.Int("window", len(d.window)),
			zap.String("level", string(levelFor(len(d.signatures)))))
	}
	return fresh
}

func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.WindowAge)
	keep := d.window[:0]
	for _, t := range d.window {
		if !t.At.Before(cutoff) {
			keep = append(keep, t)
		}
	}
	if extra := len(keep) - d.cfg.WindowSize; extra > 0 {
		keep = append(keep[:0], keep[extra:]...)
	}
	d.window = keep
}

func (d *Detector) expireLocked(now time.Time) {
	for p, sig := range d.signatures {
		if now.Sub(sig.LastSeen) > d.cfg.SignatureTTL {
			delete(d.signatures, p)
			d.logger.Debug("Competitor pattern expired", zap.String("pattern", string(p)))
		}
	}
}

// WindowLen returns the number of trades currently in the window.
func (d *Detector) WindowLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now())
	return len(d.window)
}

// ActiveSignatures returns the unexpired signatures ordered by pattern.
func (d *Detector) ActiveSignatures() []Signature {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(d.now())

	out := make([]Signature, 0, len(d.signatures))
	for _, sig := range d.signatures {
		cp := *sig
		cp.TradeAmounts = append([]decimal.Decimal(nil), sig.TradeAmounts...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Level is LOW with no active signature, MEDIUM with one or two and HIGH
// with three or more.
func (d *Detector) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(d.now())
	return levelFor(len(d.signatures))
}

func levelFor(active int) Level {
	switch {
	case active >= 3:
		return LevelHigh
	case active >= 1:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Recommendations returns avoidance advice for the active signatures.
func (d *Detector) Recommendations() []string {
	var out []string
	for _, sig := range d.ActiveSignatures() {
		switch sig.Pattern {
		case PatternInterval:
			out = append(out, "Randomize trade timing; competitors trade every "+sig.Interval.String())
		case PatternRoundAmounts:
			out = append(out, "Avoid round trade amounts; add amount jitter")
		case PatternIdenticalAmounts:
			out = append(out, "Vary trade size; identical amounts are being repeated")
		case PatternTimeBased:
			out = append(out, "Spread trades across the hour; activity clusters in 5-minute slots")
		}
	}
	if len(out) == 0 {
		out = append(out, "No competitor patterns active; normal operation")
	}
	return out
}

// RandomDelay returns BaseDelay plus a uniform jitter in [0, DelayJitter).
func (d *Detector) RandomDelay() time.Duration {
	if d.cfg.DelayJitter <= 0 {
		return d.cfg.BaseDelay
	}
	d.rngMu.Lock()
	j := d.rng.Int63n(int64(d.cfg.DelayJitter))
	d.rngMu.Unlock()
	return d.cfg.BaseDelay + time.Duration(j)
}

// RandomizeAmount scales amount up or down by a uniform factor between
// MinAmountJitter and MaxAmountJitter.
func (d *Detector) RandomizeAmount(amount decimal.Decimal) decimal.Decimal {
	d.rngMu.Lock()
	pct := d.cfg.MinAmountJitter + d.rng.Float64()*(d.cfg.MaxAmountJitter-d.cfg.MinAmountJitter)
	if d.rng.Intn(2) == 0 {
		pct = -pct
	}
	d.rngMu.Unlock()
	return amount.Mul(decimal.NewFromFloat(1 + pct)).Round(6)
}

func detectInterval(window []Trade, minTrades, threshold int) (time.Duration, bool) {
	if len(window) < minTrades {
		return 0, false
	}
	times := make([]time.Time, len(window))
	for i, t := range window {
		times[i] = t.At
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	counts := make(map[time.Duration]int)
	best, bestCount := time.Duration(0), 0
	for i := 1; i < len(times); i++ {
		delta := times[i].Sub(times[i-1]).Round(time.Second)
		if delta <= 0 {
			continue
		}
		counts[delta]++
		if counts[delta] > bestCount {
			best, bestCount = delta, counts[delta]
		}
	}
	return best, bestCount >= threshold
}

// IsRound reports whether amount ends in 0 or 5 or is an exact power of ten.
func IsRound(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	s := amount.String()
	if last := s[len(s)-1]; last == '0' || last == '5' {
		return true
	}
	digits := strings.Trim(strings.ReplaceAll(s, ".", ""), "0")
	return digits == "1"
}

func detectRoundAmounts(window []Trade, threshold int) ([]decimal.Decimal, bool) {
	var round []decimal.Decimal
	for _, t := range window {
		if IsRound(t.Amount) {
			round = append(round, t.Amount)
		}
	}
	return round, len(round) >= threshold
}

func detectIdenticalAmounts(window []Trade, threshold int) (decimal.Decimal, bool) {
	counts := make(map[string]int)
	for _, t := range window {
		key := t.Amount.String()
		counts[key]++
		if counts[key] >= threshold {
			return t.Amount, true
		}
	}
	return decimal.Zero, false
}

func detectTimeBuckets(window []Trade, threshold int) bool {
	counts := make(map[int]int)
	for _, t := range window {
		slot := t.At.Minute() / 5
		counts[slot]++
		if counts[slot] >= threshold {
			return true
		}
	}
	return false
}

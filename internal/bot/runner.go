// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
	"github.com/Yuphix/fafnir-sub000/internal/config"
	"github.com/Yuphix/fafnir-sub000/internal/dex"
	"github.com/Yuphix/fafnir-sub000/internal/events"
	"github.com/Yuphix/fafnir-sub000/internal/executor"
	"github.com/Yuphix/fafnir-sub000/internal/export"
	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/market"
	"github.com/Yuphix/fafnir-sub000/internal/metrics"
	"github.com/Yuphix/fafnir-sub000/internal/opportunity"
	"github.com/Yuphix/fafnir-sub000/internal/risk"
	"github.com/Yuphix/fafnir-sub000/internal/session"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/storage/postgres"
	"github.com/Yuphix/fafnir-sub000/internal/strategy"
)

// Runner wires the engine together and owns its lifecycle.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	layout   storage.Layout
	shutdown *ShutdownHandler

	paper    *dex.PaperClient
	client   *dex.CachedClient
	gate     *risk.Gate
	detector *competition.Detector
	bus      *events.Bus
	metrics  *metrics.Collector
	history  *history.History
	manager  *session.Manager
	commands *CommandBus
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		layout:   storage.Layout{Dir: cfg.DataDir},
		shutdown: NewShutdownHandler(logger, 30*time.Second),
	}
}

// Manager returns the session manager. It is nil before Initialize.
func (r *Runner) Manager() *session.Manager { return r.manager }

// Commands returns the operator command bus.
func (r *Runner) Commands() *CommandBus { return r.commands }

// History returns the trade history.
func (r *Runner) History() *history.History { return r.history }

// Initialize builds every component. Resources are registered for
// shutdown as they are created, so a failed Initialize is still cleaned
// up by Shutdown.
func (r *Runner) Initialize(ctx context.Context) error {
	cfg := r.cfg
	log := r.logger

	var tokens *dex.TokenRegistry
	if cfg.TokensFile != "" {
		var err error
		if tokens, err = dex.LoadTokenRegistry(cfg.TokensFile); err != nil {
			return fmt.Errorf("load tokens: %w", err)
		}
		log.Info("Token registry loaded", zap.Strings("symbols", tokens.Symbols()))
	}

	client, err := dex.GetClientByName(cfg.Exchange, log)
	if err != nil {
		return err
	}
	if paper, ok := client.(*dex.PaperClient); ok {
		r.paper = paper
		r.seedPaper()
	}

	var cache dex.QuoteCache = dex.NewMemoryQuoteCache()
	if cfg.QuoteCache.RedisURL != "" {
		rc, err := dex.NewRedisQuoteCache(ctx, cfg.QuoteCache.RedisURL)
		if err != nil {
			return fmt.Errorf("connect quote cache: %w", err)
		}
		r.shutdown.Add("redis quote cache", rc)
		cache = rc
		log.Info("Using shared quote cache", zap.String("backend", "redis"))
	}
	r.client = dex.NewCachedClient(client, cache, cfg.QuoteTTL(), log)

	finder := opportunity.NewFinder(r.client, tokens, opportunity.Config{
		FeeTiers:      cfg.FeeTiers,
		MinProfitBps:  cfg.MinProfitBps,
		LogRejections: cfg.RejectionLog,
	}, log)

	riskStore := storage.NewJSONFile[risk.Snapshot](r.layout.RiskState(), log)
	r.gate = risk.NewGate(cfg.RiskGate(), nil, riskStore, log)
	if err := r.gate.Load(ctx); err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}

	r.bus = events.NewBus(log, cfg.EventBufferSize)
	r.shutdown.Add("event bus", CloseFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.bus.Shutdown(ctx)
	}))

	r.metrics = metrics.NewCollector()
	r.metrics.RegisterQuoteCache(r.client.Stats)

	exec := executor.New(r.client, r.gate, executor.Config{
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		ConfirmTimeout: cfg.ConfirmTimeout(),
	}, log)
	exec.OnPartialFailure(r.onPartialFailure)

	r.detector = competition.NewDetector(cfg.Detector(), log)

	snapshotter := market.NewSnapshotter(finder, market.Config{
		QuoteToken:   cfg.QuoteToken,
		Tokens:       cfg.Market.Tokens,
		ProbeAmount:  decimal.NewFromFloat(cfg.Market.ProbeAmount),
		SeriesLength: cfg.Market.SeriesLength,
		FastPeriod:   cfg.Market.FastPeriod,
		SlowPeriod:   cfg.Market.SlowPeriod,
		RSIPeriod:    cfg.Market.RSIPeriod,
	}, log)

	r.history = history.New(r.layout, history.Config{
		MaxRecords:    cfg.History.MaxRecords,
		FlushInterval: cfg.HistoryFlushInterval(),
	}, log)
	if cfg.PostgresURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect trade store: %w", err)
		}
		r.shutdown.Add("postgres", pool)
		if err := pool.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate trade store: %w", err)
		}
		r.history.AddSink(postgres.NewTradeStore(pool))
		log.Info("Mirroring trades to Postgres")
	}
	if err := r.history.Restore(); err != nil {
		log.Warn("Trade history not restored", zap.Error(err))
	}
	r.shutdown.Add("trade history", r.history)

	registry := strategy.DefaultRegistry()
	for id, defaults := range cfg.Strategies {
		if err := registry.SetDefaults(id, strategy.Config(defaults)); err != nil {
			return err
		}
	}

	r.manager = session.NewManager(session.Options{
		Registry:      registry,
		Layout:        r.layout,
		QuoteToken:    cfg.QuoteToken,
		Finder:        finder,
		Executor:      exec,
		Settler:       r.gate,
		Detector:      r.detector,
		Market:        snapshotter,
		History:       r.history,
		Bus:           r.bus,
		Metrics:       r.metrics,
		MaxConcurrent: cfg.MaxConcurrentSessions,
		Logger:        log,
	})
	r.shutdown.AddFunc("sessions", func() error {
		r.manager.StopAll(context.Background())
		return nil
	})

	r.commands = NewCommandBus(log)
	NewSessionHandler(r.manager).Register(r.commands)

	r.bus.SubscribeFunc(events.TickCompleted, r.afterTick)
	r.bus.SubscribeFunc(events.PartialExecution, func(_ context.Context, e events.Event) error {
		pe := e.(*events.PartialExecutionEvent)
		log.Error("Manual reconciliation required",
			zap.String("severity", "critical"),
			zap.String("attempt_id", pe.AttemptID),
			zap.String("wallet", pe.Wallet),
			zap.String("stranded_token", pe.StrandedIn),
			zap.String("stranded_amount", pe.StrandedAmt))
		return nil
	})

	log.Info("Engine initialized",
		zap.String("exchange", cfg.Exchange),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("data_dir", cfg.DataDir),
		zap.Ints("fee_tiers", cfg.FeeTiers),
		zap.Duration("tick_interval", cfg.TickInterval))
	return nil
}

// seedPaper loads the configured pool prices into the paper exchange.
func (r *Runner) seedPaper() {
	for _, p := range r.cfg.Paper.Prices {
		tiers := p.Tiers
		if len(tiers) == 0 {
			tiers = r.cfg.FeeTiers
		}
		r.paper.SetPrice(p.Base, p.Quote, decimal.NewFromFloat(p.Price), tiers...)
	}
	r.logger.Info("Paper exchange seeded", zap.Int("pools", len(r.cfg.Paper.Prices)))
}

// onPartialFailure raises the stranded-funds alert. The failure itself is
// counted by the session manager from the trade result.
func (r *Runner) onPartialFailure(pf executor.PartialFailure) {
	ev := &events.PartialExecutionEvent{
		BaseEvent:  events.NewBase(events.PartialExecution),
		AttemptID:  pf.AttemptID,
		Strategy:   pf.Strategy,
		Wallet:     pf.Wallet,
		FailedLeg:  pf.FailedLeg,
		FilledLegs: len(pf.Filled),
	}
	if pf.Err != nil {
		ev.Error = pf.Err.Error()
	}
	if n := len(pf.Filled); n > 0 {
		last := pf.Filled[n-1]
		ev.StrandedIn = last.TokenOut
		ev.StrandedAmt = last.AmountOut.String()
	}
	if err := r.bus.Publish(ev); err != nil {
		r.logger.Warn("Partial execution alert not published", zap.Error(err))
	}
}

func (r *Runner) afterTick(context.Context, events.Event) error {
	if r.paper != nil && r.cfg.Paper.WalkPct > 0 {
		r.paper.Walk(r.cfg.Paper.WalkPct)
	}
	if remaining, limited := r.gate.Remaining(""); limited {
		f, _ := remaining.Float64()
		r.metrics.SetRiskRemaining(f)
	}
	return nil
}

// Run recovers the roster, applies the startup assignments and ticks until
// ctx is cancelled or SIGINT/SIGTERM arrives. It shuts everything down
// before returning.
func (r *Runner) Run(ctx context.Context) error {
	if r.manager == nil {
		return errors.New("runner is not initialized")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r.cfg.MetricsAddr != "" {
		r.shutdown.Add("metrics server", r.metrics.Serve(r.cfg.MetricsAddr, r.logger))
	}

	n, err := r.manager.Recover(ctx)
	if err != nil {
		r.logger.Error("Session roster not recovered", zap.Error(err))
	}

	if r.cfg.AssignmentsFile != "" {
		list, err := LoadAssignments(r.cfg.AssignmentsFile)
		if err != nil {
			return errors.Join(err, r.Shutdown())
		}
		if err := applyAssignments(ctx, r.commands, r.manager, list, r.logger); err != nil {
			r.logger.Error("Some startup assignments failed", zap.Error(err))
		}
	}

	r.logger.Info("Starting trading engine",
		zap.Int("recovered_sessions", n),
		zap.Int("sessions", len(r.manager.GetAllUserStatuses())))

	if err := r.manager.Run(ctx, r.cfg.TickInterval); err != nil {
		return errors.Join(err, r.Shutdown())
	}
	r.logger.Info("Trading engine stopped")
	return r.Shutdown()
}

// Shutdown releases every resource once.
func (r *Runner) Shutdown() error {
	return r.shutdown.Shutdown(context.Background())
}

// ExportTrades writes the history records matching f to the exports
// directory and returns the file path.
func (r *Runner) ExportTrades(format export.ExportFormat, f history.Filter) (string, error) {
	exporter := export.NewTradeExporter(r.logger)
	return exporter.ExportTrades(r.history.Search(history.Filter{}), export.ExportOptions{
		Format:    format,
		Filter:    f,
		OutputDir: r.layout.Exports(),
	})
}

// ExportDailyReport writes the JSON report for day (YYYY-MM-DD) in the risk
// timezone and returns the file path. The path is empty when the day had
// no trades.
func (r *Runner) ExportDailyReport(day string) (string, error) {
	date, err := time.ParseInLocation("2006-01-02", day, r.cfg.RiskGate().Location)
	if err != nil {
		return "", fmt.Errorf("invalid report date %q: %w", day, err)
	}
	exporter := export.NewTradeExporter(r.logger)
	return exporter.ExportDailyReport(r.history.Search(history.Filter{}), date, r.layout.Exports())
}

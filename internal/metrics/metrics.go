// internal/metrics/metrics.go
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
)

const namespace = "fafnir"

// Collector owns the engine's Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	ticks           prometheus.Counter
	ticksSkipped    prometheus.Counter
	tickDuration    prometheus.Histogram
	trades          *prometheus.CounterVec
	profit          *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
	partial         *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	competition     *prometheus.GaugeVec
	riskRemaining   prometheus.Gauge
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Orchestrator ticks run.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one orchestrator tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Strategy executions by outcome.",
		}, []string{"strategy", "outcome"}),
		profit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_profit_usd_total",
			Help:      "Realized gains and losses in USD, split by sign.",
		}, []string{"strategy", "sign"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "Trades rejected by the risk gate.",
		}, []string{"strategy"}),
		partial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_executions_total",
			Help:      "Attempts that stopped after a filled leg.",
		}, []string{"strategy"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently active.",
		}),
		competition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "competition_level",
			Help:      "Current competition level; the active level's series is 1.",
		}, []string{"level"}),
		riskRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_daily_loss_remaining_usd",
			Help:      "Global daily loss budget left in the current period.",
		}),
	}

	c.registry.MustRegister(
		c.ticks, c.ticksSkipped, c.tickDuration,
		c.trades, c.profit, c.admissionDenied, c.partial,
		c.activeSessions, c.competition, c.riskRemaining,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.SetCompetitionLevel(competition.LevelLow)
	return c
}

// Registry exposes the private registry, for extra collectors and tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterQuoteCache exports hit and miss counts read from stats.
func (c *Collector) RegisterQuoteCache(stats func() (hits, misses uint64)) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_cache_hits_total",
			Help:      "Quotes served from cache.",
		}, func() float64 { h, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_cache_misses_total",
			Help:      "Quotes fetched upstream.",
		}, func() float64 { _, m := stats(); return float64(m) }),
	)
}

// TickCompleted records one finished tick.
func (c *Collector) TickCompleted(d time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

// TickSkipped records an overlapping tick.
func (c *Collector) TickSkipped() {
	c.ticksSkipped.Inc()
}

// RecordTrade counts one strategy execution and its realized profit.
func (c *Collector) RecordTrade(strategyID, outcome string, profitUSD float64) {
	c.trades.WithLabelValues(strategyID, outcome).Inc()
	switch {
	case profitUSD > 0:
		c.profit.WithLabelValues(strategyID, "gain").Add(profitUSD)
	case profitUSD < 0:
		c.profit.WithLabelValues(strategyID, "loss").Add(-profitUSD)
	}
}

// AdmissionDenied counts a gate rejection.
func (c *Collector) AdmissionDenied(strategyID string) {
	c.admissionDenied.WithLabelValues(strategyID).Inc()
}

// PartialExecution counts a partial failure.
func (c *Collector) PartialExecution(strategyID string) {
	c.partial.WithLabelValues(strategyID).Inc()
}

// SetActiveSessions sets the active-session gauge.
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// SetCompetitionLevel flips the level series so exactly one is 1.
func (c *Collector) SetCompetitionLevel(level competition.Level) {
	for _, l := range []competition.Level{competition.LevelLow, competition.LevelMedium, competition.LevelHigh} {
		v := 0.0
		if l == level {
			v = 1
		}
		c.competition.WithLabelValues(string(l)).Set(v)
	}
}

// SetRiskRemaining sets the remaining global loss budget.
func (c *Collector) SetRiskRemaining(usd float64) {
	c.riskRemaining.Set(usd)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Server serves /metrics on addr until Shutdown.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// Serve starts the metrics endpoint in the background.
func (c *Collector) Serve(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s := &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger.Named("metrics"),
	}
	go func() {
		s.logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return s
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close implements io.Closer.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// internal/session/tick.go
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
	"github.com/Yuphix/fafnir-sub000/internal/events"
	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/market"
	"github.com/Yuphix/fafnir-sub000/internal/strategy"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// TickSummary describes one tick.
type TickSummary struct {
	Tick      uint64
	Skipped   bool
	Sessions  int
	Activated int
	Executed  int
	Failed    int
	Duration  time.Duration
}

// TickStats returns the number of completed and skipped ticks.
func (m *Manager) TickStats() (completed, skipped uint64) {
	return m.ticks.Load(), m.skipped.Load()
}

// Tick runs one cycle: a single market snapshot, then Execute on every
// active session whose strategy accepts the snapshot. Sessions run
// concurrently up to MaxConcurrent and never affect each other. A tick
// that starts while the previous one is still running is skipped.
func (m *Manager) Tick(ctx context.Context) TickSummary {
	if !m.running.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		if m.opts.Metrics != nil {
			m.opts.Metrics.TickSkipped()
		}
		m.logger.Warn("Previous tick still running, skipping")
		return TickSummary{Skipped: true}
	}
	defer m.running.Store(false)

	started := time.Now()
	summary := TickSummary{Tick: m.ticks.Add(1)}

	cond := market.Condition{QuoteToken: m.opts.QuoteToken, Timestamp: started}
	if m.opts.Market != nil {
		cond = m.opts.Market.Snapshot(ctx)
	}

	active := m.activeSessions()
	summary.Sessions = len(active)

	var (
		g         errgroup.Group
		activated atomic.Int64
		mu        sync.Mutex
	)
	if m.opts.MaxConcurrent > 0 {
		g.SetLimit(m.opts.MaxConcurrent)
	}
	for _, s := range active {
		s := s
		g.Go(func() error {
			res, ran := m.runSession(ctx, s, cond)
			if !ran {
				return nil
			}
			activated.Add(1)
			m.afterExecute(ctx, s, res)

			mu.Lock()
			if res.Executed {
				summary.Executed++
			}
			if !res.Success {
				summary.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.Activated = int(activated.Load())
	summary.Duration = time.Since(started)

	m.checkCompetition()
	if summary.Activated > 0 {
		m.saveRoster(ctx)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.TickCompleted(summary.Duration)
	}
	m.publish(&events.TickEvent{
		BaseEvent: events.NewBase(events.TickCompleted),
		Tick:      summary.Tick,
		Duration:  summary.Duration,
		Sessions:  summary.Sessions,
		Activated: summary.Activated,
		Executed:  summary.Executed,
		Failed:    summary.Failed,
	})

	m.logger.Debug("Tick completed",
		zap.Uint64("tick", summary.Tick),
		zap.Int("sessions", summary.Sessions),
		zap.Int("activated", summary.Activated),
		zap.Int("executed", summary.Executed),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration))
	return summary
}

func (m *Manager) activeSessions() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if _, active := s.current(); active {
			out = append(out, s)
		}
	}
	return out
}

// runSession evaluates and executes one session. ran is false when the
// session was stopped meanwhile or its strategy declined the snapshot.
func (m *Manager) runSession(ctx context.Context, s *session, cond market.Condition) (res strategy.TradeResult, ran bool) {
	s.exec.Lock()
	defer s.exec.Unlock()

	inst, active := s.current()
	if !active || inst == nil {
		return res, false
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Session panicked",
				zap.String("wallet", s.wallet),
				zap.String("strategy", s.strategyID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = strategy.TradeResult{
				Strategy:  s.strategyID,
				Wallet:    s.wallet,
				Outcome:   strategy.StateSettled,
				Timestamp: time.Now(),
				Error:     fmt.Sprintf("session panic: %v", r),
			}
			ran = true
		}
	}()

	if !inst.strat.ShouldActivate(cond) {
		return res, false
	}
	return inst.strat.Execute(ctx), true
}

// afterExecute folds a result into the session, the trade log, the
// competition window, metrics and the status broadcast.
func (m *Manager) afterExecute(ctx context.Context, s *session, res strategy.TradeResult) {
	if m.opts.Metrics != nil {
		profit, _ := res.Profit.Float64()
		m.opts.Metrics.RecordTrade(s.strategyID, outcomeLabel(res), profit)
		if res.Outcome == strategy.StateAdmissionDenied {
			m.opts.Metrics.AdmissionDenied(s.strategyID)
		}
		if res.Partial {
			m.opts.Metrics.PartialExecution(s.strategyID)
		}
	}

	if !s.record(res) {
		return
	}

	if m.opts.History != nil {
		if err := m.opts.History.Log(ctx, history.FromResult(s.id, res)); err != nil {
			m.logger.Error("Trade not logged",
				zap.String("wallet", s.wallet),
				zap.String("trade_id", res.ID),
				zap.Error(err))
		}
	}

	if res.Executed && m.opts.Detector != nil {
		m.opts.Detector.RecordTrade(competition.Trade{Wallet: s.wallet, Amount: res.AmountIn, At: res.Timestamp})
	}

	eventType, status := events.TradeExecuted, StatusTradeExecuted
	if !res.Success {
		eventType, status = events.TradeFailed, StatusTradeFailed
	}
	m.publish(&events.TradeEvent{
		BaseEvent: events.NewBase(eventType),
		SessionID: s.id,
		Result:    res,
	})

	// A session stopped while this trade was in flight has already sent
	// its final status.
	if _, active := s.current(); !active {
		m.logger.Debug("Trade status not broadcast for stopped session",
			zap.String("wallet", s.wallet),
			zap.String("trade_id", res.ID))
		return
	}
	m.broadcast(s, status)
}

func outcomeLabel(res strategy.TradeResult) string {
	switch {
	case res.Outcome == strategy.StateNoOpportunity:
		return "no_opportunity"
	case res.Outcome == strategy.StateAdmissionDenied:
		return "admission_denied"
	case res.Partial || res.ErrorKind == tradeerr.KindPartialExecution:
		return "partial"
	case res.Success:
		return "success"
	}
	return "failed"
}

// checkCompetition reports a change of the detector's level.
func (m *Manager) checkCompetition() {
	if m.opts.Detector == nil {
		return
	}
	level := m.opts.Detector.Level()
	prev, _ := m.lastLevel.Swap(level).(competition.Level)
	if m.opts.Metrics != nil {
		m.opts.Metrics.SetCompetitionLevel(level)
	}
	if prev == level {
		return
	}
	sigs := m.opts.Detector.ActiveSignatures()
	recs := m.opts.Detector.Recommendations()
	m.logger.Warn("Competition level changed",
		zap.String("previous", string(prev)),
		zap.String("level", string(level)),
		zap.Int("signatures", len(sigs)),
		zap.Strings("recommendations", recs))
	m.publish(&events.CompetitionEvent{
		BaseEvent:       events.NewBase(events.CompetitionChanged),
		Previous:        prev,
		Level:           level,
		Signatures:      len(sigs),
		Recommendations: recs,
	})
}

// Run ticks every interval until ctx is done, then waits for the running
// tick. Ticks run detached from ctx so an in-flight execute completes.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return tradeerr.Newf(tradeerr.KindConfiguration, "session.run", "tick interval must be positive, got %s", interval)
	}
	tickCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()
	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Tick(tickCtx)
		}()
	}

	m.logger.Info("Session loop started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fire()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session loop stopping")
			return nil
		case <-ticker.C:
			fire()
		}
	}
}

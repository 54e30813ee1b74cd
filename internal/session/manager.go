// internal/session/manager.go
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
	"github.com/Yuphix/fafnir-sub000/internal/events"
	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/market"
	"github.com/Yuphix/fafnir-sub000/internal/opportunity"
	"github.com/Yuphix/fafnir-sub000/internal/position"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/strategy"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// MarketSource produces the shared per-tick market snapshot.
type MarketSource interface {
	Snapshot(ctx context.Context) market.Condition
	Latest() market.Condition
}

// TradeLogger records trade attempts.
type TradeLogger interface {
	Log(ctx context.Context, rec history.Record) error
}

// Publisher receives engine events.
type Publisher interface {
	Publish(event events.Event) error
}

// Metrics is the subset of the collector the manager reports to.
type Metrics interface {
	TickCompleted(d time.Duration)
	TickSkipped()
	RecordTrade(strategyID, outcome string, profitUSD float64)
	AdmissionDenied(strategyID string)
	PartialExecution(strategyID string)
	SetActiveSessions(n int)
	SetCompetitionLevel(level competition.Level)
}

// Options wires the manager's collaborators. Registry is required; the
// rest may be left nil.
type Options struct {
	Registry      *strategy.Registry
	Layout        storage.Layout
	QuoteToken    string
	Finder        *opportunity.Finder
	Executor      strategy.Executor
	Settler       strategy.Settler
	Detector      *competition.Detector
	Market        MarketSource
	History       TradeLogger
	Bus           Publisher
	Metrics       Metrics
	MaxConcurrent int
	Logger        *zap.Logger
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Manager owns one session per wallet and drives them on a fixed tick.
type Manager struct {
	opts   Options
	logger *zap.Logger
	roster storage.Store[[]rosterEntry]

	// admin serializes assign, stop, activate and reconfigure.
	admin sync.Mutex

	mu        sync.RWMutex
	sessions  map[string]*session
	listeners []func(StatusUpdate)

	running   atomic.Bool
	ticks     atomic.Uint64
	skipped   atomic.Uint64
	lastLevel atomic.Value
}

// NewManager creates a manager. The roster is kept at opts.Layout.Roster().
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = strategy.DefaultRegistry()
	}
	logger := opts.Logger.Named("session")
	m := &Manager{
		opts:     opts,
		logger:   logger,
		roster:   storage.NewJSONFile[[]rosterEntry](opts.Layout.Roster(), logger),
		sessions: make(map[string]*session),
	}
	m.lastLevel.Store(competition.LevelLow)
	return m
}

// OnStatus registers a status broadcast listener. Listeners are called
// synchronously and must not block.
func (m *Manager) OnStatus(fn func(StatusUpdate)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) broadcast(s *session, status Status) {
	u := s.update(status)

	m.mu.RLock()
	listeners := append([]func(StatusUpdate)(nil), m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Status listener panicked", zap.Any("panic", r))
				}
			}()
			fn(u)
		}()
	}

	if status == StatusTradeExecuted || status == StatusTradeFailed {
		return
	}
	m.publish(&events.SessionStatusEvent{
		BaseEvent: events.NewBase(events.SessionStatusChanged),
		Wallet:    u.WalletAddress,
		SessionID: u.SessionID,
		Strategy:  u.Strategy,
		Status:    string(status),
		Active:    status == StatusActive || status == StatusReconfigured,
	})
}

func (m *Manager) publish(e events.Event) {
	if m.opts.Bus == nil {
		return
	}
	if err := m.opts.Bus.Publish(e); err != nil {
		m.logger.Debug("Event not published", zap.String("type", string(e.Type())), zap.Error(err))
	}
}

// deps builds the collaborators for one wallet's strategy instance.
func (m *Manager) deps(wallet string) strategy.Deps {
	d := strategy.Deps{
		Wallet:     wallet,
		QuoteToken: m.opts.QuoteToken,
		Finder:     m.opts.Finder,
		Executor:   m.opts.Executor,
		Settler:    m.opts.Settler,
		Detector:   m.opts.Detector,
		Logger:     m.opts.Logger,
		Sleep:      m.opts.Sleep,
		Positions: func(strategyID string) storage.Store[[]position.Position] {
			return storage.NewJSONFile[[]position.Position](m.opts.Layout.Positions(wallet, strategyID), m.logger)
		},
	}
	if m.opts.Market != nil {
		d.Market = m.opts.Market.Latest
	}
	return d
}

func normalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return "", tradeerr.New(tradeerr.KindConfiguration, "session", "wallet address is required")
	}
	return wallet, nil
}

func (m *Manager) get(wallet string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[wallet]
}

// AssignStrategy binds a fresh instance of strategyID to wallet. A session
// already held by the wallet is stopped and cleaned up first.
func (m *Manager) AssignStrategy(ctx context.Context, wallet, strategyID string, overrides strategy.Config) (Session, error) {
	wallet, err := normalizeWallet(wallet)
	if err != nil {
		return Session{}, err
	}

	m.admin.Lock()
	defer m.admin.Unlock()

	if prev := m.get(wallet); prev != nil {
		m.logger.Info("Replacing existing session",
			zap.String("wallet", wallet),
			zap.String("session_id", prev.id),
			zap.String("strategy", prev.strategyID))
		m.stop(ctx, prev)
	}

	strat, merged, err := m.opts.Registry.Create(ctx, strategyID, m.deps(wallet), overrides)
	if err != nil {
		m.saveRoster(ctx)
		return Session{}, err
	}

	now := time.Now()
	s := &session{
		id:         uuid.New().String(),
		wallet:     wallet,
		strategyID: strategyID,
		overrides:  overrides.Clone(),
		config:     merged,
		inst:       &instance{strat: strat},
		active:     true,
		created:    now,
		updated:    now,
	}

	m.mu.Lock()
	m.sessions[wallet] = s
	m.mu.Unlock()

	m.saveRoster(ctx)
	m.logger.Info("Strategy assigned",
		zap.String("wallet", wallet),
		zap.String("session_id", s.id),
		zap.String("strategy", strategyID))
	m.broadcast(s, StatusActive)
	m.reportActive()
	return s.snapshot(), nil
}

// stop deactivates s, waits for an in-flight execute to return, runs the
// instance cleanup and removes the session.
func (m *Manager) stop(ctx context.Context, s *session) {
	s.mu.Lock()
	s.active = false
	s.updated = time.Now()
	inst := s.inst
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.wallet] == s {
		delete(m.sessions, s.wallet)
	}
	m.mu.Unlock()

	if inst != nil {
		s.exec.Lock()
		if err := inst.cleanup(ctx); err != nil {
			m.logger.Error("Strategy cleanup failed",
				zap.String("wallet", s.wallet),
				zap.String("strategy", s.strategyID),
				zap.Error(err))
		}
		s.exec.Unlock()
	}
	m.broadcast(s, StatusStopped)
}

// StopUserStrategy stops the wallet's session and drops it from the
// roster. It reports whether a session existed.
func (m *Manager) StopUserStrategy(ctx context.Context, wallet string) bool {
	m.admin.Lock()
	defer m.admin.Unlock()

	s := m.get(strings.TrimSpace(wallet))
	if s == nil {
		return false
	}
	m.stop(ctx, s)
	m.saveRoster(ctx)
	m.reportActive()
	m.logger.Info("Strategy stopped", zap.String("wallet", s.wallet), zap.String("session_id", s.id))
	return true
}

// GetUserStatus returns the wallet's session.
func (m *Manager) GetUserStatus(wallet string) (Session, bool) {
	s := m.get(strings.TrimSpace(wallet))
	if s == nil {
		return Session{}, false
	}
	return s.snapshot(), true
}

// GetAllUserStatuses returns every session ordered by wallet.
func (m *Manager) GetAllUserStatuses() []Session {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Session, len(list))
	for i, s := range list {
		out[i] = s.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}

// UpdateUserConfig merges partial into the session's overrides. An active
// session gets a new strategy instance built from the merged config; the
// old instance is kept if that fails.
func (m *Manager) UpdateUserConfig(ctx context.Context, wallet string, partial strategy.Config) (bool, error) {
	m.admin.Lock()
	defer m.admin.Unlock()

	s := m.get(strings.TrimSpace(wallet))
	if s == nil {
		return false, nil
	}

	s.mu.Lock()
	overrides := strategy.MergeConfig(s.overrides, partial)
	active := s.active
	s.mu.Unlock()

	if !active {
		defaults, _ := m.opts.Registry.Defaults(s.strategyID)
		s.mu.Lock()
		s.overrides = overrides
		s.config = strategy.MergeConfig(defaults, overrides)
		s.updated = time.Now()
		s.mu.Unlock()
		m.saveRoster(ctx)
		m.broadcast(s, StatusReconfigured)
		return true, nil
	}

	s.exec.Lock()
	defer s.exec.Unlock()

	strat, merged, err := m.opts.Registry.Create(ctx, s.strategyID, m.deps(s.wallet), overrides)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	old := s.inst
	s.mu.Unlock()
	if old != nil {
		if err := old.cleanup(ctx); err != nil {
			m.logger.Warn("Cleanup of replaced instance failed", zap.String("wallet", s.wallet), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.overrides = overrides
	s.config = merged
	s.inst = &instance{strat: strat}
	s.updated = time.Now()
	s.mu.Unlock()

	m.saveRoster(ctx)
	m.logger.Info("Strategy reconfigured", zap.String("wallet", s.wallet), zap.String("session_id", s.id))
	m.broadcast(s, StatusReconfigured)
	return true, nil
}

// Recover loads the persisted roster. Recovered sessions are inactive
// until Activate is called for them. It returns the number loaded.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	m.admin.Lock()
	defer m.admin.Unlock()

	entries, _, err := m.roster.Load(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.Wallet == "" || m.get(e.Wallet) != nil {
			continue
		}
		defaults, ok := m.opts.Registry.Defaults(e.StrategyID)
		if !ok {
			m.logger.Warn("Dropping recovered session with unknown strategy",
				zap.String("wallet", e.Wallet),
				zap.String("strategy", e.StrategyID))
			continue
		}
		s := &session{
			id:         e.SessionID,
			wallet:     e.Wallet,
			strategyID: e.StrategyID,
			overrides:  e.Overrides,
			config:     strategy.MergeConfig(defaults, e.Overrides),
			perf:       e.Performance,
			created:    e.CreatedAt,
			updated:    time.Now(),
		}
		if s.id == "" {
			s.id = uuid.New().String()
		}
		m.mu.Lock()
		m.sessions[s.wallet] = s
		m.mu.Unlock()
		m.broadcast(s, StatusInactive)
		n++
	}

	if n > 0 {
		m.logger.Info("Recovered sessions are inactive until activated", zap.Int("sessions", n))
	}
	return n, nil
}

// Activate starts a recovered, inactive session.
func (m *Manager) Activate(ctx context.Context, wallet string) (Session, error) {
	m.admin.Lock()
	defer m.admin.Unlock()

	s := m.get(strings.TrimSpace(wallet))
	if s == nil {
		return Session{}, tradeerr.Newf(tradeerr.KindConfiguration, "session.activate", "no session for wallet %s", wallet)
	}
	if _, active := s.current(); active {
		return s.snapshot(), nil
	}

	s.mu.Lock()
	overrides := s.overrides
	s.mu.Unlock()

	strat, merged, err := m.opts.Registry.Create(ctx, s.strategyID, m.deps(s.wallet), overrides)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	s.config = merged
	s.inst = &instance{strat: strat}
	s.active = true
	s.updated = time.Now()
	s.mu.Unlock()

	m.logger.Info("Session activated", zap.String("wallet", s.wallet), zap.String("session_id", s.id))
	m.broadcast(s, StatusActive)
	m.reportActive()
	return s.snapshot(), nil
}

// StopAll stops every session without touching the roster, so a restart
// recovers them.
func (m *Manager) StopAll(ctx context.Context) {
	m.admin.Lock()
	defer m.admin.Unlock()

	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	m.saveRoster(ctx)
	for _, s := range list {
		s.mu.Lock()
		s.active = false
		inst := s.inst
		s.mu.Unlock()
		if inst == nil {
			continue
		}
		s.exec.Lock()
		if err := inst.cleanup(ctx); err != nil {
			m.logger.Error("Strategy cleanup failed", zap.String("wallet", s.wallet), zap.Error(err))
		}
		s.exec.Unlock()
	}
	m.reportActive()
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if _, active := s.current(); active {
			n++
		}
	}
	return n
}

func (m *Manager) reportActive() {
	if m.opts.Metrics != nil {
		m.opts.Metrics.SetActiveSessions(m.activeCount())
	}
}

// saveRoster persists every known session. Failures are logged only.
func (m *Manager) saveRoster(ctx context.Context) {
	m.mu.RLock()
	entries := make([]rosterEntry, 0, len(m.sessions))
	for _, s := range m.sessions {
		entries = append(entries, s.entry())
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Wallet < entries[j].Wallet })

	if err := m.roster.Save(ctx, entries); err != nil {
		m.logger.Error("Failed to persist session roster", zap.Error(err))
	}
}

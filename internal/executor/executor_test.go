package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/dex"
	"github.com/Yuphix/fafnir-sub000/internal/risk"
	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// journal records calls across the gate and the client in order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type MockClient struct {
	mock.Mock
	j *journal
}

func (m *MockClient) QuoteExactInput(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, feeTier int) (dex.Quote, error) {
	m.j.add("quote:" + tokenIn + ">" + tokenOut)
	args := m.Called(ctx, tokenIn, tokenOut, amountIn, feeTier)
	return args.Get(0).(dex.Quote), args.Error(1)
}

func (m *MockClient) Swap(ctx context.Context, tokenIn, tokenOut string, feeTier int, params dex.SwapParams, recipient string) (dex.PendingTransaction, error) {
	m.j.add("swap:" + tokenIn + ">" + tokenOut)
	args := m.Called(ctx, tokenIn, tokenOut, feeTier, params, recipient)
	tx, _ := args.Get(0).(dex.PendingTransaction)
	return tx, args.Error(1)
}

type fakeTx struct {
	id, hash string
	out      decimal.Decimal
	err      error
}

func (t fakeTx) ID() string { return t.id }
func (t fakeTx) Wait(context.Context) (dex.Receipt, error) {
	return dex.Receipt{TransactionHash: t.hash, AmountOut: t.out}, t.err
}

type fakeGate struct {
	j         *journal
	decision  func(risk.TradeRequest) risk.Decision
	mu        sync.Mutex
	released  []string
	settled   map[string]decimal.Decimal
	requested []risk.TradeRequest
}

func newFakeGate(j *journal) *fakeGate {
	return &fakeGate{j: j, settled: map[string]decimal.Decimal{}}
}

func (g *fakeGate) CheckTradeAllowed(_ context.Context, req risk.TradeRequest) risk.Decision {
	g.j.add("admit")
	g.mu.Lock()
	g.requested = append(g.requested, req)
	g.mu.Unlock()
	if g.decision != nil {
		return g.decision(req)
	}
	return risk.Decision{Allowed: true, AdjustedAmount: req.AmountUSD,
		Reservation: risk.Reservation{ID: "res-1", Strategy: req.Strategy, AmountUSD: req.AmountUSD}}
}

func (g *fakeGate) Release(_ context.Context, res risk.Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, res.ID)
}

func (g *fakeGate) Settle(_ context.Context, res risk.Reservation, pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled[res.ID] = pnl
}

func roundTrip() Plan {
	return Plan{
		Strategy: "arbitrage",
		Wallet:   "client|w1",
		Legs: []Leg{
			{TokenIn: "GUSDC", TokenOut: "GALA", FeeTier: 3000, AmountIn: d("10"), QuotedOut: d("600")},
			{TokenIn: "GALA", TokenOut: "GUSDC", FeeTier: 3000},
		},
		AmountUSD:   d("10"),
		SlippageBps: 100,
	}
}

func amountEq(v string) interface{} {
	want := d(v)
	return mock.MatchedBy(func(got decimal.Decimal) bool { return got.Equal(want) })
}

func TestMinOut(t *testing.T) {
	assert.True(t, MinOut(d("600"), 100).Equal(d("594")))
	assert.True(t, MinOut(d("10.05"), 50).Equal(d("9.99975")))
	assert.True(t, MinOut(d("1"), 0).Equal(d("1")))
}

func TestTwoLegSuccessAdmitsBeforeAnySwap(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)

	m.On("Swap", mock.Anything, "GUSDC", "GALA", 3000, mock.MatchedBy(func(p dex.SwapParams) bool {
		return p.ExactIn.Equal(d("10")) && p.AmountOutMinimum.Equal(d("594"))
	}), "client|w1").Return(fakeTx{id: "t1", hash: "0x1", out: d("601")}, nil)
	m.On("QuoteExactInput", mock.Anything, "GALA", "GUSDC", amountEq("601"), 3000).Return(dex.Quote{OutAmount: d("10.1"), FeeTier: 3000}, nil)
	m.On("Swap", mock.Anything, "GALA", "GUSDC", 3000, mock.MatchedBy(func(p dex.SwapParams) bool {
		return p.ExactIn.Equal(d("601")) && p.AmountOutMinimum.Equal(d("9.999"))
	}), "client|w1").Return(fakeTx{id: "t2", hash: "0x2"}, nil)

	e := New(m, gate, Config{MaxConcurrent: 2}, zap.NewNop())
	res := e.Execute(context.Background(), roundTrip())

	require.NoError(t, res.Err)
	require.Len(t, res.Filled, 2)
	assert.True(t, res.AmountIn.Equal(d("10")))
	assert.True(t, res.Filled[0].AmountOut.Equal(d("601")), "leg 2 input is leg 1 actual output")
	assert.True(t, res.AmountOut.Equal(d("10.1")), "quoted output is used when the receipt has none")
	assert.Equal(t, "0x2", res.Filled[1].TxHash)
	assert.Equal(t, []string{"admit", "swap:GUSDC>GALA", "quote:GALA>GUSDC", "swap:GALA>GUSDC"}, j.list())
	assert.Empty(t, e.InFlight("arbitrage"))
	assert.Empty(t, gate.released)
	m.AssertExpectations(t)
}

func TestScenarioELeg2QuoteFailureIsPartial(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)

	m.On("Swap", mock.Anything, "GUSDC", "GALA", 3000, mock.Anything, mock.Anything).
		Return(fakeTx{id: "t1", hash: "0x1", out: d("600")}, nil)
	m.On("QuoteExactInput", mock.Anything, "GALA", "GUSDC", mock.Anything, 3000).
		Return(dex.Quote{}, errors.New("rpc timeout"))

	var alerts []PartialFailure
	e := New(m, gate, Config{MaxConcurrent: 1}, zap.NewNop())
	e.OnPartialFailure(func(p PartialFailure) { alerts = append(alerts, p) })

	res := e.Execute(context.Background(), roundTrip())

	assert.False(t, res.Success())
	assert.True(t, res.Partial)
	assert.True(t, errors.Is(res.Err, tradeerr.ErrPartialExecution))
	assert.NotContains(t, e.InFlight("arbitrage"), res.AttemptID)
	assert.Empty(t, e.InFlight("arbitrage"))

	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].FailedLeg)
	assert.Equal(t, res.AttemptID, alerts[0].AttemptID)
	assert.True(t, gate.settled["res-1"].Equal(d("-10")))
	m.AssertNotCalled(t, "Swap", mock.Anything, "GALA", "GUSDC", mock.Anything, mock.Anything, mock.Anything)
}

func TestLeg1FailureAbortsAndReleases(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)

	m.On("Swap", mock.Anything, "GUSDC", "GALA", 3000, mock.Anything, mock.Anything).
		Return(nil, errors.New("insufficient balance"))

	e := New(m, gate, Config{}, zap.NewNop())
	res := e.Execute(context.Background(), roundTrip())

	assert.False(t, res.Partial)
	assert.True(t, errors.Is(res.Err, tradeerr.ErrExternalService))
	assert.Equal(t, []string{"res-1"}, gate.released)
	assert.Empty(t, gate.settled)
	assert.Empty(t, e.InFlight("arbitrage"))
	assert.Equal(t, []string{"admit", "swap:GUSDC>GALA"}, j.list())
}

func TestConfirmationFailureOnLeg2IsPartial(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)

	m.On("Swap", mock.Anything, "GUSDC", "GALA", 3000, mock.Anything, mock.Anything).
		Return(fakeTx{id: "t1", out: d("600")}, nil)
	m.On("QuoteExactInput", mock.Anything, "GALA", "GUSDC", mock.Anything, 3000).
		Return(dex.Quote{OutAmount: d("10.2"), FeeTier: 3000}, nil)
	m.On("Swap", mock.Anything, "GALA", "GUSDC", 3000, mock.Anything, mock.Anything).
		Return(fakeTx{id: "t2", err: errors.New("reverted")}, nil)

	res := New(m, gate, Config{}, zap.NewNop()).Execute(context.Background(), roundTrip())
	assert.True(t, res.Partial)
	assert.True(t, errors.Is(res.Err, tradeerr.ErrPartialExecution))
	assert.True(t, res.AmountOut.Equal(d("600")), "the unhedged amount is leg 1 output")
}

func TestAdmissionDeniedSubmitsNothing(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)
	gate.decision = func(risk.TradeRequest) risk.Decision {
		return risk.Decision{Reason: "daily loss limit reached"}
	}

	res := New(m, gate, Config{}, zap.NewNop()).Execute(context.Background(), roundTrip())
	assert.True(t, errors.Is(res.Err, tradeerr.ErrAdmissionDenied))
	assert.Contains(t, res.Err.Error(), "daily loss limit reached")
	assert.Equal(t, []string{"admit"}, j.list())
	m.AssertNotCalled(t, "Swap", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResizedAttemptRequotesLeg1(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)
	gate.decision = func(req risk.TradeRequest) risk.Decision {
		return risk.Decision{Allowed: true, AdjustedAmount: d("2"), Reservation: risk.Reservation{ID: "res-1", AmountUSD: d("2")}}
	}

	m.On("QuoteExactInput", mock.Anything, "GUSDC", "GALA", amountEq("2"), 3000).Return(dex.Quote{OutAmount: d("120"), FeeTier: 3000}, nil)
	m.On("Swap", mock.Anything, "GUSDC", "GALA", 3000, mock.MatchedBy(func(p dex.SwapParams) bool {
		return p.ExactIn.Equal(d("2")) && p.AmountOutMinimum.Equal(d("118.8"))
	}), mock.Anything).Return(fakeTx{id: "t1", out: d("120")}, nil)
	m.On("QuoteExactInput", mock.Anything, "GALA", "GUSDC", amountEq("120"), 3000).Return(dex.Quote{OutAmount: d("2.01"), FeeTier: 3000}, nil)
	m.On("Swap", mock.Anything, "GALA", "GUSDC", 3000, mock.Anything, mock.Anything).Return(fakeTx{id: "t2", out: d("2.01")}, nil)

	res := New(m, gate, Config{}, zap.NewNop()).Execute(context.Background(), roundTrip())
	require.NoError(t, res.Err)
	assert.True(t, res.AmountIn.Equal(d("2")))
	assert.True(t, res.AmountOut.Equal(d("2.01")))
	assert.Equal(t, "admit", j.list()[0])
	m.AssertExpectations(t)
}

type blockingTx struct {
	release chan struct{}
}

func (b blockingTx) ID() string { return "blocking" }
func (b blockingTx) Wait(ctx context.Context) (dex.Receipt, error) {
	select {
	case <-b.release:
		return dex.Receipt{TransactionHash: "0xb", AmountOut: d("1")}, nil
	case <-ctx.Done():
		return dex.Receipt{}, ctx.Err()
	}
}

func TestMaxConcurrentPerStrategy(t *testing.T) {
	j := &journal{}
	m := &MockClient{j: j}
	gate := newFakeGate(j)
	release := make(chan struct{})

	m.On("Swap", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(blockingTx{release: release}, nil)

	e := New(m, gate, Config{MaxConcurrent: 1}, zap.NewNop())
	single := Plan{Strategy: "dca", Wallet: "w", AmountUSD: d("1"),
		Legs: []Leg{{TokenIn: "GUSDC", TokenOut: "GALA", FeeTier: 500, AmountIn: d("1"), QuotedOut: d("1")}}}

	done := make(chan Result)
	go func() { done <- e.Execute(context.Background(), single) }()

	require.Eventually(t, func() bool { return len(e.InFlight("dca")) == 1 }, timeout, tick)

	blocked := e.Execute(context.Background(), single)
	assert.True(t, errors.Is(blocked.Err, tradeerr.ErrAdmissionDenied))

	other := Plan{Strategy: "trend", Wallet: "w", AmountUSD: d("1"), Legs: single.Legs}
	go func() { done <- e.Execute(context.Background(), other) }()

	close(release)
	first, second := <-done, <-done
	assert.NoError(t, first.Err)
	assert.NoError(t, second.Err)
	assert.Empty(t, e.InFlight("dca"))
}

func TestEmptyPlan(t *testing.T) {
	j := &journal{}
	res := New(&MockClient{j: j}, newFakeGate(j), Config{}, zap.NewNop()).Execute(context.Background(), Plan{Strategy: "x"})
	assert.True(t, errors.Is(res.Err, tradeerr.ErrConfiguration))
	assert.Empty(t, j.list())
}

// internal/dex/paper.go
package dex

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

var feeDenominator = decimal.NewFromInt(1_000_000)

type pairKey struct {
	base, quote string
}

func newPairKey(base, quote string) pairKey {
	return pairKey{strings.ToUpper(base), strings.ToUpper(quote)}
}

// PaperClient is an in-memory exchange used for dry runs and tests. Each
// pair keeps an independent mid price per fee tier; quotes deduct the tier fee.
type PaperClient struct {
	mu     sync.Mutex
	pools  map[pairKey]map[int]decimal.Decimal
	rng    *rand.Rand
	logger *zap.Logger

	swaps int
}

// NewPaperClient creates an empty paper exchange.
func NewPaperClient(logger *zap.Logger) *PaperClient {
	return &PaperClient{
		pools:  make(map[pairKey]map[int]decimal.Decimal),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.Named("paper_dex"),
	}
}

// SetPrice sets the price of one base token in quote tokens on every given tier.
func (p *PaperClient) SetPrice(base, quote string, price decimal.Decimal, tiers ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := newPairKey(base, quote)
	if p.pools[key] == nil {
		p.pools[key] = make(map[int]decimal.Decimal)
	}
	for _, tier := range tiers {
		p.pools[key][tier] = price
	}
}

// Walk moves every tier price by an independent uniform step within ±maxPct percent.
func (p *PaperClient) Walk(maxPct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tiers := range p.pools {
		for tier, price := range tiers {
			step := (p.rng.Float64()*2 - 1) * maxPct / 100
			tiers[tier] = price.Mul(decimal.NewFromFloat(1 + step))
		}
	}
}

// Swaps returns the number of swaps filled so far.
func (p *PaperClient) Swaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swaps
}

func (p *PaperClient) quote(tokenIn, tokenOut string, amountIn decimal.Decimal, feeTier int) (Quote, error) {
	if !amountIn.IsPositive() {
		return Quote{}, tradeerr.Newf(tradeerr.KindConfiguration, "paper.quote", "non-positive amount %s", amountIn)
	}

	fee := decimal.NewFromInt(int64(feeTier)).Div(feeDenominator)
	keep := decimal.NewFromInt(1).Sub(fee)

	if tiers, ok := p.pools[newPairKey(tokenIn, tokenOut)]; ok {
		if price, ok := tiers[feeTier]; ok {
			return Quote{OutAmount: amountIn.Mul(price).Mul(keep), FeeTier: feeTier}, nil
		}
	}
	if tiers, ok := p.pools[newPairKey(tokenOut, tokenIn)]; ok {
		if price, ok := tiers[feeTier]; ok && price.IsPositive() {
			return Quote{OutAmount: amountIn.Div(price).Mul(keep), FeeTier: feeTier}, nil
		}
	}
	return Quote{}, tradeerr.Newf(tradeerr.KindQuoteUnavailable, "paper.quote",
		"no %s/%s pool at fee tier %d", tokenIn, tokenOut, feeTier)
}

// QuoteExactInput implements Client.
func (p *PaperClient) QuoteExactInput(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, feeTier int) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, tradeerr.Wrap(tradeerr.KindExternalService, "paper.quote", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quote(tokenIn, tokenOut, amountIn, feeTier)
}

// Swap implements Client. The swap fills at the current quote or fails when
// that quote is below the minimum output.
func (p *PaperClient) Swap(ctx context.Context, tokenIn, tokenOut string, feeTier int, params SwapParams, recipient string) (PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, tradeerr.Wrap(tradeerr.KindExternalService, "paper.swap", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.quote(tokenIn, tokenOut, params.ExactIn, feeTier)
	if err != nil {
		return nil, err
	}
	if q.OutAmount.LessThan(params.AmountOutMinimum) {
		return nil, tradeerr.Newf(tradeerr.KindExternalService, "paper.swap",
			"slippage exceeded: out %s below minimum %s", q.OutAmount.StringFixed(8), params.AmountOutMinimum.StringFixed(8))
	}

	p.swaps++
	id := uuid.New()
	tx := &paperTx{
		id:   id.String(),
		hash: fmt.Sprintf("0x%x", id[:]),
		out:  q.OutAmount,
	}

	p.logger.Debug("Paper swap filled",
		zap.String("tx_id", tx.id),
		zap.String("recipient", recipient),
		zap.String("token_in", tokenIn),
		zap.String("token_out", tokenOut),
		zap.Int("fee_tier", feeTier),
		zap.String("amount_in", params.ExactIn.String()),
		zap.String("amount_out", q.OutAmount.String()))

	return tx, nil
}

type paperTx struct {
	id   string
	hash string
	out  decimal.Decimal
}

func (t *paperTx) ID() string { return t.id }

func (t *paperTx) Wait(ctx context.Context) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, tradeerr.Wrap(tradeerr.KindExternalService, "paper.wait", err)
	}
	return Receipt{TransactionHash: t.hash, AmountOut: t.out}, nil
}

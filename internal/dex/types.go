// ==========================================
// File: internal/dex/types.go
// ==========================================
package dex

import (
	"context"

	"github.com/shopspring/decimal"
)

// Quote is the result of an exact-input quote against one fee tier.
type Quote struct {
	OutAmount decimal.Decimal `json:"out_amount"`
	FeeTier   int             `json:"fee_tier"`
}

// SwapParams bounds an exact-input swap.
type SwapParams struct {
	ExactIn          decimal.Decimal
	AmountOutMinimum decimal.Decimal
}

// Receipt is returned once a submitted swap is confirmed.
// AmountOut is zero when the chain client cannot report the filled amount.
type Receipt struct {
	TransactionHash string
	AmountOut       decimal.Decimal
}

// PendingTransaction is a submitted swap awaiting confirmation.
type PendingTransaction interface {
	ID() string
	Wait(ctx context.Context) (Receipt, error)
}

// Client is the quote and swap surface of the exchange.
type Client interface {
	QuoteExactInput(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, feeTier int) (Quote, error)
	Swap(ctx context.Context, tokenIn, tokenOut string, feeTier int, params SwapParams, recipient string) (PendingTransaction, error)
}

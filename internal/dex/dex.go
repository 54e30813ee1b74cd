// =============================
// File: internal/dex/dex.go
// =============================

// Package dex defines the exchange boundary used by the trading engine:
// exact-input quotes per fee tier and slippage-bounded swaps.
package dex

import (
	"strings"

	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// ExchangePaper selects the in-memory exchange.
const ExchangePaper = "paper"

// GetClientByName creates the exchange client for name. Chain clients are
// linked by the deployment; this build only ships the paper exchange.
func GetClientByName(name string, logger *zap.Logger) (Client, error) {
	if logger == nil {
		return nil, tradeerr.New(tradeerr.KindConfiguration, "dex", "logger cannot be nil")
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case ExchangePaper, "":
		return NewPaperClient(logger), nil
	default:
		return nil, tradeerr.Newf(tradeerr.KindConfiguration, "dex", "exchange %q is not supported by this build", name)
	}
}

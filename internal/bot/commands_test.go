// internal/bot/commands_test.go
package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yuphix/fafnir-sub000/internal/session"
	"github.com/Yuphix/fafnir-sub000/internal/storage"
	"github.com/Yuphix/fafnir-sub000/internal/strategy"
)

// MockCommandHandler records the commands it handles.
type MockCommandHandler struct {
	handled []SessionCommand
	errors  map[string]error
}

func NewMockCommandHandler() *MockCommandHandler {
	return &MockCommandHandler{errors: make(map[string]error)}
}

func (h *MockCommandHandler) Handle(_ context.Context, cmd SessionCommand) error {
	h.handled = append(h.handled, cmd)
	return h.errors[cmd.GetType()]
}

func TestCommandValidation(t *testing.T) {
	tests := []struct {
		name    string
		cmd     SessionCommand
		wantErr bool
	}{
		{"valid assign", AssignStrategyCommand{Wallet: "client|w1", Strategy: "arbitrage"}, false},
		{"assign without wallet", AssignStrategyCommand{Strategy: "arbitrage"}, true},
		{"assign without strategy", AssignStrategyCommand{Wallet: "client|w1"}, true},
		{"valid stop", StopStrategyCommand{Wallet: "client|w1"}, false},
		{"blank stop", StopStrategyCommand{Wallet: "  "}, true},
		{"valid activate", ActivateSessionCommand{Wallet: "client|w1"}, false},
		{"valid update", UpdateConfigCommand{Wallet: "client|w1", Config: strategy.Config{"trade_amount": "5"}}, false},
		{"empty update", UpdateConfigCommand{Wallet: "client|w1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCommandBusRouting(t *testing.T) {
	bus := NewCommandBus(zaptest.NewLogger(t))
	handler := NewMockCommandHandler()
	bus.RegisterHandler(StopStrategyCommand{}, handler)

	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, StopStrategyCommand{Wallet: "client|w1"}))
	require.Len(t, handler.handled, 1)
	assert.Equal(t, "stop_strategy", handler.handled[0].GetType())

	err := bus.Send(ctx, ActivateSessionCommand{Wallet: "client|w1"})
	assert.ErrorContains(t, err, "no handler registered")

	err = bus.Send(ctx, StopStrategyCommand{})
	assert.ErrorContains(t, err, "validation failed")
	assert.Len(t, handler.handled, 1)

	handler.errors["stop_strategy"] = errors.New("boom")
	err = bus.Send(ctx, StopStrategyCommand{Wallet: "client|w1"})
	assert.ErrorContains(t, err, "boom")

	assert.Equal(t, []string{"stop_strategy"}, bus.GetRegisteredHandlers())
}

func TestSessionHandler(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	m := session.NewManager(session.Options{
		Layout:     storage.Layout{Dir: t.TempDir()},
		QuoteToken: "GUSDC",
		Logger:     logger,
	})
	bus := NewCommandBus(logger)
	NewSessionHandler(m).Register(bus)

	assert.Equal(t, []string{"activate_session", "assign_strategy", "stop_strategy", "update_config"}, bus.GetRegisteredHandlers())

	// Strategies without an executor cannot be built.
	err := bus.Send(ctx, AssignStrategyCommand{Wallet: "client|w1", Strategy: "arbitrage"})
	assert.Error(t, err)

	assert.ErrorContains(t, bus.Send(ctx, StopStrategyCommand{Wallet: "client|w1"}), "no session")
	assert.ErrorContains(t, bus.Send(ctx, UpdateConfigCommand{Wallet: "client|w1", Config: strategy.Config{"x": 1}}), "no session")
	assert.Error(t, bus.Send(ctx, ActivateSessionCommand{Wallet: "client|w1"}))
}

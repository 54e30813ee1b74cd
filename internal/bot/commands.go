// internal/bot/commands.go
package bot

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/session"
	"github.com/Yuphix/fafnir-sub000/internal/strategy"
)

// SessionCommand is an operator request against one wallet's session.
type SessionCommand interface {
	GetType() string
	GetWallet() string
	Validate() error
}

func requireWallet(wallet string) error {
	if strings.TrimSpace(wallet) == "" {
		return fmt.Errorf("wallet cannot be empty")
	}
	return nil
}

// AssignStrategyCommand binds a strategy to a wallet, replacing any
// session the wallet holds.
type AssignStrategyCommand struct {
	Wallet   string          `json:"wallet" yaml:"wallet"`
	Strategy string          `json:"strategy" yaml:"strategy"`
	Config   strategy.Config `json:"config,omitempty" yaml:"config,omitempty"`
}

func (c AssignStrategyCommand) GetType() string   { return "assign_strategy" }
func (c AssignStrategyCommand) GetWallet() string { return c.Wallet }

func (c AssignStrategyCommand) Validate() error {
	if err := requireWallet(c.Wallet); err != nil {
		return err
	}
	if strings.TrimSpace(c.Strategy) == "" {
		return fmt.Errorf("strategy cannot be empty")
	}
	return nil
}

// StopStrategyCommand stops a wallet's session.
type StopStrategyCommand struct {
	Wallet string `json:"wallet"`
}

func (c StopStrategyCommand) GetType() string   { return "stop_strategy" }
func (c StopStrategyCommand) GetWallet() string { return c.Wallet }
func (c StopStrategyCommand) Validate() error   { return requireWallet(c.Wallet) }

// ActivateSessionCommand starts a recovered session.
type ActivateSessionCommand struct {
	Wallet string `json:"wallet"`
}

func (c ActivateSessionCommand) GetType() string   { return "activate_session" }
func (c ActivateSessionCommand) GetWallet() string { return c.Wallet }
func (c ActivateSessionCommand) Validate() error   { return requireWallet(c.Wallet) }

// UpdateConfigCommand merges Config into a wallet's strategy settings.
type UpdateConfigCommand struct {
	Wallet string          `json:"wallet"`
	Config strategy.Config `json:"config"`
}

func (c UpdateConfigCommand) GetType() string   { return "update_config" }
func (c UpdateConfigCommand) GetWallet() string { return c.Wallet }

func (c UpdateConfigCommand) Validate() error {
	if err := requireWallet(c.Wallet); err != nil {
		return err
	}
	if len(c.Config) == 0 {
		return fmt.Errorf("config cannot be empty")
	}
	return nil
}

// CommandHandler executes commands of the types it was registered for.
type CommandHandler interface {
	Handle(ctx context.Context, cmd SessionCommand) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd SessionCommand) error

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd SessionCommand) error {
	return f(ctx, cmd)
}

// CommandBus routes commands to handlers by concrete type.
type CommandBus struct {
	handlers map[reflect.Type]CommandHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewCommandBus creates an empty command bus.
func NewCommandBus(logger *zap.Logger) *CommandBus {
	return &CommandBus{
		handlers: make(map[reflect.Type]CommandHandler),
		logger:   logger.Named("command_bus"),
	}
}

// RegisterHandler routes commands of cmdType's concrete type to handler.
func (bus *CommandBus) RegisterHandler(cmdType SessionCommand, handler CommandHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers[reflect.TypeOf(cmdType)] = handler
	bus.logger.Debug("Command handler registered", zap.String("command_type", cmdType.GetType()))
}

// Send validates cmd and runs its handler.
func (bus *CommandBus) Send(ctx context.Context, cmd SessionCommand) error {
	if err := cmd.Validate(); err != nil {
		bus.logger.Error("Command validation failed",
			zap.String("command_type", cmd.GetType()),
			zap.String("wallet", cmd.GetWallet()),
			zap.Error(err))
		return fmt.Errorf("command validation failed: %w", err)
	}

	bus.mu.RLock()
	handler, exists := bus.handlers[reflect.TypeOf(cmd)]
	bus.mu.RUnlock()

	if !exists {
		bus.logger.Error("No handler for command",
			zap.String("command_type", cmd.GetType()),
			zap.String("wallet", cmd.GetWallet()))
		return fmt.Errorf("no handler registered for command type: %s", cmd.GetType())
	}

	if err := handler.Handle(ctx, cmd); err != nil {
		bus.logger.Error("Command execution failed",
			zap.String("command_type", cmd.GetType()),
			zap.String("wallet", cmd.GetWallet()),
			zap.Error(err))
		return fmt.Errorf("command execution failed: %w", err)
	}

	bus.logger.Info("Command executed",
		zap.String("command_type", cmd.GetType()),
		zap.String("wallet", cmd.GetWallet()))
	return nil
}

// GetRegisteredHandlers returns the registered command type names, sorted.
func (bus *CommandBus) GetRegisteredHandlers() []string {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	out := make([]string, 0, len(bus.handlers))
	for t := range bus.handlers {
		cmd := reflect.New(t).Elem().Interface().(SessionCommand)
		out = append(out, cmd.GetType())
	}
	sort.Strings(out)
	return out
}

// SessionHandler executes session commands against a manager.
type SessionHandler struct {
	manager *session.Manager
}

// NewSessionHandler wraps m.
func NewSessionHandler(m *session.Manager) *SessionHandler {
	return &SessionHandler{manager: m}
}

// Register routes every session command type on bus to h.
func (h *SessionHandler) Register(bus *CommandBus) {
	for _, cmd := range []SessionCommand{
		AssignStrategyCommand{},
		StopStrategyCommand{},
		ActivateSessionCommand{},
		UpdateConfigCommand{},
	} {
		bus.RegisterHandler(cmd, h)
	}
}

// Handle implements CommandHandler.
func (h *SessionHandler) Handle(ctx context.Context, cmd SessionCommand) error {
	switch c := cmd.(type) {
	case AssignStrategyCommand:
		_, err := h.manager.AssignStrategy(ctx, c.Wallet, c.Strategy, c.Config)
		return err
	case StopStrategyCommand:
		if !h.manager.StopUserStrategy(ctx, c.Wallet) {
			return fmt.Errorf("no session for wallet %s", c.Wallet)
		}
		return nil
	case ActivateSessionCommand:
		_, err := h.manager.Activate(ctx, c.Wallet)
		return err
	case UpdateConfigCommand:
		ok, err := h.manager.UpdateUserConfig(ctx, c.Wallet, c.Config)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no session for wallet %s", c.Wallet)
		}
		return nil
	}
	return fmt.Errorf("unsupported command type: %s", cmd.GetType())
}

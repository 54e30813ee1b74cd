// internal/bot/assignments.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Yuphix/fafnir-sub000/internal/session"
)

// assignmentsFile is the startup assignments document:
//
//	assignments:
//	  - wallet: client|0xabc
//	    strategy: arbitrage
//	    config:
//	      trade_amount: "25"
type assignmentsFile struct {
	Assignments []AssignStrategyCommand `yaml:"assignments"`
}

// LoadAssignments reads the startup assignments at path.
func LoadAssignments(path string) ([]AssignStrategyCommand, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assignments file: %w", err)
	}

	var doc assignmentsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse assignments file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Assignments))
	for i, a := range doc.Assignments {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("assignment %d: %w", i+1, err)
		}
		if seen[a.Wallet] {
			return nil, fmt.Errorf("assignment %d: wallet %s listed twice", i+1, a.Wallet)
		}
		seen[a.Wallet] = true
	}
	return doc.Assignments, nil
}

// applyAssignments turns the startup assignments into commands. A wallet
// recovered with the same strategy keeps its session and performance and
// is reconfigured and activated instead of replaced.
func applyAssignments(ctx context.Context, bus *CommandBus, m *session.Manager, list []AssignStrategyCommand, logger *zap.Logger) error {
	var errs []error
	for _, a := range list {
		var cmds []SessionCommand
		if s, ok := m.GetUserStatus(a.Wallet); ok && !s.Active && s.StrategyID == a.Strategy {
			if len(a.Config) > 0 {
				cmds = append(cmds, UpdateConfigCommand{Wallet: a.Wallet, Config: a.Config})
			}
			cmds = append(cmds, ActivateSessionCommand{Wallet: a.Wallet})
		} else {
			cmds = append(cmds, a)
		}

		for _, cmd := range cmds {
			if err := bus.Send(ctx, cmd); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", cmd.GetType(), a.Wallet, err))
				break
			}
		}
	}
	logger.Info("Startup assignments applied",
		zap.Int("assignments", len(list)),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/config"
	"github.com/Yuphix/fafnir-sub000/internal/export"
	"github.com/Yuphix/fafnir-sub000/internal/history"
)

const testAssignments = `
assignments:
  - wallet: client|arb
    strategy: arbitrage
    config:
      pairs: [GUSDC/GALA]
      anti_detection: false
      max_volatility: 0
  - wallet: client|dca
    strategy: fibonacci
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func loadTestConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	assignments := writeFile(t, dir, "assignments.yaml", testAssignments)
	path := writeFile(t, dir, "fafnir.yaml", fmt.Sprintf(`
data_dir: %s
assignments_file: %s
fee_tiers: [500, 3000]
tick_interval_ms: 1000
risk:
  timezone: UTC
market:
  tokens: [GALA]
paper:
  prices:
    - {base: GALA, quote: GUSDC, price: 0.02, tiers: [500]}
    - {base: GALA, quote: GUSDC, price: 0.021, tiers: [3000]}
`, filepath.Join(dir, "data"), assignments))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestRunnerTickAndRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := loadTestConfig(t, dir)

	r := NewRunner(cfg, zap.NewNop())
	require.NoError(t, r.Initialize(ctx))

	list, err := LoadAssignments(cfg.AssignmentsFile)
	require.NoError(t, err)
	require.NoError(t, applyAssignments(ctx, r.Commands(), r.Manager(), list, zap.NewNop()))
	require.Len(t, r.Manager().GetAllUserStatuses(), 2)

	summary := r.Manager().Tick(ctx)
	assert.Equal(t, 2, summary.Sessions)
	assert.Equal(t, 1, summary.Executed)
	assert.Zero(t, summary.Failed)

	arb, ok := r.Manager().GetUserStatus("client|arb")
	require.True(t, ok)
	assert.Equal(t, 1, arb.Performance.SuccessfulTrades)
	assert.True(t, arb.Performance.TotalProfit.IsPositive())

	records := r.History().Search(history.Filter{Wallet: "client|arb"})
	require.Len(t, records, 1)
	assert.Len(t, records[0].TxHashes, 2)

	path, err := r.ExportTrades(export.FormatCSV, history.Filter{Wallet: "client|arb"})
	require.NoError(t, err)
	assert.FileExists(t, path)

	report, err := r.ExportDailyReport(time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.FileExists(t, report)
	empty, err := r.ExportDailyReport("2001-01-01")
	require.NoError(t, err)
	assert.Empty(t, empty)
	_, err = r.ExportDailyReport("yesterday")
	assert.Error(t, err)

	require.NoError(t, r.Shutdown())

	// A restart recovers both sessions inactive and the startup
	// assignments reactivate them with their performance intact.
	restarted := NewRunner(cfg, zap.NewNop())
	require.NoError(t, restarted.Initialize(ctx))
	t.Cleanup(func() { _ = restarted.Shutdown() })

	n, err := restarted.Manager().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, s := range restarted.Manager().GetAllUserStatuses() {
		assert.False(t, s.Active, s.Wallet)
	}
	assert.Len(t, restarted.History().Search(history.Filter{}), 1)

	require.NoError(t, applyAssignments(ctx, restarted.Commands(), restarted.Manager(), list, zap.NewNop()))
	arb2, ok := restarted.Manager().GetUserStatus("client|arb")
	require.True(t, ok)
	assert.True(t, arb2.Active)
	assert.Equal(t, arb.ID, arb2.ID)
	assert.Equal(t, 1, arb2.Performance.TotalTrades)
}

func TestLoadAssignmentsRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.yaml", `
assignments:
  - {wallet: client|w1, strategy: arbitrage}
  - {wallet: client|w1, strategy: fibonacci}
`)
	_, err := LoadAssignments(path)
	assert.ErrorContains(t, err, "listed twice")

	path = writeFile(t, dir, "b.yaml", `
assignments:
  - {wallet: client|w1}
`)
	_, err = LoadAssignments(path)
	assert.ErrorContains(t, err, "strategy cannot be empty")

	_, err = LoadAssignments(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.TickCompleted(120 * time.Millisecond)
	c.TickCompleted(80 * time.Millisecond)
	c.TickSkipped()
	c.RecordTrade("arbitrage", "settled", 1.5)
	c.RecordTrade("arbitrage", "settled", -0.5)
	c.RecordTrade("arbitrage", "no_opportunity", 0)
	c.AdmissionDenied("fibonacci")
	c.PartialExecution("triangular")
	c.SetActiveSessions(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticksSkipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.trades.WithLabelValues("arbitrage", "settled")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.profit.WithLabelValues("arbitrage", "gain")))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.profit.WithLabelValues("arbitrage", "loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionDenied.WithLabelValues("fibonacci")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partial.WithLabelValues("triangular")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeSessions))
}

func TestCompetitionLevelIsOneHot(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.competition.WithLabelValues("LOW")))

	c.SetCompetitionLevel(competition.LevelHigh)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.competition.WithLabelValues("LOW")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.competition.WithLabelValues("MEDIUM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.competition.WithLabelValues("HIGH")))
}

func TestHandlerExposesQuoteCache(t *testing.T) {
	c := NewCollector()
	c.RegisterQuoteCache(func() (uint64, uint64) { return 7, 3 })
	c.SetRiskRemaining(42)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"fafnir_quote_cache_hits_total 7",
		"fafnir_quote_cache_misses_total 3",
		"fafnir_risk_daily_loss_remaining_usd 42",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
}

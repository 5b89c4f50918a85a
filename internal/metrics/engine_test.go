package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"warden/internal/deployment"
	"warden/internal/lifecycle"
	"warden/internal/pkg/circuit"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics_Counts(t *testing.T) {
	m := New(nil)
	m.CycleCompleted(lifecycle.CycleResult{
		Kind:       deployment.KindAlert,
		Outcome:    lifecycle.OutcomeSignals,
		QuotaReset: true,
		Signals: []lifecycle.SignalReport{
			{Disposition: lifecycle.DispositionDelivered},
			{Disposition: lifecycle.DispositionQuotaExceeded},
		},
	})
	m.CycleCompleted(lifecycle.CycleResult{Kind: deployment.KindBot, Outcome: lifecycle.OutcomeHold, Discarded: true})
	m.CircuitTransition(deployment.KindBot, circuit.Transition{From: circuit.StateClosed, To: circuit.StateOpen})
	m.InvariantViolated(deployment.KindBot)
	m.EvaluationDuration(deployment.KindAlert, 120*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("ALERT", "signals")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("ALERT", "quota_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discarded.WithLabelValues("BOT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaResets.WithLabelValues("ALERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("BOT", "CLOSED", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invariants.WithLabelValues("BOT")))
}

func TestHandler_ExposesNamespace(t *testing.T) {
	m := New(nil)
	m.InvariantViolated(deployment.KindAlert)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `warden_engine_invariant_violations_total{kind="ALERT"} 1`)
}

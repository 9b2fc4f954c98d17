// Package metrics_test verifies that every Prometheus metric exported by the
// metrics package can be registered without panicking, and that each increment
// or set operation is reflected in the metric's current value.
//
// Delta comparisons (before/after) are used throughout so that tests remain
// order-independent regardless of how many other tests have touched the
// package-level counters before this file runs.
package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/admission-engine/internal/metrics"
)

// TestRegisterWith_DoesNotPanic verifies that registering all metrics with
// a fresh, isolated registry succeeds without panicking.
func TestRegisterWith_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.RegisterWith(prometheus.NewRegistry())
	})
}

// TestRegisterWith_PanicsOnDoubleRegistration verifies the MustRegister
// behaviour: re-registering the same metrics with the same registry panics.
func TestRegisterWith_PanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.RegisterWith(reg)
	assert.Panics(t, func() {
		metrics.RegisterWith(reg)
	})
}

// TestDecisions_IncrementsByReason verifies that each reason label is
// tracked independently and incremented by exactly one.
func TestDecisions_IncrementsByReason(t *testing.T) {
	reasons := []string{
		"ok", "rate_limited", "banned", "budget_exhausted",
		"challenge_required", "challenge_invalid", "invalid_request",
	}
	for _, r := range reasons {
		r := r
		t.Run(r, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.Decisions.WithLabelValues(r))
			metrics.Decisions.WithLabelValues(r).Inc()
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.Decisions.WithLabelValues(r)))
		})
	}
}

// TestStoreErrors_IncrementsByComponent verifies per-component tracking.
func TestStoreErrors_IncrementsByComponent(t *testing.T) {
	components := []string{"ratelimit", "challenge", "costguard", "bans", "gate"}
	for _, c := range components {
		c := c
		t.Run(c, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.StoreErrors.WithLabelValues(c))
			metrics.StoreErrors.WithLabelValues(c).Inc()
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.StoreErrors.WithLabelValues(c)))
		})
	}
}

// TestChallengeCounters_Increment covers both challenge metric vectors.
func TestChallengeCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(metrics.ChallengesIssued.WithLabelValues("verified"))
	metrics.ChallengesIssued.WithLabelValues("verified").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChallengesIssued.WithLabelValues("verified")))

	before = testutil.ToFloat64(metrics.ChallengesValidated.WithLabelValues("consumed"))
	metrics.ChallengesValidated.WithLabelValues("consumed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChallengesValidated.WithLabelValues("consumed")))
}

// TestAlertsSent_Increments verifies that .Inc() advances the counter by
// exactly one.
func TestAlertsSent_Increments(t *testing.T) {
	before := testutil.ToFloat64(metrics.AlertsSent)
	metrics.AlertsSent.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AlertsSent))
}

// TestGauges_SetAndDec verifies that Set establishes an exact value and Dec
// reduces it by one.
func TestGauges_SetAndDec(t *testing.T) {
	metrics.CostCommittedMicros.Set(500)
	require.Equal(t, float64(500), testutil.ToFloat64(metrics.CostCommittedMicros))

	metrics.AlertOutboxDepth.Set(3)
	metrics.AlertOutboxDepth.Dec()
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AlertOutboxDepth))
}

// Package metrics defines package-level Prometheus metric variables for
// the admission engine. Call Register() once at startup to expose them on
// the default registry, or RegisterWith() to use an isolated registry in
// tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Decisions counts admission gate outcomes, labelled by reason code
	// ("ok", "rate_limited", "banned", ...).
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions_total",
		Help: "Admission decisions, by reason code.",
	}, []string{"reason"})

	// StoreErrors counts atomic-store failures, labelled by the component
	// that hit them (ratelimit|challenge|costguard|bans|gate).
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_store_errors_total",
		Help: "Atomic store errors, by component.",
	}, []string{"component"})

	// ChallengesIssued counts issued challenge tokens, labelled by
	// verification state (verified|grace|restricted|unverified).
	ChallengesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_challenges_issued_total",
		Help: "Challenge tokens issued, by verification state.",
	}, []string{"state"})

	// ChallengesValidated counts validation outcomes
	// (ok|missing|expired|consumed|mismatch).
	ChallengesValidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_challenges_validated_total",
		Help: "Challenge validation outcomes.",
	}, []string{"outcome"})

	// CostReservations counts reserve attempts (granted|denied|degraded).
	CostReservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_cost_reservations_total",
		Help: "Cost guard reservation attempts, by outcome.",
	}, []string{"outcome"})

	// CostCommittedMicros is the committed spend in the current day
	// period, in micro-dollars. Refreshed on every commit.
	CostCommittedMicros = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "admission_cost_committed_micros",
		Help: "Committed spend in the current day period (micro-dollars).",
	})

	// BanEscalations counts ban tier transitions, labelled by new tier.
	BanEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_ban_escalations_total",
		Help: "Ban escalations, by new tier.",
	}, []string{"tier"})

	// AlertsSent counts alert notifications delivered to the webhook.
	AlertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_alerts_sent_total",
		Help: "Alert events successfully delivered.",
	})

	// AlertOutboxDepth gauges pending events in the local alert outbox.
	AlertOutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "admission_alert_outbox_depth",
		Help: "Alert events waiting in the local outbox.",
	})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
// Use an isolated prometheus.NewRegistry() in tests to avoid conflicts.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		Decisions,
		StoreErrors,
		ChallengesIssued,
		ChallengesValidated,
		CostReservations,
		CostCommittedMicros,
		BanEscalations,
		AlertsSent,
		AlertOutboxDepth,
	)
}

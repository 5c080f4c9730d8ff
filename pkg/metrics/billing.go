package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Business counters, registered on the default registry and served from the
// same endpoint as the HTTP metrics.
var (
	LedgerDebits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "ledger_debits_total",
		Help:      "Balance debits by transaction type.",
	}, []string{"type"})

	LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "ledger_credits_total",
		Help:      "Balance credits by transaction type.",
	}, []string{"type"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "webhook_events_total",
		Help:      "Webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	PlanUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "plan_upgrades_total",
		Help:      "Immediate plan upgrades applied.",
	})

	PlanDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "plan_downgrades_total",
		Help:      "Plan downgrades scheduled for the period boundary.",
	})

	GracePeriodsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "grace_periods_started_total",
		Help:      "Grace periods opened on payment failure.",
	})

	GracePeriodsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "grace_periods_recovered_total",
		Help:      "Grace periods closed by a successful payment.",
	})

	GracePeriodsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "grace_periods_expired_total",
		Help:      "Grace periods that lapsed into cancellation.",
	})

	SandboxSessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "sandbox_sessions_reaped_total",
		Help:      "Stale sandbox sessions force-closed by the reaper.",
	})
)

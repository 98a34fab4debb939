// Package metrics exposes Prometheus counters for the engine's hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SerialsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_serials_claimed_total",
		Help: "Serial numbers successfully claimed into the equipment ledger.",
	})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_claim_conflicts_total",
		Help: "Claim attempts rejected because the serial was already claimed.",
	})

	SerialsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_serials_released_total",
		Help: "Claims retracted within the retraction window.",
	})

	RequestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_payment_requests_created_total",
		Help: "Payment requests created, by origin.",
	}, []string{"origin"})

	RequestsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_payment_requests_decided_total",
		Help: "Payment request decisions, by outcome (approved/rejected).",
	}, []string{"outcome"})

	RequestsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_payment_requests_paid_total",
		Help: "Payment requests marked paid.",
	})

	BonusesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_bonuses_issued_total",
		Help: "Bonus payment requests issued, by kind (milestone/promotion).",
	}, []string{"kind"})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_failures_total",
		Help: "Notification deliveries that failed (best-effort, logged only).",
	})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entl_cache_lookups_total",
			Help: "Cache tier lookups by namespace and result",
		},
		[]string{"namespace", "result"}, // hit|miss|skip|error|breaker_open
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entl_access_decisions_total",
			Help: "Access decisions by outcome and denial reason",
		},
		[]string{"outcome", "reason"}, // allow|deny|error
	)

	UsageReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entl_usage_reports_total",
			Help: "Usage reports by result",
		},
		[]string{"result"}, // applied|duplicate|denied|error
	)

	AuthorityConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entl_authority_cas_conflicts_total",
			Help: "Optimistic write conflicts retried by the entitlement authority",
		},
	)

	AuthorityLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entl_authority_duration_seconds",
			Help:    "Entitlement authority operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SubscriptionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entl_subscription_transitions_total",
			Help: "Subscription status transitions",
		},
		[]string{"from", "to"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		CacheLookups,
		Decisions,
		UsageReports,
		AuthorityConflicts,
		AuthorityLatency,
		SubscriptionTransitions,
	)
}

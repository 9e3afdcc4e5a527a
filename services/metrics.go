package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbridge_dispatch_outcomes_total",
			Help: "Outbound partner deliveries by outcome (sent, retry, failed)",
		},
		[]string{"outcome"},
	)

	callbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbridge_callback_outcomes_total",
			Help: "Inbound partner callbacks by outcome",
		},
		[]string{"outcome"},
	)

	remediationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbridge_remediation_runs_total",
			Help: "Auto-remediation attempts by action and result",
		},
		[]string{"action", "result"},
	)

	remediationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsbridge_remediation_duration_seconds",
			Help:    "Wall-clock duration of remediation actions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"action"},
	)

	escalationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbridge_escalation_decisions_total",
			Help: "Applied escalation decisions by kind",
		},
		[]string{"decision"},
	)

	kpiSnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsbridge_kpi_snapshots_total",
			Help: "Weekly KPI snapshots upserted",
		},
	)
)

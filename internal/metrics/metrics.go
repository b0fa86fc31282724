// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardledger_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by key family and outcome",
		},
		[]string{"family", "outcome"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardledger_provider_calls_total",
			Help: "Calls to the card and exchange providers by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardledger_provider_call_duration_seconds",
			Help:    "Duration of provider calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	IssuanceFees = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardledger_issuance_fee_settlements_total",
			Help: "Issuance fee settlement outcomes",
		},
		[]string{"outcome"},
	)

	Disputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardledger_disputes_total",
			Help: "Dispute operations by outcome",
		},
		[]string{"outcome"},
	)

	FundingTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardledger_funding_transactions_total",
			Help: "Funding transactions by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardledger_jobs_processed_total",
			Help: "Asynchronous jobs handled by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeContended = "contended"
	OutcomeSkipped   = "skipped"
	OutcomePending   = "pending"
)

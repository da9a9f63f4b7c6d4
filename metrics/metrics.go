// Package metrics holds the Prometheus collectors for the reward ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ResponseTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RewardsGranted counts credits by transaction type (ad_watch, task_completion, referral).
	RewardsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_granted_total",
			Help: "Number of rewards credited, by type",
		},
		[]string{"type"},
	)

	// RewardsRejected counts refused reward attempts by reason.
	RewardsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_rejected_total",
			Help: "Number of reward attempts refused, by reason",
		},
		[]string{"reason"},
	)

	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "withdrawals_total",
			Help: "Withdrawal lifecycle events, by resulting status",
		},
		[]string{"status"},
	)

	CommitConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_commit_conflicts_total",
			Help: "Compare-and-swap commits that lost a race and were retried",
		},
	)

	LedgerMismatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_mismatched_users",
			Help: "Users whose balance differed from their transaction log at the last reconciliation",
		},
	)

	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconcile_runs_total",
			Help: "Reconciliation runs, by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveConflict is suitable as ledger.Updater.OnConflict.
func ObserveConflict(int) {
	CommitConflicts.Inc()
}

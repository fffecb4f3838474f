// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for DispatchItems.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

var (
	DispatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailq_dispatch_items_total",
			Help: "Queue items handled by the dispatcher, by outcome",
		},
		[]string{"outcome"},
	)

	DispatchRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailq_dispatch_recovered_total",
			Help: "Stuck processing items reset to pending",
		},
	)

	DispatchTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailq_dispatch_tick_seconds",
			Help:    "Duration of one dispatcher tick in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	DispatchLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailq_dispatch_last_run_timestamp",
			Help: "Unix time of the last completed dispatcher tick",
		},
	)

	CampaignsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailq_campaigns_completed_total",
			Help: "Campaigns moved to completed by the dispatcher",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe webhook deliveries by event type and outcome
	// (processed, duplicate, failed, rejected).
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxpay",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks end-to-end webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foxpay",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// IdempotencyOutcomesTotal counts idempotent requests by action and outcome
	// (executed, failed, replayed, replayed_error, conflict).
	IdempotencyOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxpay",
		Subsystem: "idempotency",
		Name:      "outcomes_total",
		Help:      "Idempotent requests by action and outcome.",
	}, []string{"action", "outcome"})

	// ReconcileRecordsTotal counts reconciled subscriptions by result
	// (unchanged, corrected, error).
	ReconcileRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxpay",
		Subsystem: "billing",
		Name:      "reconcile_records_total",
		Help:      "Reconciled subscriptions by result.",
	}, []string{"result"})

	// ProviderRetriesTotal counts retried provider calls by operation.
	ProviderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxpay",
		Subsystem: "billing",
		Name:      "provider_retries_total",
		Help:      "Retried Stripe API calls by operation.",
	}, []string{"operation"})

	// PrunedRowsTotal counts rows removed by maintenance by table.
	PrunedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxpay",
		Subsystem: "maintenance",
		Name:      "pruned_rows_total",
		Help:      "Rows removed by pruning, by table.",
	}, []string{"table"})
)

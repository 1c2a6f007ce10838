package jobs

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const (
	TaskPruneEvents = "prune_stripe_events"
	TaskPruneKeys   = "prune_idempotency_keys"
	TaskReconcile   = "reconcile_subscriptions"
)

// EventPruner is satisfied by billing.EventLedger.
type EventPruner interface {
	PruneProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// KeyPruner is satisfied by idempotency.GormStore.
type KeyPruner interface {
	PruneExpiredBefore(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Reconciler is satisfied by billing.Reconciler.
type Reconciler interface {
	ReconcileAll(ctx context.Context, pageSize int) (billing.Result, error)
}

// PruneEventsTask deletes processed ledger rows older than retention, one
// batch per tick.
func PruneEventsTask(p EventPruner, retention time.Duration, batch int, every time.Duration) Task {
	return Task{
		Name:     TaskPruneEvents,
		Interval: every,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			n, err := p.PruneProcessedBefore(ctx, time.Now().UTC().Add(-retention), batch)
			if err != nil {
				return err
			}
			if n > 0 {
				metrics.PrunedRowsTotal.WithLabelValues("stripe_events").Add(float64(n))
				log.Infof("[Jobs Manager] pruned %d processed stripe events", n)
			}
			return nil
		},
	}
}

// PruneKeysTask deletes expired idempotency keys, one batch per tick.
func PruneKeysTask(p KeyPruner, batch int, every time.Duration) Task {
	return Task{
		Name:     TaskPruneKeys,
		Interval: every,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			n, err := p.PruneExpiredBefore(ctx, time.Now().UTC(), batch)
			if err != nil {
				return err
			}
			if n > 0 {
				metrics.PrunedRowsTotal.WithLabelValues("idempotency_keys").Add(float64(n))
				log.Infof("[Jobs Manager] pruned %d expired idempotency keys", n)
			}
			return nil
		},
	}
}

// ReconcileTask sweeps all local subscriptions against Stripe.
func ReconcileTask(r Reconciler, pageSize int, every time.Duration) Task {
	return Task{
		Name:     TaskReconcile,
		Interval: every,
		Run: func(ctx context.Context) error {
			res, err := r.ReconcileAll(ctx, pageSize)
			if err != nil {
				return err
			}
			log.Infof("[Jobs Manager] reconcile sweep: checked=%d corrected=%d errors=%d", res.Checked, res.Corrected, res.Errors)
			return nil
		},
	}
}

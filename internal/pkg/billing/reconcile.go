package billing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
	"github.com/ManuelReschke/FoxPay/internal/pkg/retry"
)

const (
	DefaultReconcileLimit   = 100
	MaxReconcileLimit       = 1000
	DefaultReconcileWorkers = 4
)

// Page selects a slice of locally stored subscriptions ordered by id.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default limit, the upper bound and a non-negative
// offset.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultReconcileLimit
	}
	if p.Limit > MaxReconcileLimit {
		p.Limit = MaxReconcileLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Result summarizes one reconciliation run.
type Result struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Errors    int `json:"errors"`
}

func (r *Result) add(o Result) {
	r.Checked += o.Checked
	r.Corrected += o.Corrected
	r.Errors += o.Errors
}

// ReconcileConfig tunes Reconciler. Zero values fall back to defaults.
type ReconcileConfig struct {
	Workers int
	Retry   retry.Policy
}

// Reconciler re-derives local subscription state from the provider. It takes
// row locks on one subscription at a time and keeps no state across pages,
// so it can run next to live webhook processing and restart at any offset.
type Reconciler struct {
	db      *gorm.DB
	gateway Gateway
	workers int
	policy  retry.Policy
}

func NewReconciler(db *gorm.DB, gateway Gateway, cfg ReconcileConfig) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultReconcileWorkers
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = IsTransientProviderError
	}
	return &Reconciler{db: db, gateway: gateway, workers: cfg.Workers, policy: policy}
}

// Reconcile checks one page. Failures of single records are logged and
// counted; only failing to read the page itself is returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, page Page) (Result, error) {
	page = page.Normalize()

	refs, err := NewRepository(r.db.WithContext(ctx)).
		ListSubscriptionReferences(models.BillingProviderStripe, page.Limit, page.Offset)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.CodeInternal, "list subscriptions", err)
	}

	var corrected, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, ref := range refs {
		g.Go(func() error {
			changed, err := r.reconcileOne(ctx, ref)
			switch {
			case err != nil:
				failed.Add(1)
				metrics.ReconcileRecordsTotal.WithLabelValues("error").Inc()
				log.Errorf("[Reconcile] subscription %s (user %d): %v", ref.ProviderSubscriptionID, ref.UserID, err)
			case changed:
				corrected.Add(1)
				metrics.ReconcileRecordsTotal.WithLabelValues("corrected").Inc()
			default:
				metrics.ReconcileRecordsTotal.WithLabelValues("unchanged").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Checked:   len(refs),
		Corrected: int(corrected.Load()),
		Errors:    int(failed.Load()),
	}
	log.Infof("[Reconcile] offset=%d limit=%d checked=%d corrected=%d errors=%d",
		page.Offset, page.Limit, res.Checked, res.Corrected, res.Errors)
	return res, nil
}

// ReconcileAll walks every page until a short page is returned.
func (r *Reconciler) ReconcileAll(ctx context.Context, pageSize int) (Result, error) {
	page := Page{Limit: pageSize}.Normalize()
	var total Result
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := r.Reconcile(ctx, page)
		if err != nil {
			return total, err
		}
		total.add(res)
		if res.Checked < page.Limit {
			return total, nil
		}
		page.Offset += page.Limit
	}
}

func (r *Reconciler) fetch(ctx context.Context, subscriptionID string) (*NormalizedSubscription, error) {
	policy := r.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ProviderRetriesTotal.WithLabelValues("retrieve_subscription").Inc()
		log.Warnf("[Reconcile] retrieve %s attempt %d failed, retrying in %s: %v", subscriptionID, attempt, delay, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return retry.Do(ctx, policy, func(ctx context.Context) (*NormalizedSubscription, error) {
		return r.gateway.GetSubscription(ctx, subscriptionID)
	})
}

// reconcileOne reports whether the local row was corrected.
func (r *Reconciler) reconcileOne(ctx context.Context, ref models.SubscriptionReference) (bool, error) {
	remote, err := r.fetch(ctx, ref.ProviderSubscriptionID)
	missing := false
	if err != nil {
		if apperror.CodeOf(err) != apperror.CodeNotFound {
			return false, err
		}
		missing = true
	}

	changed := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := NewRepository(tx)
		local, err := repo.LockSubscription(models.BillingProviderStripe, ref.ProviderSubscriptionID)
		if err != nil {
			return err
		}
		svc := NewService(repo)

		if missing {
			if local.Status == models.BillingStatusCanceled {
				return nil
			}
			changed = true
			_, err := svc.MarkCanceled(ctx, local)
			return err
		}

		if !drifted(local, remote) {
			return nil
		}
		changed = true
		in := *remote
		if in.UserID == 0 {
			in.UserID = local.UserID
		}
		_, _, err = svc.SyncSubscription(ctx, in)
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func drifted(local *models.BillingSubscription, remote *NormalizedSubscription) bool {
	return local.Status != normalizeStatus(remote.Status) ||
		local.CancelAtPeriodEnd != remote.CancelAtPeriodEnd ||
		local.ProviderPlanRef != remote.ProviderPlanRef ||
		!sameTime(local.CurrentPeriodStart, remote.CurrentPeriodStart) ||
		!sameTime(local.CurrentPeriodEnd, remote.CurrentPeriodEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

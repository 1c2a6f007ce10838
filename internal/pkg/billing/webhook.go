package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const (
	DefaultEventRetention  = 90 * 24 * time.Hour
	DefaultPruneEvery      = 15 * time.Minute
	DefaultEventPruneLimit = 500
)

// Webhook outcomes reported to metrics.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

// WebhookConfig tunes WebhookProcessor. Zero values fall back to defaults.
type WebhookConfig struct {
	Retention  time.Duration
	PruneEvery time.Duration
	PruneLimit int
}

// ApplyFunc performs the business transition of one event on tx.
type ApplyFunc func(ctx context.Context, tx *gorm.DB, ev *WebhookEvent) error

// WebhookProcessor verifies provider events and applies each event id at most
// once, however often it is delivered.
type WebhookProcessor struct {
	db      *gorm.DB
	gateway Gateway
	cfg     WebhookConfig
	apply   ApplyFunc

	mu        sync.Mutex
	lastPrune time.Time
}

func NewWebhookProcessor(db *gorm.DB, gateway Gateway, cfg WebhookConfig) *WebhookProcessor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultEventRetention
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = DefaultPruneEvery
	}
	if cfg.PruneLimit == 0 {
		cfg.PruneLimit = DefaultEventPruneLimit
	}
	return &WebhookProcessor{
		db:      db,
		gateway: gateway,
		cfg:     cfg,
		apply:   ApplyEvent,
	}
}

// Process verifies and applies one delivery. It fails with INVALID_SIGNATURE
// or INVALID_PAYLOAD for deliveries that must not be retried, and with
// INTERNAL for anything else; the provider then redelivers.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) error {
	start := time.Now()

	ev, err := p.gateway.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", outcomeRejected).Inc()
		log.Warnf("[Webhook] rejected delivery: %v", err)
		return err
	}
	defer func() {
		metrics.WebhookDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	}()

	p.maybePrune(ctx)

	outcome, err := p.handle(ctx, ev)
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
	return err
}

func (p *WebhookProcessor) handle(ctx context.Context, ev *WebhookEvent) (string, error) {
	outcome := outcomeProcessed
	var applyErr error

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := NewEventLedger(tx)

		claimed, err := ledger.Claim(ctx, ev.ID, ev.Type)
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if !claimed {
			snapshot, err := ledger.Peek(ctx, ev.ID)
			if err != nil {
				return fmt.Errorf("peek event: %w", err)
			}
			if snapshot.Succeeded() {
				outcome = outcomeDuplicate
				return nil
			}
		}

		current, err := ledger.Lock(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}
		if current == nil {
			return errors.New("ledger row disappeared after claim")
		}
		// Another delivery may have finished between claim and lock.
		if current.Succeeded() {
			outcome = outcomeDuplicate
			return nil
		}
		if err := ledger.CountAttempt(ctx, current); err != nil {
			return fmt.Errorf("count attempt: %w", err)
		}

		// Nested transaction: GORM runs it under a savepoint, so a failed
		// transition is rolled back while the failure marker below commits.
		if err := tx.Transaction(func(btx *gorm.DB) error {
			return p.apply(ctx, btx, ev)
		}); err != nil {
			applyErr = err
			outcome = outcomeFailed
			return ledger.MarkFailed(ctx, ev.ID, apperror.RecordOf(err))
		}
		return ledger.MarkProcessed(ctx, ev.ID)
	})
	if err != nil {
		log.Errorf("[Webhook] event %s (%s): %v", ev.ID, ev.Type, err)
		return outcomeError, apperror.Wrap(apperror.CodeInternal, "webhook processing failed", err)
	}
	if applyErr != nil {
		log.Errorf("[Webhook] event %s (%s) failed, awaiting redelivery: %v", ev.ID, ev.Type, applyErr)
		return outcome, apperror.Wrap(apperror.CodeInternal, "webhook processing failed", applyErr)
	}

	if outcome == outcomeDuplicate {
		log.Debugf("[Webhook] duplicate delivery of %s ignored", ev.ID)
	} else {
		log.Infof("[Webhook] processed %s (%s)", ev.ID, ev.Type)
	}
	return outcome, nil
}

// maybePrune removes old processed events at most once per PruneEvery.
// Failures are logged only.
func (p *WebhookProcessor) maybePrune(ctx context.Context) {
	if p.cfg.PruneLimit < 0 {
		return
	}
	now := nowUTC()
	p.mu.Lock()
	if !p.lastPrune.IsZero() && now.Sub(p.lastPrune) < p.cfg.PruneEvery {
		p.mu.Unlock()
		return
	}
	p.lastPrune = now
	p.mu.Unlock()

	n, err := NewEventLedger(p.db).PruneProcessedBefore(ctx, now.Add(-p.cfg.Retention), p.cfg.PruneLimit)
	if err != nil {
		log.Warnf("[Webhook] prune processed events failed: %v", err)
		return
	}
	if n > 0 {
		metrics.PrunedRowsTotal.WithLabelValues("stripe_events").Add(float64(n))
	}
}

// ApplyEvent is the business transition for a verified event: link the
// customer, then upsert the subscription and recompute the user's plan.
// Events carrying neither are acknowledged without changes.
func ApplyEvent(ctx context.Context, tx *gorm.DB, ev *WebhookEvent) error {
	svc := NewServiceFromDB(tx)
	if ev.Customer != nil {
		if _, err := svc.LinkCustomer(ctx, *ev.Customer); err != nil {
			return fmt.Errorf("link customer: %w", err)
		}
	}
	if ev.Subscription != nil {
		sub, plan, err := svc.SyncSubscription(ctx, *ev.Subscription)
		if err != nil {
			return fmt.Errorf("sync subscription: %w", err)
		}
		log.Infof("[Webhook] subscription %s for user %d is %s, effective plan %s",
			sub.ProviderSubscriptionID, sub.UserID, sub.Status, plan)
	}
	return nil
}

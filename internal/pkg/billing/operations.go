package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
	"github.com/ManuelReschke/FoxPay/internal/pkg/retry"
)

// Idempotency actions of the user-facing billing operations.
const (
	ActionCreateCheckoutSession = "billing:createCheckoutSession"
	ActionCreatePortalSession   = "billing:createPortalSession"
	ActionCancelSubscription    = "billing:cancelSubscription"
)

var validate = validator.New()

// OperationsConfig tunes Operations. Zero durations use the idempotency
// package defaults.
type OperationsConfig struct {
	TTL          time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
	Notifier     idempotency.Notifier
	Retry        retry.Policy
}

// Operations are the mutating billing calls made on behalf of a user. Each
// one runs at most once per (user, action, idempotency key).
type Operations struct {
	db      *gorm.DB
	gateway Gateway
	store   idempotency.Store
	cfg     OperationsConfig
}

func NewOperations(db *gorm.DB, gateway Gateway, store idempotency.Store, cfg OperationsConfig) *Operations {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = IsTransientProviderError
	}
	return &Operations{db: db, gateway: gateway, store: store, cfg: cfg}
}

// CheckoutInput is the body of a checkout request.
type CheckoutInput struct {
	PriceID string `json:"price_id" validate:"required,startswith=price_,max=191"`
}

// CancelInput is the body of a cancel request.
type CancelInput struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

// SubscriptionView is the client representation of a subscription.
type SubscriptionView struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
}

// ResyncResult is returned by Resync.
type ResyncResult struct {
	Synced int    `json:"synced"`
	Plan   string `json:"plan"`
}

func options[T any](o *Operations, userID uint, action, key string, execute func(ctx context.Context) (T, error)) idempotency.Options[T] {
	return idempotency.Options[T]{
		Store:        o.store,
		Scope:        idempotency.Scope{UserID: userID, Action: action, Key: key},
		TTL:          o.cfg.TTL,
		MaxWait:      o.cfg.MaxWait,
		PollInterval: o.cfg.PollInterval,
		Notifier:     o.cfg.Notifier,
		Execute:      execute,
	}
}

// providerKey derives the key forwarded to Stripe so that a retried
// execution cannot create a second provider object either.
func providerKey(action string, userID uint, key string) string {
	return fmt.Sprintf("%s:%d:%s", action, userID, strings.ToLower(strings.TrimSpace(key)))
}

func (o *Operations) callProvider(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	policy := o.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ProviderRetriesTotal.WithLabelValues(operation).Inc()
		log.Warnf("[Billing] %s attempt %d failed, retrying in %s: %v", operation, attempt, delay, err)
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CreateCheckout starts a subscription checkout for userID.
func (o *Operations) CreateCheckout(ctx context.Context, userID uint, email, key string, in CheckoutInput) (Session, error) {
	in.PriceID = strings.TrimSpace(in.PriceID)
	if err := validate.Struct(in); err != nil {
		return Session{}, apperror.Wrap(apperror.CodeValidation, "price_id must be a Stripe price id", err)
	}

	return idempotency.Run(ctx, options(o, userID, ActionCreateCheckoutSession, key, func(ctx context.Context) (Session, error) {
		customerID, err := NewServiceFromDB(o.db.WithContext(ctx)).CustomerForUser(ctx, userID)
		if err != nil && apperror.CodeOf(err) != apperror.CodeNotFound {
			return Session{}, err
		}
		req := CheckoutRequest{
			UserID:         userID,
			PriceID:        in.PriceID,
			CustomerID:     customerID,
			Email:          email,
			IdempotencyKey: providerKey(ActionCreateCheckoutSession, userID, key),
		}
		var session *Session
		err = o.callProvider(ctx, "create checkout session", func(ctx context.Context) error {
			var err error
			session, err = o.gateway.CreateCheckoutSession(ctx, req)
			return err
		})
		if err != nil {
			return Session{}, err
		}
		log.Infof("[Billing] checkout session %s created for user %d", session.ID, userID)
		return *session, nil
	}))
}

// CreatePortal opens the provider's billing portal for the user's customer.
func (o *Operations) CreatePortal(ctx context.Context, userID uint, key string) (Session, error) {
	return idempotency.Run(ctx, options(o, userID, ActionCreatePortalSession, key, func(ctx context.Context) (Session, error) {
		customerID, err := NewServiceFromDB(o.db.WithContext(ctx)).CustomerForUser(ctx, userID)
		if err != nil {
			return Session{}, err
		}
		req := PortalRequest{
			CustomerID:     customerID,
			IdempotencyKey: providerKey(ActionCreatePortalSession, userID, key),
		}
		var session *Session
		err = o.callProvider(ctx, "create portal session", func(ctx context.Context) error {
			var err error
			session, err = o.gateway.CreatePortalSession(ctx, req)
			return err
		})
		if err != nil {
			return Session{}, err
		}
		return *session, nil
	}))
}

// CancelSubscription cancels one of the user's subscriptions at the provider
// and applies the returned state locally.
func (o *Operations) CancelSubscription(ctx context.Context, userID uint, key, subscriptionID string, in CancelInput) (SubscriptionView, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return SubscriptionView{}, apperror.New(apperror.CodeValidation, "subscription id is required")
	}

	return idempotency.Run(ctx, options(o, userID, ActionCancelSubscription, key, func(ctx context.Context) (SubscriptionView, error) {
		local, err := NewRepository(o.db.WithContext(ctx)).GetSubscription(models.BillingProviderStripe, subscriptionID)
		if err != nil {
			if isNotFound(err) {
				return SubscriptionView{}, apperror.New(apperror.CodeNotFound, "subscription not found")
			}
			return SubscriptionView{}, err
		}
		if local.UserID != userID {
			return SubscriptionView{}, apperror.New(apperror.CodeNotFound, "subscription not found")
		}

		var remote *NormalizedSubscription
		err = o.callProvider(ctx, "cancel_subscription", func(ctx context.Context) error {
			var err error
			remote, err = o.gateway.CancelSubscription(ctx, CancelRequest{
				SubscriptionID: subscriptionID,
				AtPeriodEnd:    in.AtPeriodEnd,
				IdempotencyKey: providerKey(ActionCancelSubscription, userID, key),
			})
			return err
		})
		if err != nil {
			return SubscriptionView{}, err
		}

		var view SubscriptionView
		err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := NewRepository(tx)
			if _, err := repo.LockSubscription(models.BillingProviderStripe, subscriptionID); err != nil {
				return err
			}
			ns := *remote
			ns.UserID = userID
			sub, _, err := NewService(repo).SyncSubscription(ctx, ns)
			if err != nil {
				return err
			}
			view = viewOf(sub)
			return nil
		})
		if err != nil {
			return SubscriptionView{}, err
		}
		log.Infof("[Billing] subscription %s of user %d canceled (at period end: %t)", subscriptionID, userID, in.AtPeriodEnd)
		return view, nil
	}))
}

// Resync pulls every subscription of the user's customer from the provider
// and stores it. It is naturally idempotent and not keyed.
func (o *Operations) Resync(ctx context.Context, userID uint) (ResyncResult, error) {
	svc := NewServiceFromDB(o.db.WithContext(ctx))
	customerID, err := svc.CustomerForUser(ctx, userID)
	if err != nil {
		return ResyncResult{}, err
	}

	var subs []NormalizedSubscription
	err = o.callProvider(ctx, "list_subscriptions", func(ctx context.Context) error {
		var err error
		subs, err = o.gateway.ListSubscriptions(ctx, customerID)
		return err
	})
	if err != nil {
		return ResyncResult{}, err
	}

	res := ResyncResult{}
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txSvc := NewServiceFromDB(tx)
		for _, ns := range subs {
			ns.UserID = userID
			if _, _, err := txSvc.SyncSubscription(ctx, ns); err != nil {
				return err
			}
			res.Synced++
		}
		plan, err := txSvc.ReconcileUserPlan(ctx, userID)
		if err != nil {
			return err
		}
		res.Plan = plan
		return nil
	})
	if err != nil {
		return ResyncResult{}, err
	}
	log.Infof("[Billing] resynced %d subscriptions for user %d, plan %s", res.Synced, userID, res.Plan)
	return res, nil
}

func viewOf(sub *models.BillingSubscription) SubscriptionView {
	return SubscriptionView{
		ID:                sub.ProviderSubscriptionID,
		Status:            sub.Status,
		Plan:              normalizePlan(sub.InternalPlan),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	}
}

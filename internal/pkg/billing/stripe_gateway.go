package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

// MetadataUserIDKey is set on subscriptions created through checkout so
// webhook events can be attributed without a customer lookup.
const MetadataUserIDKey = "user_id"

// StripeConfig configures StripeGateway.
type StripeConfig struct {
	SecretKey       string
	WebhookSecret   string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// StripeGateway implements Gateway with stripe-go.
type StripeGateway struct {
	cfg StripeConfig
	api *client.API
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	api := &client.API{}
	api.Init(strings.TrimSpace(cfg.SecretKey), nil)
	return &StripeGateway{cfg: cfg, api: api}
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	secret := strings.TrimSpace(g.cfg.WebhookSecret)
	if secret == "" {
		return nil, apperror.New(apperror.CodeProviderUnavailable, "Stripe webhook secret not configured")
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, secret, webhook.DefaultTolerance); err != nil {
		return nil, apperror.Wrap(apperror.CodeInvalidSignature, "invalid Stripe signature", err)
	}

	// Decoded here rather than through ConstructEvent so that a malformed body
	// with a valid signature is reported as a payload error, and so that API
	// version drift between account and library does not reject events.
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperror.Wrap(apperror.CodeInvalidPayload, "malformed Stripe event", err)
	}
	return translateEvent(&event)
}

func translateEvent(event *stripe.Event) (*WebhookEvent, error) {
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return nil, apperror.New(apperror.CodeInvalidPayload, "Stripe event without id or type")
	}
	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed":
		sub, err := decodeEventObject[stripe.Subscription](event)
		if err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return nil, apperror.New(apperror.CodeInvalidPayload, "subscription event without subscription id")
		}
		ns, err := normalizeStripeSubscription(sub)
		if err != nil {
			return nil, err
		}
		if event.Type == "customer.subscription.deleted" {
			ns.Status = models.BillingStatusCanceled
		}
		ns.RawPayloadJSON = string(event.Data.Raw)
		out.Subscription = ns

	case "checkout.session.completed":
		cs, err := decodeEventObject[stripe.CheckoutSession](event)
		if err != nil {
			return nil, err
		}
		if cs.Customer != nil && cs.Customer.ID != "" && cs.ClientReferenceID != "" {
			userID, err := parseUserID(cs.ClientReferenceID)
			if err != nil {
				return nil, err
			}
			link := &CustomerLink{UserID: userID, CustomerID: cs.Customer.ID}
			if cs.CustomerDetails != nil {
				link.Email = cs.CustomerDetails.Email
			}
			out.Customer = link
		}
	}
	return out, nil
}

func decodeEventObject[T any](event *stripe.Event) (*T, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, apperror.New(apperror.CodeInvalidPayload, "Stripe event without data object")
	}
	var v T
	if err := json.Unmarshal(event.Data.Raw, &v); err != nil {
		return nil, apperror.Wrap(apperror.CodeInvalidPayload, fmt.Sprintf("malformed %s object", event.Type), err)
	}
	return &v, nil
}

func parseUserID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, apperror.Newf(apperror.CodeInvalidPayload, "invalid user reference %q", raw)
	}
	return uint(id), nil
}

func normalizeStripeSubscription(sub *stripe.Subscription) (*NormalizedSubscription, error) {
	ns := &NormalizedSubscription{
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: sub.ID,
		Status:                 string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		BillingInterval:        models.BillingIntervalUnknown,
	}
	if sub.Customer != nil {
		ns.ProviderCustomerID = sub.Customer.ID
	}
	if raw := sub.Metadata[MetadataUserIDKey]; raw != "" {
		userID, err := parseUserID(raw)
		if err != nil {
			return nil, err
		}
		ns.UserID = userID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ns.ProviderPlanRef = item.Price.ID
			if item.Price.Recurring != nil {
				ns.BillingInterval = normalizeInterval(string(item.Price.Recurring.Interval))
			}
		}
		ns.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		ns.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return ns, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*NormalizedSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, mapStripeError("retrieve subscription", err)
	}
	return normalizeStripeSubscription(sub)
}

func (g *StripeGateway) ListSubscriptions(ctx context.Context, customerID string) ([]NormalizedSubscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var out []NormalizedSubscription
	it := g.api.Subscriptions.List(params)
	for it.Next() {
		ns, err := normalizeStripeSubscription(it.Subscription())
		if err != nil {
			return nil, err
		}
		out = append(out, *ns)
	}
	if err := it.Err(); err != nil {
		return nil, mapStripeError("list subscriptions", err)
	}
	return out, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, req CancelRequest) (*NormalizedSubscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	if req.AtPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		sub, err = g.api.Subscriptions.Update(req.SubscriptionID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		sub, err = g.api.Subscriptions.Cancel(req.SubscriptionID, params)
	}
	if err != nil {
		return nil, mapStripeError("cancel subscription", err)
	}
	return normalizeStripeSubscription(sub)
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	userRef := strconv.FormatUint(uint64(req.UserID), 10)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		ClientReferenceID: stripe.String(userRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserIDKey: userRef},
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	cs, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapStripeError("create checkout session", err)
	}
	return &Session{ID: cs.ID, URL: cs.URL}, nil
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, req PortalRequest) (*Session, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(req.CustomerID),
		ReturnURL: stripe.String(g.cfg.PortalReturnURL),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	ps, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, mapStripeError("create portal session", err)
	}
	return &Session{ID: ps.ID, URL: ps.URL}, nil
}

var _ Gateway = (*StripeGateway)(nil)

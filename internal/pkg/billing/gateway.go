package billing

import "context"

// Gateway is the payment provider boundary. Errors are *apperror.Error values:
// NOT_FOUND for unknown objects, RATE_LIMITED and PROVIDER_UNAVAILABLE for
// transient conditions.
type Gateway interface {
	// ParseWebhook verifies the signature and translates the event. It fails
	// with INVALID_SIGNATURE or INVALID_PAYLOAD.
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)

	GetSubscription(ctx context.Context, subscriptionID string) (*NormalizedSubscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]NormalizedSubscription, error)
	CancelSubscription(ctx context.Context, req CancelRequest) (*NormalizedSubscription, error)

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	CreatePortalSession(ctx context.Context, req PortalRequest) (*Session, error)
}

package billing

import "time"

// NormalizedSubscription is the provider-agnostic shape used when syncing
// external subscription state into local tables.
type NormalizedSubscription struct {
	// UserID is 0 when the provider payload does not carry it; the service
	// then resolves it through the linked billing account.
	UserID                 uint
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPlanRef        string
	BillingInterval        string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	RawPayloadJSON         string
}

// CustomerLink associates a provider customer with a local user.
type CustomerLink struct {
	UserID     uint
	CustomerID string
	Email      string
}

// WebhookEvent is a verified provider event translated into domain updates.
// Events that carry neither update are recorded and acknowledged.
type WebhookEvent struct {
	ID           string
	Type         string
	Subscription *NormalizedSubscription
	Customer     *CustomerLink
}

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID         uint
	PriceID        string
	CustomerID     string
	Email          string
	IdempotencyKey string
}

// PortalRequest opens the provider's self-service portal for a customer.
type PortalRequest struct {
	CustomerID     string
	IdempotencyKey string
}

// CancelRequest cancels a subscription now or at the end of the period.
type CancelRequest struct {
	SubscriptionID string
	AtPeriodEnd    bool
	IdempotencyKey string
}

// Session is a hosted provider page the user is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

package billing

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/database/dbtest"
)

const (
	testWebhookSecret = "whsec_test_123"
	pricePremium      = "price_premium_month"
	pricePremiumMax   = "price_premium_max_month"
)

// fakeGateway serves subscriptions from memory. Webhook parsing goes through
// the real Stripe verifier.
type fakeGateway struct {
	mu sync.Mutex

	subs        map[string]*NormalizedSubscription
	getErrs     map[string][]error
	getCalls    map[string]int
	cancelErr   []error
	checkoutErr []error
	portalErr   []error

	cancels   []CancelRequest
	checkouts []CheckoutRequest
	portals   []PortalRequest
	lists     []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subs:     map[string]*NormalizedSubscription{},
		getErrs:  map[string][]error{},
		getCalls: map[string]int{},
	}
}

func (f *fakeGateway) put(ns NormalizedSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[ns.ProviderSubscriptionID] = &ns
}

func (f *fakeGateway) failGet(subID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErrs[subID] = append(f.getErrs[subID], errs...)
}

func (f *fakeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	return NewStripeGateway(StripeConfig{WebhookSecret: testWebhookSecret}).ParseWebhook(payload, signature)
}

func (f *fakeGateway) GetSubscription(_ context.Context, subscriptionID string) (*NormalizedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[subscriptionID]++
	if errs := f.getErrs[subscriptionID]; len(errs) > 0 {
		f.getErrs[subscriptionID] = errs[1:]
		return nil, errs[0]
	}
	ns, ok := f.subs[subscriptionID]
	if !ok {
		return nil, apperror.New(apperror.CodeNotFound, "retrieve subscription: No such subscription")
	}
	cp := *ns
	return &cp, nil
}

func (f *fakeGateway) ListSubscriptions(_ context.Context, customerID string) ([]NormalizedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, customerID)
	var out []NormalizedSubscription
	for _, ns := range f.subs {
		if ns.ProviderCustomerID == customerID {
			out = append(out, *ns)
		}
	}
	return out, nil
}

func (f *fakeGateway) CancelSubscription(_ context.Context, req CancelRequest) (*NormalizedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, req)
	if len(f.cancelErr) > 0 {
		err := f.cancelErr[0]
		f.cancelErr = f.cancelErr[1:]
		return nil, err
	}
	ns, ok := f.subs[req.SubscriptionID]
	if !ok {
		return nil, apperror.New(apperror.CodeNotFound, "cancel subscription: No such subscription")
	}
	if req.AtPeriodEnd {
		ns.CancelAtPeriodEnd = true
	} else {
		ns.Status = models.BillingStatusCanceled
	}
	cp := *ns
	return &cp, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	if len(f.checkoutErr) > 0 {
		err := f.checkoutErr[0]
		f.checkoutErr = f.checkoutErr[1:]
		return nil, err
	}
	id := "cs_" + string(rune('0'+len(f.checkouts)))
	return &Session{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *fakeGateway) CreatePortalSession(_ context.Context, req PortalRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portals = append(f.portals, req)
	if len(f.portalErr) > 0 {
		err := f.portalErr[0]
		f.portalErr = f.portalErr[1:]
		return nil, err
	}
	return &Session{ID: "bps_1", URL: "https://billing.stripe.test/p/" + req.CustomerID}, nil
}

var _ Gateway = (*fakeGateway)(nil)

func newBillingDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := dbtest.New(t)
	for _, m := range []models.BillingPlanMapping{
		{Provider: models.BillingProviderStripe, ProviderPlanRef: pricePremium, InternalPlan: "premium", BillingInterval: models.BillingIntervalMonth, IsActive: true},
		{Provider: models.BillingProviderStripe, ProviderPlanRef: pricePremiumMax, InternalPlan: "premium_max", BillingInterval: models.BillingIntervalUnknown, IsActive: true},
	} {
		require.NoError(t, db.Create(&m).Error)
	}
	return db
}

func period(days int) (*time.Time, *time.Time) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, days)
	return &start, &end
}

func remoteSub(subID string, userID uint, status string) NormalizedSubscription {
	start, end := period(30)
	return NormalizedSubscription{
		UserID:                 userID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: subID,
		ProviderCustomerID:     "cus_" + subID,
		ProviderPlanRef:        pricePremium,
		BillingInterval:        models.BillingIntervalMonth,
		Status:                 status,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
	}
}

func seedSubscription(t *testing.T, db *gorm.DB, ns NormalizedSubscription) *models.BillingSubscription {
	t.Helper()
	sub, _, err := NewServiceFromDB(db).SyncSubscription(context.Background(), ns)
	require.NoError(t, err)
	return sub
}

func loadSubscription(t *testing.T, db *gorm.DB, subID string) *models.BillingSubscription {
	t.Helper()
	sub, err := NewRepository(db).GetSubscription(models.BillingProviderStripe, subID)
	require.NoError(t, err)
	return sub
}

func userPlan(t *testing.T, db *gorm.DB, userID uint) string {
	t.Helper()
	us, err := models.GetOrCreateUserSettings(db, userID)
	require.NoError(t, err)
	return us.Plan
}

// subscriptionPayload builds a Stripe event carrying a subscription object.
func subscriptionPayload(t *testing.T, eventID, eventType, subID string, userID uint, status, priceID string) []byte {
	t.Helper()
	metadata := map[string]string{}
	if userID != 0 {
		metadata[MetadataUserIDKey] = strconv.FormatUint(uint64(userID), 10)
	}
	start, end := period(30)
	event := map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":                   subID,
				"object":               "subscription",
				"status":               status,
				"customer":             "cus_" + subID,
				"cancel_at_period_end": false,
				"metadata":             metadata,
				"items": map[string]any{
					"object": "list",
					"data": []map[string]any{{
						"id":                   "si_" + subID,
						"object":               "subscription_item",
						"current_period_start": start.Unix(),
						"current_period_end":   end.Unix(),
						"price": map[string]any{
							"id":        priceID,
							"object":    "price",
							"recurring": map[string]any{"interval": "month"},
						},
					}},
				},
			},
		},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func checkoutPayload(t *testing.T, eventID string, userID uint, customerID string) []byte {
	t.Helper()
	event := map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_" + eventID,
				"object":              "checkout.session",
				"mode":                "subscription",
				"customer":            customerID,
				"client_reference_id": strconv.FormatUint(uint64(userID), 10),
				"customer_details":    map[string]any{"email": "user@example.test"},
			},
		},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string) ([]byte, string) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

func TestResolveMappedPlan(t *testing.T) {
	svc := NewServiceFromDB(newBillingDB(t))
	ctx := context.Background()

	plan, err := svc.ResolveMappedPlan(ctx, "stripe", pricePremium, "month")
	require.NoError(t, err)
	assert.Equal(t, "premium", plan)

	// Mapped with interval "unknown" only.
	plan, err = svc.ResolveMappedPlan(ctx, "STRIPE", pricePremiumMax, "year")
	require.NoError(t, err)
	assert.Equal(t, "premium_max", plan)

	plan, err = svc.ResolveMappedPlan(ctx, "stripe", "price_unmapped", "month")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	assert.Equal(t, "free", plan)
}

func TestSyncSubscriptionKeepsBestEntitlingPlan(t *testing.T) {
	db := newBillingDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	_, plan, err := svc.SyncSubscription(ctx, remoteSub("sub_1", 5, "active"))
	require.NoError(t, err)
	assert.Equal(t, "premium", plan)

	best := remoteSub("sub_2", 5, "trialing")
	best.ProviderPlanRef = pricePremiumMax
	_, plan, err = svc.SyncSubscription(ctx, best)
	require.NoError(t, err)
	assert.Equal(t, "premium_max", plan)

	best.Status = "incomplete_expired"
	_, plan, err = svc.SyncSubscription(ctx, best)
	require.NoError(t, err)
	assert.Equal(t, "premium", plan)

	us, err := models.GetOrCreateUserSettings(db, 5)
	require.NoError(t, err)
	assert.Equal(t, "premium", us.Plan)
	assert.NotNil(t, us.PlanChangedAt)

	var count int64
	require.NoError(t, db.Model(&models.BillingSubscription{}).Where("user_id = ?", 5).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSyncSubscriptionResolvesUser(t *testing.T) {
	db := newBillingDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	_, err := svc.LinkCustomer(ctx, CustomerLink{UserID: 11, CustomerID: "cus_11", Email: " u@example.test "})
	require.NoError(t, err)

	viaCustomer := remoteSub("sub_c", 0, "active")
	viaCustomer.ProviderCustomerID = "cus_11"
	sub, _, err := svc.SyncSubscription(ctx, viaCustomer)
	require.NoError(t, err)
	assert.Equal(t, uint(11), sub.UserID)

	// A later update without metadata or link keeps the stored owner.
	seedSubscription(t, db, remoteSub("sub_s", 12, "active"))
	viaRow := remoteSub("sub_s", 0, "past_due")
	viaRow.ProviderCustomerID = "cus_unknown"
	sub, _, err = svc.SyncSubscription(ctx, viaRow)
	require.NoError(t, err)
	assert.Equal(t, uint(12), sub.UserID)

	_, _, err = svc.SyncSubscription(ctx, remoteSub("sub_nobody", 0, "active"))
	assert.ErrorIs(t, err, apperror.InvalidPayload)
}

func TestLinkCustomerRelinksAccount(t *testing.T) {
	db := newBillingDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	_, err := svc.LinkCustomer(ctx, CustomerLink{UserID: 1, CustomerID: "cus_1"})
	require.NoError(t, err)
	_, err = svc.LinkCustomer(ctx, CustomerLink{UserID: 1, CustomerID: "cus_1", Email: "new@example.test"})
	require.NoError(t, err)

	customerID, err := svc.CustomerForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customerID)

	_, err = svc.LinkCustomer(ctx, CustomerLink{UserID: 0, CustomerID: "cus_2"})
	assert.ErrorIs(t, err, apperror.InvalidPayload)

	_, err = svc.CustomerForUser(ctx, 2)
	assert.ErrorIs(t, err, apperror.NotFound)
}

func TestMarkCanceledKeepsRow(t *testing.T) {
	db := newBillingDB(t)
	svc := NewServiceFromDB(db)
	sub := seedSubscription(t, db, remoteSub("sub_1", 3, "active"))

	plan, err := svc.MarkCanceled(context.Background(), loadSubscription(t, db, sub.ProviderSubscriptionID))
	require.NoError(t, err)
	assert.Equal(t, "free", plan)

	got := loadSubscription(t, db, "sub_1")
	assert.Equal(t, models.BillingStatusCanceled, got.Status)
	assert.Equal(t, pricePremium, got.ProviderPlanRef)
}

package billing

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
	"github.com/ManuelReschke/FoxPay/internal/pkg/entitlements"
)

// Service applies provider subscription state to local tables and keeps the
// effective user plan in sync. It performs no provider calls.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle. Pass a
// transaction handle to make the service's writes part of that transaction.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// LinkCustomer records which local user owns a provider customer.
func (s *Service) LinkCustomer(ctx context.Context, link CustomerLink) (*models.BillingAccount, error) {
	_ = ctx
	customerID := strings.TrimSpace(link.CustomerID)
	if link.UserID == 0 || customerID == "" {
		return nil, apperror.New(apperror.CodeInvalidPayload, "customer link requires user and customer id")
	}

	account := &models.BillingAccount{
		UserID:            link.UserID,
		Provider:          models.BillingProviderStripe,
		ProviderAccountID: customerID,
		Email:             strings.TrimSpace(link.Email),
	}
	if err := s.repo.UpsertBillingAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// CustomerForUser returns the linked provider customer id of a user.
func (s *Service) CustomerForUser(ctx context.Context, userID uint) (string, error) {
	_ = ctx
	account, err := s.repo.GetBillingAccountByUser(userID, models.BillingProviderStripe)
	if err != nil {
		if isNotFound(err) {
			return "", apperror.New(apperror.CodeNotFound, "no billing account linked")
		}
		return "", err
	}
	return account.ProviderAccountID, nil
}

// ResolveMappedPlan resolves provider plan references to an internal plan.
func (s *Service) ResolveMappedPlan(ctx context.Context, provider, providerPlanRef, interval string) (string, error) {
	_ = ctx
	p := strings.ToLower(strings.TrimSpace(provider))
	ref := strings.TrimSpace(providerPlanRef)
	i := normalizeInterval(interval)
	if p == "" || ref == "" {
		return string(entitlements.PlanFree), gorm.ErrRecordNotFound
	}

	// Prefer exact interval match.
	m, err := s.repo.FindActivePlanMapping(p, ref, i)
	if err == nil {
		return normalizePlan(m.InternalPlan), nil
	}
	if !isNotFound(err) {
		return "", err
	}

	// Fallback for mappings that intentionally use "unknown".
	m, err = s.repo.FindActivePlanMapping(p, ref, models.BillingIntervalUnknown)
	if err == nil {
		return normalizePlan(m.InternalPlan), nil
	}
	if isNotFound(err) {
		return string(entitlements.PlanFree), gorm.ErrRecordNotFound
	}
	return "", err
}

// resolveUser attributes a subscription to a local user: payload metadata
// first, then the linked billing account, then an already stored row.
func (s *Service) resolveUser(in NormalizedSubscription) (uint, error) {
	if in.UserID != 0 {
		return in.UserID, nil
	}
	if customerID := strings.TrimSpace(in.ProviderCustomerID); customerID != "" {
		account, err := s.repo.GetBillingAccountByProviderAccountID(models.BillingProviderStripe, customerID)
		if err == nil {
			return account.UserID, nil
		}
		if !isNotFound(err) {
			return 0, err
		}
	}
	existing, err := s.repo.GetSubscription(models.BillingProviderStripe, in.ProviderSubscriptionID)
	if err == nil {
		return existing.UserID, nil
	}
	if !isNotFound(err) {
		return 0, err
	}
	return 0, apperror.Newf(apperror.CodeInvalidPayload, "subscription %s cannot be attributed to a user", in.ProviderSubscriptionID)
}

// SyncSubscription upserts provider subscription data and reconciles the
// user's plan. It returns the stored row and the effective plan.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.BillingSubscription, string, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		provider = models.BillingProviderStripe
	}
	in.ProviderSubscriptionID = strings.TrimSpace(in.ProviderSubscriptionID)
	if in.ProviderSubscriptionID == "" {
		return nil, "", apperror.New(apperror.CodeInvalidPayload, "subscription id is required")
	}

	userID, err := s.resolveUser(in)
	if err != nil {
		return nil, "", err
	}

	interval := normalizeInterval(in.BillingInterval)
	internalPlan, err := s.ResolveMappedPlan(ctx, provider, in.ProviderPlanRef, interval)
	if err != nil && !isNotFound(err) {
		return nil, "", err
	}
	if internalPlan == "" {
		internalPlan = string(entitlements.PlanFree)
	}

	sub := &models.BillingSubscription{
		UserID:                 userID,
		Provider:               provider,
		ProviderSubscriptionID: in.ProviderSubscriptionID,
		ProviderCustomerID:     strings.TrimSpace(in.ProviderCustomerID),
		ProviderPlanRef:        strings.TrimSpace(in.ProviderPlanRef),
		InternalPlan:           internalPlan,
		BillingInterval:        interval,
		Status:                 normalizeStatus(in.Status),
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		RawPayloadJSON:         in.RawPayloadJSON,
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, "", err
	}

	effectivePlan, err := s.ReconcileUserPlan(ctx, userID)
	if err != nil {
		return sub, "", err
	}
	return sub, effectivePlan, nil
}

// MarkCanceled moves a stored subscription to the terminal canceled status.
// The row is kept.
func (s *Service) MarkCanceled(ctx context.Context, sub *models.BillingSubscription) (string, error) {
	if sub == nil {
		return "", errors.New("subscription is required")
	}
	sub.Status = models.BillingStatusCanceled
	sub.CancelAtPeriodEnd = false
	if err := s.repo.SaveSubscription(sub); err != nil {
		return "", err
	}
	return s.ReconcileUserPlan(ctx, sub.UserID)
}

// ReconcileUserPlan computes and writes the best effective plan for a user.
func (s *Service) ReconcileUserPlan(ctx context.Context, userID uint) (string, error) {
	_ = ctx
	if userID == 0 {
		return "", errors.New("user_id is required")
	}

	subs, err := s.repo.ListSubscriptionsByUser(userID)
	if err != nil {
		return "", err
	}

	best := string(entitlements.PlanFree)
	for _, sub := range subs {
		if !isEntitlingStatus(sub.Status) {
			continue
		}
		candidate := normalizePlan(sub.InternalPlan)
		if planRank(candidate) > planRank(best) {
			best = candidate
		}
	}

	us, err := s.repo.GetOrCreateUserSettings(userID)
	if err != nil {
		return "", err
	}
	if normalizePlan(us.Plan) == best {
		return best, nil
	}
	us.Plan = best
	now := nowUTC()
	us.PlanChangedAt = &now
	if err := s.repo.SaveUserSettings(us); err != nil {
		return "", err
	}
	return best, nil
}

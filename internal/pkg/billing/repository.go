package billing

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/FoxPay/app/models"
)

// Repository provides the DB operations used by the billing service. It is
// bound to one *gorm.DB handle; pass a transaction handle to make a sequence
// of calls atomic.
type Repository interface {
	FindActivePlanMapping(provider, providerPlanRef, interval string) (*models.BillingPlanMapping, error)
	UpsertBillingAccount(account *models.BillingAccount) error
	GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error)
	GetBillingAccountByUser(userID uint, provider string) (*models.BillingAccount, error)
	UpsertSubscription(sub *models.BillingSubscription) error
	SaveSubscription(sub *models.BillingSubscription) error
	GetSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error)
	LockSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error)
	ListSubscriptionsByUser(userID uint) ([]models.BillingSubscription, error)
	ListSubscriptionReferences(provider string, limit, offset int) ([]models.SubscriptionReference, error)
	GetOrCreateUserSettings(userID uint) (*models.UserSettings, error)
	SaveUserSettings(us *models.UserSettings) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPlanRef, interval string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.
		Where("provider = ? AND provider_plan_ref = ? AND billing_interval = ? AND is_active = ?", provider, providerPlanRef, interval, true).
		Take(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpsertBillingAccount(account *models.BillingAccount) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"email",
			"updated_at",
		}),
	}).Create(account).Error
}

func (r *gormRepository) GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	if err := r.db.Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).Take(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetBillingAccountByUser(userID uint, provider string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	if err := r.db.Where("user_id = ? AND provider = ?", userID, provider).Take(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) UpsertSubscription(sub *models.BillingSubscription) error {
	columns := []string{
		"user_id",
		"provider_customer_id",
		"provider_plan_ref",
		"internal_plan",
		"billing_interval",
		"status",
		"current_period_start",
		"current_period_end",
		"cancel_at_period_end",
		"updated_at",
	}
	// Reconciliation has no event payload; keep the last one seen.
	if sub.RawPayloadJSON != "" {
		columns = append(columns, "raw_payload_json")
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(sub *models.BillingSubscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) GetSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).Take(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// LockSubscription reads one subscription row with SELECT ... FOR UPDATE. It
// must run inside a transaction.
func (r *gormRepository) LockSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		Take(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	if err := r.db.Where("user_id = ?", userID).Order("id").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *gormRepository) ListSubscriptionReferences(provider string, limit, offset int) ([]models.SubscriptionReference, error) {
	var refs []models.SubscriptionReference
	err := r.db.Model(&models.BillingSubscription{}).
		Select("id, user_id, provider_subscription_id").
		Where("provider = ?", provider).
		Order("id").
		Limit(limit).
		Offset(offset).
		Scan(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *gormRepository) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	return models.GetOrCreateUserSettings(r.db, userID)
}

func (r *gormRepository) SaveUserSettings(us *models.UserSettings) error {
	return r.db.Save(us).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

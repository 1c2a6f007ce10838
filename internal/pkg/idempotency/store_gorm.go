package idempotency

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

// GormStore is the relational Store. The unique index on
// (user_id, action, idem_key) is what makes Claim single-winner across
// processes.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) scoped(ctx context.Context, sc Scope) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.IdempotencyKey{}).
		Where("user_id = ? AND action = ? AND idem_key = ?", sc.UserID, sc.Action, sc.Key)
}

func (s *GormStore) Claim(ctx context.Context, c Claim) (bool, error) {
	// An expired key is reusable as if it never existed.
	if err := s.scoped(ctx, c.Scope).
		Where("expires_at <= ?", c.Now).
		Delete(&models.IdempotencyKey{}).Error; err != nil {
		return false, err
	}

	row := &models.IdempotencyKey{
		UserID:    c.UserID,
		Action:    c.Action,
		Key:       c.Key,
		ExpiresAt: c.ExpiresAt,
	}
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (s *GormStore) Find(ctx context.Context, sc Scope) (*models.IdempotencyKey, error) {
	var rows []models.IdempotencyKey
	if err := s.scoped(ctx, sc).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *GormStore) StoreResult(ctx context.Context, sc Scope, result []byte) error {
	return s.complete(ctx, sc, map[string]any{"result_json": string(result)})
}

func (s *GormStore) StoreError(ctx context.Context, sc Scope, rec apperror.Record) error {
	return s.complete(ctx, sc, map[string]any{
		"error_code":    string(rec.Code),
		"error_message": rec.Message,
	})
}

func (s *GormStore) Release(ctx context.Context, sc Scope) error {
	return s.scoped(ctx, sc).
		Where("result_json IS NULL AND error_code IS NULL").
		Delete(&models.IdempotencyKey{}).Error
}

// complete moves an in-progress key to its final state exactly once.
func (s *GormStore) complete(ctx context.Context, sc Scope, updates map[string]any) error {
	tx := s.scoped(ctx, sc).
		Where("result_json IS NULL AND error_code IS NULL").
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotInProgress
	}
	return nil
}

func (s *GormStore) PruneExpiredBefore(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	db := s.db.WithContext(ctx)

	var ids []uint
	if err := db.Model(&models.IdempotencyKey{}).
		Where("expires_at < ?", now).
		Order("expires_at").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Re-check expiry so a key reclaimed between the two statements survives.
	tx := db.Where("id IN ? AND expires_at < ?", ids, now).Delete(&models.IdempotencyKey{})
	return tx.RowsAffected, tx.Error
}

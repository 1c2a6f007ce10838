package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/apperror"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// EventLedger records provider event ids. It is bound to one *gorm.DB handle;
// the webhook protocol binds it to the transaction that also carries the
// business mutation.
type EventLedger struct {
	db *gorm.DB
}

func NewEventLedger(db *gorm.DB) *EventLedger {
	return &EventLedger{db: db}
}

// Claim inserts the ledger row for eventID. It reports false when a row
// already exists, whatever its state.
func (l *EventLedger) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	row := &models.StripeEvent{
		EventID:   eventID,
		EventType: eventType,
		ClaimedAt: nowUTC(),
	}
	tx := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Peek reads the ledger row without locking. It returns nil when absent.
func (l *EventLedger) Peek(ctx context.Context, eventID string) (*models.StripeEvent, error) {
	var rows []models.StripeEvent
	if err := l.db.WithContext(ctx).Where("event_id = ?", eventID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Lock reads the ledger row with SELECT ... FOR UPDATE. Concurrent
// deliveries of the same event serialize here. It returns nil when the row
// does not exist.
func (l *EventLedger) Lock(ctx context.Context, eventID string) (*models.StripeEvent, error) {
	var rows []models.StripeEvent
	if err := l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("event_id = ?", eventID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CountAttempt records one processing attempt on a locked row.
func (l *EventLedger) CountAttempt(ctx context.Context, ev *models.StripeEvent) error {
	if err := l.db.WithContext(ctx).
		Model(&models.StripeEvent{}).
		Where("event_id = ?", ev.EventID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return err
	}
	ev.Attempts++
	return nil
}

// MarkProcessed makes the event terminal and clears any earlier failure.
func (l *EventLedger) MarkProcessed(ctx context.Context, eventID string) error {
	return l.db.WithContext(ctx).
		Model(&models.StripeEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"processed_at":  nowUTC(),
			"error_code":    nil,
			"error_message": nil,
		}).Error
}

// MarkFailed stores the failure record. processed_at is left as is, so the
// event stays retryable.
func (l *EventLedger) MarkFailed(ctx context.Context, eventID string, rec apperror.Record) error {
	code := string(rec.Code)
	msg := apperror.Truncate(rec.Message, apperror.MaxMessageLength)
	return l.db.WithContext(ctx).
		Model(&models.StripeEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"error_code":    &code,
			"error_message": &msg,
		}).Error
}

// PruneProcessedBefore deletes at most limit events processed before cutoff.
// Unprocessed and failed events are never pruned.
func (l *EventLedger) PruneProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []string
	if err := l.db.WithContext(ctx).
		Model(&models.StripeEvent{}).
		Where("processed_at IS NOT NULL AND processed_at < ? AND error_code IS NULL", cutoff).
		Order("processed_at").
		Limit(limit).
		Pluck("event_id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tx := l.db.WithContext(ctx).
		Where("event_id IN ? AND processed_at < ?", ids, cutoff).
		Delete(&models.StripeEvent{})
	return tx.RowsAffected, tx.Error
}

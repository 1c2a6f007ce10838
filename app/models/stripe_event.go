package models

import "time"

// StripeEvent is the ledger row for one provider event id. A row with
// ProcessedAt set and no error is terminal; a row carrying an error is
// retried on the next delivery.
type StripeEvent struct {
	EventID      string     `gorm:"primaryKey;type:varchar(255)" json:"event_id"`
	EventType    string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ClaimedAt    time.Time  `gorm:"not null" json:"claimed_at"`
	ProcessedAt  *time.Time `gorm:"default:null;index:idx_stripe_events_processed_at" json:"processed_at,omitempty"`
	ErrorCode    *string    `gorm:"type:varchar(64);default:null" json:"error_code,omitempty"`
	ErrorMessage *string    `gorm:"type:text;default:null" json:"error_message,omitempty"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
}

// Succeeded reports whether the event was fully handled and must not be
// processed again.
func (e *StripeEvent) Succeeded() bool {
	return e != nil && e.ProcessedAt != nil && e.ErrorCode == nil
}

// Failed reports whether the most recent attempt failed.
func (e *StripeEvent) Failed() bool {
	return e != nil && e.ErrorCode != nil
}

package models

import "time"

// Idempotency key lifecycle states derived from the stored columns.
const (
	IdempotencyStateInProgress = "in_progress"
	IdempotencyStateSucceeded  = "succeeded"
	IdempotencyStateFailed     = "failed"
)

// IdempotencyKey records the outcome of one client request per
// (user, action, key). Exactly one of in progress, succeeded or failed holds.
type IdempotencyKey struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index:ux_idempotency_keys_scope,unique,priority:1" json:"user_id"`
	Action       string    `gorm:"type:varchar(100);not null;index:ux_idempotency_keys_scope,unique,priority:2" json:"action"`
	Key          string    `gorm:"column:idem_key;type:varchar(64);not null;index:ux_idempotency_keys_scope,unique,priority:3" json:"key"`
	ExpiresAt    time.Time `gorm:"not null;index:idx_idempotency_keys_expires_at" json:"expires_at"`
	ResultJSON   *string   `gorm:"type:longtext;default:null" json:"result_json,omitempty"`
	ErrorCode    *string   `gorm:"type:varchar(64);default:null" json:"error_code,omitempty"`
	ErrorMessage *string   `gorm:"type:text;default:null" json:"error_message,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// State returns the lifecycle state of the key.
func (k *IdempotencyKey) State() string {
	switch {
	case k.ErrorCode != nil:
		return IdempotencyStateFailed
	case k.ResultJSON != nil:
		return IdempotencyStateSucceeded
	default:
		return IdempotencyStateInProgress
	}
}

// Expired reports whether the key may be reclaimed at now.
func (k *IdempotencyKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}

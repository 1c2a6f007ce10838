package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// UserSettings holds the effective plan derived from a user's subscriptions.
type UserSettings struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"uniqueIndex" json:"user_id"`
	Plan          string     `gorm:"type:varchar(50);default:'free'" json:"plan"`
	PlanChangedAt *time.Time `gorm:"default:null" json:"plan_changed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GetOrCreateUserSettings returns existing settings or creates defaults.
func GetOrCreateUserSettings(db *gorm.DB, userID uint) (*UserSettings, error) {
	var us UserSettings
	if err := db.Where("user_id = ?", userID).First(&us).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			us = UserSettings{UserID: userID, Plan: "free"}
			if err := db.Create(&us).Error; err != nil {
				return nil, err
			}
			return &us, nil
		}
		return nil, err
	}
	return &us, nil
}

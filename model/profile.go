package model

import "time"

// Profile is the public identity record of an account.
type Profile struct {
	ID                  int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	DisplayName         string    `gorm:"size:64;not null" json:"display_name"`
	AvatarURL           *string   `gorm:"size:512" json:"avatar_url"`
	Email               string    `gorm:"uniqueIndex;size:255;not null" json:"-"`
	OnboardingCompleted bool      `gorm:"default:false" json:"onboarding_completed"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

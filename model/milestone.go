package model

import "time"

// MilestoneType classifies a Milestone.
type MilestoneType string

const (
	MilestoneAnniversary MilestoneType = "anniversary"
	MilestoneBirthday    MilestoneType = "birthday"
	MilestoneCustom      MilestoneType = "custom"
)

// Milestone is a dated relationship event owned by one account.
type Milestone struct {
	ID          int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64         `gorm:"index;not null" json:"user_id"`
	Title       string        `gorm:"size:128;not null" json:"title"`
	Date        time.Time     `gorm:"index;not null" json:"date"`
	Description *string       `gorm:"type:text" json:"description"`
	Type        MilestoneType `gorm:"size:16;not null;default:custom" json:"type"`
	IsRecurring bool          `gorm:"default:false" json:"is_recurring"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

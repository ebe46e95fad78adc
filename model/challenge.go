package model

import "time"

// Challenge is a multi-day programme of activities.
type Challenge struct {
	ID           int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	Title        string              `gorm:"size:128;not null" json:"title"`
	Description  *string             `gorm:"type:text" json:"description"`
	DurationDays int                 `gorm:"not null" json:"duration_days"`
	IsPredefined bool                `gorm:"default:false" json:"is_predefined"`
	CreatedBy    *int64              `gorm:"index" json:"created_by"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	Activities   []ChallengeActivity `gorm:"foreignKey:ChallengeID" json:"activities,omitempty"`
}

// ChallengeActivity is the task for one day of a Challenge.
type ChallengeActivity struct {
	ID          int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	ChallengeID int64   `gorm:"index:idx_activity_day;not null" json:"challenge_id"`
	DayNumber   int     `gorm:"index:idx_activity_day;not null" json:"day_number"`
	Title       string  `gorm:"size:128;not null" json:"title"`
	Description *string `gorm:"type:text" json:"description"`
}

// UserChallengeStatus is the state of a user's enrolment.
type UserChallengeStatus string

const (
	ChallengeNotStarted UserChallengeStatus = "not_started"
	ChallengeInProgress UserChallengeStatus = "in_progress"
	ChallengeCompleted  UserChallengeStatus = "completed"
	ChallengeAbandoned  UserChallengeStatus = "abandoned"
)

// UserChallenge is one account's enrolment in a Challenge.
type UserChallenge struct {
	ID          int64                   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64                   `gorm:"uniqueIndex:idx_user_challenge;not null" json:"user_id"`
	ChallengeID int64                   `gorm:"uniqueIndex:idx_user_challenge;not null" json:"challenge_id"`
	StartDate   time.Time               `json:"start_date"`
	CurrentDay  int                     `gorm:"default:1" json:"current_day"`
	Status      UserChallengeStatus     `gorm:"size:16;not null" json:"status"`
	CreatedAt   time.Time               `gorm:"autoCreateTime" json:"created_at"`
	Challenge   *Challenge              `gorm:"foreignKey:ChallengeID" json:"challenge,omitempty"`
	Progress    []UserChallengeProgress `gorm:"foreignKey:UserChallengeID" json:"progress,omitempty"`
}

// UserChallengeProgress records one day of a UserChallenge.
type UserChallengeProgress struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserChallengeID int64      `gorm:"uniqueIndex:idx_progress_day;not null" json:"user_challenge_id"`
	DayNumber       int        `gorm:"uniqueIndex:idx_progress_day;not null" json:"day_number"`
	IsCompleted     bool       `gorm:"default:false" json:"is_completed"`
	Notes           *string    `gorm:"type:text" json:"notes"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// Package challenge runs multi-day relationship challenges and tracks each
// account's daily progress through them.
package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxDurationDays = 365

// ActivityInput describes one day of a custom challenge.
type ActivityInput struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

// Service manages challenges and enrolments.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// List returns every challenge with its activities, newest first.
func (s *Service) List(ctx context.Context) ([]model.Challenge, error) {
	var out []model.Challenge
	err := s.db.WithContext(ctx).
		Preload("Activities", func(tx *gorm.DB) *gorm.DB { return tx.Order("day_number ASC") }).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, db.Err(err, "challenge")
}

// ListForUser returns the caller's enrolments with challenge and progress.
func (s *Service) ListForUser(ctx context.Context, sess session.Session) ([]model.UserChallenge, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	var out []model.UserChallenge
	err := s.db.WithContext(ctx).
		Preload("Challenge").
		Preload("Progress", func(tx *gorm.DB) *gorm.DB { return tx.Order("day_number ASC") }).
		Where("user_id = ?", sess.AccountID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, db.Err(err, "challenge")
}

// Start enrols the caller in a challenge at day 1.
func (s *Service) Start(ctx context.Context, sess session.Session, challengeID int64) (*model.UserChallenge, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	uc := &model.UserChallenge{
		UserID:      sess.AccountID,
		ChallengeID: challengeID,
		StartDate:   s.now(),
		CurrentDay:  1,
		Status:      model.ChallengeInProgress,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ch model.Challenge
		if err := tx.First(&ch, challengeID).Error; err != nil {
			return db.Err(err, "challenge")
		}
		var existing int64
		if err := tx.Model(&model.UserChallenge{}).
			Where("user_id = ? AND challenge_id = ?", sess.AccountID, challengeID).
			Count(&existing).Error; err != nil {
			return db.Err(err, "challenge")
		}
		if existing > 0 {
			return apperr.New(apperr.CodeConflict, "you have already started this challenge")
		}
		if err := tx.Create(uc).Error; err != nil {
			return db.Err(err, "challenge enrolment")
		}

		var dayOne int64
		if err := tx.Model(&model.ChallengeActivity{}).
			Where("challenge_id = ? AND day_number = ?", challengeID, 1).
			Count(&dayOne).Error; err != nil {
			return db.Err(err, "activity")
		}
		if dayOne > 0 {
			p := model.UserChallengeProgress{UserChallengeID: uc.ID, DayNumber: 1}
			if err := tx.Create(&p).Error; err != nil {
				return db.Err(err, "progress")
			}
			uc.Progress = []model.UserChallengeProgress{p}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("challenge started",
		zap.String("trace_id", sess.TraceID),
		zap.Int64("account_id", sess.AccountID),
		zap.Int64("challenge_id", challengeID))
	return uc, nil
}

// CompleteDay marks day of the caller's enrolment done, then advances to the
// next day or completes the enrolment after the last one. Only the current
// day can be completed.
func (s *Service) CompleteDay(ctx context.Context, sess session.Session, userChallengeID int64, day int, notes string) (*model.UserChallenge, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	if day < 1 {
		return nil, apperr.New(apperr.CodeValidation, "day must be positive")
	}

	var uc model.UserChallenge
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Challenge").First(&uc, userChallengeID).Error; err != nil {
			return db.Err(err, "challenge enrolment")
		}
		if uc.UserID != sess.AccountID {
			return apperr.New(apperr.CodeNotFound, "challenge enrolment not found")
		}
		if uc.Status != model.ChallengeInProgress {
			return apperr.New(apperr.CodeConflict, "challenge is not in progress")
		}
		if uc.Challenge == nil || day > uc.Challenge.DurationDays {
			return apperr.New(apperr.CodeValidation, "day is outside the challenge")
		}
		if day != uc.CurrentDay {
			return apperr.New(apperr.CodeConflict, fmt.Sprintf("day %d is next, days are completed in order", uc.CurrentDay))
		}

		now := s.now()
		var note *string
		if n := strings.TrimSpace(notes); n != "" {
			note = &n
		}
		done := model.UserChallengeProgress{
			UserChallengeID: uc.ID,
			DayNumber:       day,
		}
		if err := tx.Where(done).FirstOrCreate(&done).Error; err != nil {
			return db.Err(err, "progress")
		}
		if err := tx.Model(&done).Updates(map[string]interface{}{
			"is_completed": true,
			"completed_at": now,
			"notes":        note,
		}).Error; err != nil {
			return db.Err(err, "progress")
		}

		next := day + 1
		if next <= uc.Challenge.DurationDays {
			if err := tx.Model(&uc).Update("current_day", next).Error; err != nil {
				return db.Err(err, "challenge enrolment")
			}
			p := model.UserChallengeProgress{UserChallengeID: uc.ID, DayNumber: next}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error; err != nil {
				return db.Err(err, "progress")
			}
		} else {
			if err := tx.Model(&uc).Update("status", model.ChallengeCompleted).Error; err != nil {
				return db.Err(err, "challenge enrolment")
			}
		}
		return tx.Preload("Challenge").
			Preload("Progress", func(q *gorm.DB) *gorm.DB { return q.Order("day_number ASC") }).
			First(&uc, uc.ID).Error
	})
	if err != nil {
		return nil, db.Err(err, "challenge enrolment")
	}
	return &uc, nil
}

// CreateCustom stores a user-defined challenge. Activities are numbered from
// day 1; a blank title becomes "Day N".
func (s *Service) CreateCustom(ctx context.Context, sess session.Session, title, description string, durationDays int, activities []ActivityInput) (*model.Challenge, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.New(apperr.CodeValidation, "title is required")
	}
	if durationDays < 1 || durationDays > maxDurationDays {
		return nil, apperr.New(apperr.CodeValidation, fmt.Sprintf("duration must be between 1 and %d days", maxDurationDays))
	}
	if len(activities) > durationDays {
		return nil, apperr.New(apperr.CodeValidation, "more activities than days")
	}

	creator := sess.AccountID
	ch := &model.Challenge{
		Title:        title,
		DurationDays: durationDays,
		IsPredefined: false,
		CreatedBy:    &creator,
	}
	if d := strings.TrimSpace(description); d != "" {
		ch.Description = &d
	}
	for i, a := range activities {
		t := strings.TrimSpace(a.Title)
		if t == "" {
			t = fmt.Sprintf("Day %d", i+1)
		}
		ch.Activities = append(ch.Activities, model.ChallengeActivity{
			DayNumber:   i + 1,
			Title:       t,
			Description: a.Description,
		})
	}
	// Activities are inserted through the has-many association.
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		return nil, db.Err(err, "challenge")
	}
	return ch, nil
}

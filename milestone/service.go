// Package milestone stores dated relationship events and works out which
// are coming up.
package milestone

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reminderTTL = 48 * time.Hour

// Input is the data for a new milestone.
type Input struct {
	Title       string              `json:"title"`
	Date        time.Time           `json:"date"`
	Description *string             `json:"description"`
	Type        model.MilestoneType `json:"type"`
	IsRecurring bool                `json:"is_recurring"`
}

// Upcoming is a milestone with its next occurrence.
type Upcoming struct {
	model.Milestone
	NextOccurrence time.Time `json:"next_occurrence"`
	DaysUntil      int       `json:"days_until"`
}

// Service manages milestones.
type Service struct {
	db         *gorm.DB
	cache      cache.Cache
	notifier   realtime.Notifier
	windowDays int
	logger     *zap.Logger
}

// NewService creates a Service. windowDays bounds Upcoming; c de-duplicates
// reminders and may be nil when reminders are not scanned.
func NewService(db *gorm.DB, c cache.Cache, notifier realtime.Notifier, windowDays int, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = realtime.Discard
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	return &Service{db: db, cache: c, notifier: notifier, windowDays: windowDays, logger: logger}
}

// List returns the caller's milestones by date.
func (s *Service) List(ctx context.Context, sess session.Session) ([]model.Milestone, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	var out []model.Milestone
	err := s.db.WithContext(ctx).
		Where("user_id = ?", sess.AccountID).
		Order("date ASC, id ASC").
		Find(&out).Error
	return out, db.Err(err, "milestone")
}

// Upcoming returns the caller's milestones whose next occurrence falls
// within the window starting today, soonest first.
func (s *Service) Upcoming(ctx context.Context, sess session.Session, now time.Time) ([]Upcoming, error) {
	all, err := s.List(ctx, sess)
	if err != nil {
		return nil, err
	}
	today := day(now)
	out := []Upcoming{}
	for _, m := range all {
		next, ok := NextOccurrence(m, today)
		if !ok {
			continue
		}
		days := int(next.Sub(today).Hours() / 24)
		if days > s.windowDays {
			continue
		}
		out = append(out, Upcoming{Milestone: m, NextOccurrence: next, DaysUntil: days})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextOccurrence.Before(out[j].NextOccurrence)
	})
	return out, nil
}

// Add stores a new milestone for the caller.
func (s *Service) Add(ctx context.Context, sess session.Session, in Input) (*model.Milestone, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.CodeValidation, "title is required")
	}
	if in.Date.IsZero() {
		return nil, apperr.New(apperr.CodeValidation, "date is required")
	}
	typ := in.Type
	switch typ {
	case "":
		typ = model.MilestoneCustom
	case model.MilestoneAnniversary, model.MilestoneBirthday, model.MilestoneCustom:
	default:
		return nil, apperr.New(apperr.CodeValidation, "unknown milestone type")
	}
	if in.Description != nil && strings.TrimSpace(*in.Description) == "" {
		in.Description = nil
	}

	m := &model.Milestone{
		UserID:      sess.AccountID,
		Title:       title,
		Date:        day(in.Date),
		Description: in.Description,
		Type:        typ,
		IsRecurring: in.IsRecurring,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, db.Err(err, "milestone")
	}
	return m, nil
}

// Delete removes one of the caller's milestones.
func (s *Service) Delete(ctx context.Context, sess session.Session, id int64) error {
	if !sess.Valid() {
		return apperr.ErrUnauthorized
	}
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, sess.AccountID).
		Delete(&model.Milestone{})
	if res.Error != nil {
		return db.Err(res.Error, "milestone")
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.CodeNotFound, "milestone not found")
	}
	return nil
}

// DueReminders returns the milestones occurring on now's date that have not
// been reminded yet today, claiming each one so a later scan skips it.
func (s *Service) DueReminders(ctx context.Context, now time.Time) ([]model.Milestone, error) {
	today := day(now)
	var candidates []model.Milestone
	err := s.db.WithContext(ctx).
		Where("is_recurring = ? OR (date >= ? AND date < ?)", true, today, today.AddDate(0, 0, 1)).
		Find(&candidates).Error
	if err != nil {
		return nil, db.Err(err, "milestone")
	}

	var due []model.Milestone
	for _, m := range candidates {
		next, ok := NextOccurrence(m, today)
		if !ok || !next.Equal(today) {
			continue
		}
		if s.cache != nil {
			key := "milestone:reminded:" + strconv.FormatInt(m.ID, 10) + ":" + today.Format("2006-01-02")
			claimed, err := s.cache.SetNX(ctx, key, "1", reminderTTL)
			if err != nil {
				s.logger.Warn("claim reminder", zap.Int64("milestone_id", m.ID), zap.Error(err))
				continue
			}
			if !claimed {
				continue
			}
		}
		due = append(due, m)
	}
	return due, nil
}

// Remind publishes a reminder event for each due milestone and returns how
// many were sent.
func (s *Service) Remind(ctx context.Context, now time.Time) (int, error) {
	due, err := s.DueReminders(ctx, now)
	if err != nil {
		return 0, err
	}
	for i := range due {
		s.notifier.Notify(ctx, realtime.EventMilestoneReminder, due[i], due[i].UserID)
	}
	if len(due) > 0 {
		s.logger.Info("milestone reminders sent", zap.Int("count", len(due)))
	}
	return len(due), nil
}

// NextOccurrence returns the first date on or after today on which m falls.
// Recurring milestones repeat yearly; a Feb 29 date falls on Mar 1 in
// non-leap years. ok is false for a one-off milestone already past.
func NextOccurrence(m model.Milestone, today time.Time) (time.Time, bool) {
	d := day(m.Date)
	if !m.IsRecurring {
		return d, !d.Before(today)
	}
	if !d.Before(today) {
		return d, true
	}
	next := time.Date(today.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	if next.Before(today) {
		next = time.Date(today.Year()+1, d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
	return next, true
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package clientstate

import (
	"context"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/messaging"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/partner"
	"github.com/togetherinbloom/server/session"
	"gorm.io/gorm"
)

// Local binds the in-process services to one session so a View can run
// inside the server process (tests, tooling) without HTTP.
type Local struct {
	Partners *partner.Service
	Messages *messaging.Service
	DB       *gorm.DB
	Session  session.Session
}

func (l Local) FetchConnections(ctx context.Context) ([]partner.Connection, error) {
	return l.Partners.FetchConnections(ctx, l.Session)
}

func (l Local) SendRequest(ctx context.Context, email string) error {
	_, err := l.Partners.SendRequest(ctx, l.Session, email)
	return err
}

func (l Local) AcceptRequest(ctx context.Context, connectionID int64) error {
	_, err := l.Partners.AcceptRequest(ctx, l.Session, connectionID)
	return err
}

func (l Local) DeclineRequest(ctx context.Context, connectionID int64) error {
	_, err := l.Partners.DeclineRequest(ctx, l.Session, connectionID)
	return err
}

func (l Local) FetchMessages(ctx context.Context, partnerID int64) ([]model.Message, error) {
	return l.Messages.FetchMessages(ctx, l.Session, partnerID)
}

func (l Local) SendMessage(ctx context.Context, receiverID int64, content, clientRef string) error {
	_, err := l.Messages.SendMessage(ctx, l.Session, receiverID, content, clientRef)
	return err
}

func (l Local) Profile(ctx context.Context) (*model.Profile, error) {
	var p model.Profile
	if err := l.DB.WithContext(ctx).First(&p, l.Session.AccountID).Error; err != nil {
		return nil, db.Err(err, "profile")
	}
	return &p, nil
}

func (l Local) CompleteOnboarding(ctx context.Context) error {
	res := l.DB.WithContext(ctx).Model(&model.Profile{}).
		Where("id = ?", l.Session.AccountID).
		Update("onboarding_completed", true)
	if res.Error != nil {
		return db.Err(res.Error, "profile")
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.CodeNotFound, "profile not found")
	}
	return nil
}

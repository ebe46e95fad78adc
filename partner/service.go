// Package partner implements the request / accept / decline protocol that
// connects two accounts as partners.
package partner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Connection is a PartnerConnection joined with the counterpart's profile.
type Connection struct {
	model.PartnerConnection
	Partner model.Profile `json:"partner"`
	Online  bool          `json:"online"`
}

// PresenceChecker reports which accounts currently hold a live stream.
type PresenceChecker interface {
	Online(ctx context.Context, ids ...int64) map[int64]bool
}

// Service is the Partner Connection Manager.
type Service struct {
	db       *gorm.DB
	notifier realtime.Notifier
	presence PresenceChecker
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a Service. presence may be nil, in which case every
// counterpart is reported offline.
func NewService(db *gorm.DB, notifier realtime.Notifier, presence PresenceChecker, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = realtime.Discard
	}
	return &Service{
		db:       db,
		notifier: notifier,
		presence: presence,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FetchConnections returns every connection the caller is part of, oldest
// established first, each with the counterpart's profile.
func (s *Service) FetchConnections(ctx context.Context, sess session.Session) ([]Connection, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}

	var rows []model.PartnerConnection
	err := s.db.WithContext(ctx).
		Where("initiator_id = ? OR recipient_id = ?", sess.AccountID, sess.AccountID).
		Order("connected_at IS NULL, connected_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		s.logger.Error("fetch connections", zap.String("trace_id", sess.TraceID), zap.Error(err))
		return nil, db.Err(err, "connection")
	}
	if len(rows) == 0 {
		return []Connection{}, nil
	}

	ids := make([]int64, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].Counterpart(sess.AccountID))
	}
	var profiles []model.Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, db.Err(err, "profile")
	}
	byID := make(map[int64]model.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	var online map[int64]bool
	if s.presence != nil {
		online = s.presence.Online(ctx, ids...)
	}

	out := make([]Connection, len(rows))
	for i, row := range rows {
		other := row.Counterpart(sess.AccountID)
		out[i] = Connection{
			PartnerConnection: row,
			Partner:           byID[other],
			Online:            online[other],
		}
	}
	return out, nil
}

// SendRequest creates a pending connection from the caller to the account
// registered under email. Any existing connection between the two, in
// either direction and of any status, is a conflict.
func (s *Service) SendRequest(ctx context.Context, sess session.Session, email string) (*model.PartnerConnection, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.New(apperr.CodeValidation, "partner email is required")
	}

	var target model.Profile
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Wrap(apperr.CodeNotFound, "no user found with that email", err)
		}
		return nil, db.Err(err, "profile")
	}
	if target.ID == sess.AccountID {
		return nil, apperr.New(apperr.CodeValidation, "cannot send a partner request to yourself")
	}

	conn := model.NewPartnerConnection(sess.AccountID, target.ID)
	var existing int64
	err := s.db.WithContext(ctx).Model(&model.PartnerConnection{}).
		Where("pair_low = ? AND pair_high = ?", conn.PairLow, conn.PairHigh).
		Count(&existing).Error
	if err != nil {
		return nil, db.Err(err, "connection")
	}
	if existing > 0 {
		return nil, apperr.New(apperr.CodeConflict, "a connection with this user already exists")
	}

	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		// Lost a race against a concurrent request for the same pair.
		if apperr.CodeOf(db.Err(err, "connection")) == apperr.CodeConflict {
			return nil, apperr.Wrap(apperr.CodeConflict, "a connection with this user already exists", err)
		}
		return nil, db.Err(err, "connection")
	}

	s.logger.Info("partner request sent",
		zap.String("trace_id", sess.TraceID),
		zap.Int64("connection_id", conn.ID),
		zap.Int64("initiator_id", conn.InitiatorID),
		zap.Int64("recipient_id", conn.RecipientID))
	s.notifier.Notify(ctx, realtime.EventPartnerRequested, conn, conn.InitiatorID, conn.RecipientID)
	return conn, nil
}

// AcceptRequest makes a pending connection active. Only the recipient may
// accept, and neither side may already have an active partner.
func (s *Service) AcceptRequest(ctx context.Context, sess session.Session, connectionID int64) (*model.PartnerConnection, error) {
	conn, err := s.loadForRecipient(ctx, sess, connectionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&model.PartnerConnection{}).
			Where("status = ?", model.ConnectionActive).
			Where("(initiator_id IN ? OR recipient_id IN ?)",
				[]int64{conn.InitiatorID, conn.RecipientID},
				[]int64{conn.InitiatorID, conn.RecipientID}).
			Count(&active).Error
		if err != nil {
			return db.Err(err, "connection")
		}
		if active > 0 {
			return apperr.New(apperr.CodeConflict, "one of you is already connected to a partner")
		}
		return transition(tx, conn.ID, model.ConnectionActive, &now)
	})
	if err != nil {
		return nil, err
	}

	conn.Status = model.ConnectionActive
	conn.ConnectedAt = &now
	s.logger.Info("partner request accepted",
		zap.String("trace_id", sess.TraceID),
		zap.Int64("connection_id", conn.ID))
	s.notifier.Notify(ctx, realtime.EventPartnerAccepted, conn, conn.InitiatorID, conn.RecipientID)
	return conn, nil
}

// DeclineRequest moves a pending connection to the terminal declined state.
func (s *Service) DeclineRequest(ctx context.Context, sess session.Session, connectionID int64) (*model.PartnerConnection, error) {
	conn, err := s.loadForRecipient(ctx, sess, connectionID)
	if err != nil {
		return nil, err
	}
	if err := transition(s.db.WithContext(ctx), conn.ID, model.ConnectionDeclined, nil); err != nil {
		return nil, err
	}

	conn.Status = model.ConnectionDeclined
	s.logger.Info("partner request declined",
		zap.String("trace_id", sess.TraceID),
		zap.Int64("connection_id", conn.ID))
	s.notifier.Notify(ctx, realtime.EventPartnerDeclined, conn, conn.InitiatorID, conn.RecipientID)
	return conn, nil
}

// IsActivePair reports whether a and b share an active connection.
func (s *Service) IsActivePair(ctx context.Context, a, b int64) (bool, error) {
	low, high := model.OrderedPair(a, b)
	var n int64
	err := s.db.WithContext(ctx).Model(&model.PartnerConnection{}).
		Where("pair_low = ? AND pair_high = ? AND status = ?", low, high, model.ConnectionActive).
		Count(&n).Error
	if err != nil {
		return false, db.Err(err, "connection")
	}
	return n > 0, nil
}

// ActivePartner returns the counterpart profile of the first active
// connection, or nil when there is none. conns come from FetchConnections,
// whose ordering makes "first" stable.
func ActivePartner(conns []Connection) *model.Profile {
	for i := range conns {
		if conns[i].Status == model.ConnectionActive {
			p := conns[i].Partner
			return &p
		}
	}
	return nil
}

func (s *Service) loadForRecipient(ctx context.Context, sess session.Session, connectionID int64) (*model.PartnerConnection, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	var conn model.PartnerConnection
	if err := s.db.WithContext(ctx).First(&conn, connectionID).Error; err != nil {
		return nil, db.Err(err, "connection")
	}
	if conn.RecipientID != sess.AccountID {
		return nil, apperr.New(apperr.CodeForbidden, "only the recipient can respond to this request")
	}
	if conn.Status != model.ConnectionPending {
		return nil, apperr.New(apperr.CodeConflict, "request is no longer pending")
	}
	return &conn, nil
}

// transition moves a pending connection to status. The status guard in the
// WHERE clause makes concurrent responders race on the row: only one wins.
func transition(tx *gorm.DB, id int64, status model.ConnectionStatus, connectedAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if connectedAt != nil {
		updates["connected_at"] = *connectedAt
	}
	res := tx.Model(&model.PartnerConnection{}).
		Where("id = ? AND status = ?", id, model.ConnectionPending).
		Updates(updates)
	if res.Error != nil {
		return db.Err(res.Error, "connection")
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.CodeConflict, "request is no longer pending")
	}
	return nil
}

// Package messaging is the append-only conversation log between two active
// partners, with read-state tracking.
package messaging

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PairChecker answers whether two accounts share an active connection.
type PairChecker interface {
	IsActivePair(ctx context.Context, a, b int64) (bool, error)
}

// Config bounds message size and page sizes.
type Config struct {
	PageSize    int
	MaxPageSize int
	MaxLength   int
}

// Page is one window of a conversation, oldest first. NextCursor points at
// older history and is empty when the window reaches the beginning.
type Page struct {
	Messages   []model.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Service is the Message Exchange.
type Service struct {
	db       *gorm.DB
	pairs    PairChecker
	notifier realtime.Notifier
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(db *gorm.DB, pairs PairChecker, notifier realtime.Notifier, cfg Config, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = realtime.Discard
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = cfg.PageSize
	}
	if cfg.PageSize > cfg.MaxPageSize {
		cfg.PageSize = cfg.MaxPageSize
	}
	return &Service{db: db, pairs: pairs, notifier: notifier, cfg: cfg, logger: logger}
}

// FetchMessages returns the whole conversation between the caller and
// partnerID, oldest first, then marks the fetched messages addressed to the
// caller as read. A failed read mark is logged and the messages are
// returned with their stored flags.
func (s *Service) FetchMessages(ctx context.Context, sess session.Session, partnerID int64) ([]model.Message, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	var msgs []model.Message
	err := s.conversation(ctx, sess.AccountID, partnerID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, db.Err(err, "message")
	}
	s.markRead(ctx, sess, msgs)
	return msgs, nil
}

// FetchPage returns up to limit messages older than cursor (the newest
// window when cursor is empty), oldest first, with the same read side
// effect as FetchMessages.
func (s *Service) FetchPage(ctx context.Context, sess session.Session, partnerID int64, cursor string, limit int) (*Page, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	q := s.conversation(ctx, sess.AccountID, partnerID)
	if cursor != "" {
		before, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("messages.id < ?", before)
	}

	var msgs []model.Message
	// One extra row tells whether older history remains.
	if err := q.Order("id DESC").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return nil, db.Err(err, "message")
	}
	page := &Page{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.NextCursor = encodeCursor(msgs[len(msgs)-1].ID)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	s.markRead(ctx, sess, msgs)
	page.Messages = msgs
	return page, nil
}

// SendMessage appends a message from the caller to receiverID. A repeated
// clientRef from the same sender returns the message already stored.
func (s *Service) SendMessage(ctx context.Context, sess session.Session, receiverID int64, content, clientRef string) (*model.Message, error) {
	if !sess.Valid() {
		return nil, apperr.ErrUnauthorized
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.New(apperr.CodeValidation, "message content is required")
	}
	if s.cfg.MaxLength > 0 && len([]rune(content)) > s.cfg.MaxLength {
		return nil, apperr.New(apperr.CodeValidation, "message is too long")
	}
	clientRef = strings.TrimSpace(clientRef)
	if len(clientRef) > 64 {
		return nil, apperr.New(apperr.CodeValidation, "client_ref is too long")
	}

	active, err := s.pairs.IsActivePair(ctx, sess.AccountID, receiverID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, apperr.New(apperr.CodeForbidden, "you can only message your active partner")
	}

	if clientRef != "" {
		existing, err := s.byClientRef(ctx, sess.AccountID, clientRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.ReceiverID != receiverID {
				return nil, apperr.New(apperr.CodeConflict, "client_ref already used for another conversation")
			}
			return existing, nil
		}
	}

	msg := &model.Message{
		SenderID:   sess.AccountID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if clientRef != "" {
		msg.ClientRef = &clientRef
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		if clientRef != "" && apperr.CodeOf(db.Err(err, "message")) == apperr.CodeConflict {
			// A concurrent retry with the same ref won the insert.
			if existing, lookupErr := s.byClientRef(ctx, sess.AccountID, clientRef); lookupErr == nil && existing != nil && existing.ReceiverID == receiverID {
				return existing, nil
			}
		}
		return nil, db.Err(err, "message")
	}
	if err := s.withProfiles(ctx).First(msg, msg.ID).Error; err != nil {
		return nil, db.Err(err, "message")
	}

	s.logger.Debug("message sent",
		zap.String("trace_id", sess.TraceID),
		zap.Int64("message_id", msg.ID),
		zap.Int64("sender_id", msg.SenderID),
		zap.Int64("receiver_id", msg.ReceiverID))
	s.notifier.Notify(ctx, realtime.EventMessageCreated, msg, msg.ReceiverID, msg.SenderID)
	return msg, nil
}

// UnreadCount returns how many messages addressed to the caller are unread.
func (s *Service) UnreadCount(ctx context.Context, sess session.Session) (int64, error) {
	if !sess.Valid() {
		return 0, apperr.ErrUnauthorized
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND is_read = ?", sess.AccountID, false).
		Count(&n).Error
	if err != nil {
		return 0, db.Err(err, "message")
	}
	return n, nil
}

func (s *Service) withProfiles(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("Sender").Preload("Receiver")
}

func (s *Service) conversation(ctx context.Context, a, b int64) *gorm.DB {
	return s.withProfiles(ctx).Model(&model.Message{}).
		Where("((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))", a, b, b, a)
}

func (s *Service) byClientRef(ctx context.Context, senderID int64, ref string) (*model.Message, error) {
	var msgs []model.Message
	err := s.withProfiles(ctx).
		Where("sender_id = ? AND client_ref = ?", senderID, ref).
		Limit(1).Find(&msgs).Error
	if err != nil {
		return nil, db.Err(err, "message")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// markRead flips the read flag of the unread messages in msgs addressed to
// the caller. Only the fetched ids are touched: a message that arrives after
// the query stays unread until the next fetch. On failure msgs keep their
// stored flags.
func (s *Service) markRead(ctx context.Context, sess session.Session, msgs []model.Message) {
	var ids []int64
	for _, m := range msgs {
		if m.ReceiverID == sess.AccountID && !m.Read {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id IN ? AND receiver_id = ?", ids, sess.AccountID).
		Update("is_read", true).Error
	if err != nil {
		s.logger.Warn("mark read",
			zap.String("trace_id", sess.TraceID),
			zap.Int("count", len(ids)),
			zap.Error(err))
		return
	}
	for i := range msgs {
		if msgs[i].ReceiverID == sess.AccountID {
			msgs[i].Read = true
		}
	}
}

func encodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err == nil {
		var id int64
		if id, err = strconv.ParseInt(string(raw), 10, 64); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, apperr.New(apperr.CodeValidation, "invalid cursor")
}

// Package clientstate is the client-side view model of one account's
// partner connections and conversation. It mirrors server data, rebuilds on
// every fetch and never merges provisional entries into authoritative ones.
package clientstate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/partner"
	"go.uber.org/zap"
)

// ConnectionSource is the Partner Connection Manager as seen by one session.
type ConnectionSource interface {
	FetchConnections(ctx context.Context) ([]partner.Connection, error)
	SendRequest(ctx context.Context, email string) error
	AcceptRequest(ctx context.Context, connectionID int64) error
	DeclineRequest(ctx context.Context, connectionID int64) error
}

// MessageSource is the Message Exchange as seen by one session.
type MessageSource interface {
	FetchMessages(ctx context.Context, partnerID int64) ([]model.Message, error)
	SendMessage(ctx context.Context, receiverID int64, content, clientRef string) error
}

// ProfileSource is the caller's own profile, which carries the onboarding
// flag.
type ProfileSource interface {
	Profile(ctx context.Context) (*model.Profile, error)
	CompleteOnboarding(ctx context.Context) error
}

// Notice is a user-visible, transient notification.
type Notice struct {
	Code    apperr.Code
	Message string
}

// Entry is a conversation line. Pending entries are local and provisional.
type Entry struct {
	model.Message
	Pending       bool   `json:"pending"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Snapshot is a copy of the view state safe to hand to a renderer.
type Snapshot struct {
	AccountID          int64
	Connections        []partner.Connection
	ActivePartner      *model.Profile
	Messages           []Entry
	LoadingConnections bool
	LoadingMessages    bool
}

// View holds the state for the current account. Responses that arrive after
// the account changed are discarded by generation.
type View struct {
	mu          sync.Mutex
	gen         uint64
	accountID   int64
	conns       ConnectionSource
	msgs        MessageSource
	profile     ProfileSource
	connections []partner.Connection
	partner     *model.Profile
	messages    []Entry
	notices     []Notice
	loadingC    bool
	loadingM    bool

	logger *zap.Logger
}

// NewView creates an empty View.
func NewView(logger *zap.Logger) *View {
	return &View{logger: logger}
}

// SetSession switches the view to accountID, clears all state and loads it
// again. Passing accountID 0 logs out. profile may be nil when the caller
// does not need the onboarding flag.
func (v *View) SetSession(ctx context.Context, accountID int64, conns ConnectionSource, msgs MessageSource, profile ProfileSource) {
	v.mu.Lock()
	v.gen++
	v.accountID = accountID
	v.conns, v.msgs, v.profile = conns, msgs, profile
	v.connections, v.partner, v.messages, v.notices = nil, nil, nil, nil
	v.loadingC, v.loadingM = false, false
	v.mu.Unlock()

	if accountID != 0 {
		v.Refresh(ctx)
	}
}

// Refresh reloads connections and, when a partner is active, the
// conversation.
func (v *View) Refresh(ctx context.Context) {
	if v.loadConnections(ctx) {
		v.loadMessages(ctx)
	}
}

// RequestPartner sends a partner request to email and reloads connections.
func (v *View) RequestPartner(ctx context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return v.fail(0, apperr.New(apperr.CodeValidation, "Please enter your partner's email"))
	}
	gen, conns, _, ok := v.current()
	if !ok {
		return apperr.ErrUnauthorized
	}
	if err := conns.SendRequest(ctx, email); err != nil {
		return v.fail(gen, err)
	}
	v.loadConnections(ctx)
	return nil
}

// Accept accepts a pending request and reloads.
func (v *View) Accept(ctx context.Context, connectionID int64) error {
	gen, conns, _, ok := v.current()
	if !ok {
		return apperr.ErrUnauthorized
	}
	if err := conns.AcceptRequest(ctx, connectionID); err != nil {
		return v.fail(gen, err)
	}
	v.Refresh(ctx)
	return nil
}

// Decline declines a pending request and reloads connections.
func (v *View) Decline(ctx context.Context, connectionID int64) error {
	gen, conns, _, ok := v.current()
	if !ok {
		return apperr.ErrUnauthorized
	}
	if err := conns.DeclineRequest(ctx, connectionID); err != nil {
		return v.fail(gen, err)
	}
	v.loadConnections(ctx)
	return nil
}

// Send appends a provisional entry for content, delivers it and then
// replaces the conversation with the authoritative list. On failure the
// provisional entry is removed.
func (v *View) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return v.fail(0, apperr.New(apperr.CodeValidation, "Message cannot be empty"))
	}

	v.mu.Lock()
	if v.accountID == 0 || v.msgs == nil {
		v.mu.Unlock()
		return apperr.ErrUnauthorized
	}
	if v.partner == nil {
		v.mu.Unlock()
		return v.fail(0, apperr.New(apperr.CodeValidation, "Connect with a partner to send messages"))
	}
	gen, msgs, receiver := v.gen, v.msgs, v.partner.ID
	corr := uuid.NewString()
	v.messages = append(v.messages, Entry{
		Message: model.Message{
			SenderID:   v.accountID,
			ReceiverID: receiver,
			Content:    content,
			CreatedAt:  time.Now().UTC(),
		},
		Pending:       true,
		CorrelationID: corr,
	})
	v.mu.Unlock()

	if err := msgs.SendMessage(ctx, receiver, content, corr); err != nil {
		v.mu.Lock()
		if v.gen == gen {
			v.messages = dropEntry(v.messages, corr)
		}
		v.mu.Unlock()
		return v.fail(gen, err)
	}
	v.loadMessages(ctx)
	return nil
}

// Notices drains the pending notices.
func (v *View) Notices() []Notice {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.notices
	v.notices = nil
	return out
}

// Snapshot returns a copy of the current state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		AccountID:          v.accountID,
		Connections:        append([]partner.Connection(nil), v.connections...),
		Messages:           append([]Entry(nil), v.messages...),
		LoadingConnections: v.loadingC,
		LoadingMessages:    v.loadingM,
	}
	if v.partner != nil {
		p := *v.partner
		s.ActivePartner = &p
	}
	return s
}

// OnboardingCompleted reports the onboarding flag stored on the current
// account's profile. An unreadable profile reads as not completed.
func (v *View) OnboardingCompleted(ctx context.Context) bool {
	v.mu.Lock()
	id, src := v.accountID, v.profile
	v.mu.Unlock()
	if src == nil || id == 0 {
		return false
	}
	p, err := src.Profile(ctx)
	if err != nil {
		if v.logger != nil {
			v.logger.Debug("load profile", zap.Int64("account_id", id), zap.Error(err))
		}
		return false
	}
	return p.OnboardingCompleted
}

// CompleteOnboarding sets the onboarding flag on the current account's
// profile.
func (v *View) CompleteOnboarding(ctx context.Context) error {
	v.mu.Lock()
	gen, id, src := v.gen, v.accountID, v.profile
	v.mu.Unlock()
	if src == nil || id == 0 {
		return apperr.ErrUnauthorized
	}
	if err := src.CompleteOnboarding(ctx); err != nil {
		return v.fail(gen, err)
	}
	return nil
}

// loadConnections fetches connections and reports whether a partner is
// active afterwards.
func (v *View) loadConnections(ctx context.Context) bool {
	v.mu.Lock()
	gen, conns := v.gen, v.conns
	if conns == nil {
		v.mu.Unlock()
		return false
	}
	v.loadingC = true
	v.mu.Unlock()

	list, err := conns.FetchConnections(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return false
	}
	v.loadingC = false
	if err != nil {
		v.pushLocked(err)
		return v.partner != nil
	}
	v.connections = list
	v.partner = partner.ActivePartner(list)
	if v.partner == nil {
		v.messages = nil
	}
	return v.partner != nil
}

func (v *View) loadMessages(ctx context.Context) {
	v.mu.Lock()
	gen, msgs := v.gen, v.msgs
	if msgs == nil || v.partner == nil {
		v.mu.Unlock()
		return
	}
	partnerID := v.partner.ID
	v.loadingM = true
	v.mu.Unlock()

	list, err := msgs.FetchMessages(ctx, partnerID)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return
	}
	v.loadingM = false
	if err != nil {
		v.pushLocked(err)
		return
	}
	entries := make([]Entry, len(list))
	for i, m := range list {
		entries[i] = Entry{Message: m}
		if m.ClientRef != nil {
			entries[i].CorrelationID = *m.ClientRef
		}
	}
	v.messages = entries
}

// current returns the generation and sources of a logged-in view.
func (v *View) current() (uint64, ConnectionSource, MessageSource, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen, v.conns, v.msgs, v.accountID != 0 && v.conns != nil
}

// fail records err as a notice unless the account changed since gen was
// taken (gen 0 means "now") and returns it.
func (v *View) fail(gen uint64, err error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen == 0 || v.gen == gen {
		v.pushLocked(err)
	}
	return err
}

func (v *View) pushLocked(err error) {
	e := apperr.As(err)
	v.notices = append(v.notices, Notice{Code: e.Code, Message: e.Message})
	if v.logger != nil {
		v.logger.Debug("view notice", zap.String("code", string(e.Code)), zap.Error(err))
	}
}

func dropEntry(entries []Entry, corr string) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if !(e.Pending && e.CorrelationID == corr) {
			out = append(out, e)
		}
	}
	return out
}

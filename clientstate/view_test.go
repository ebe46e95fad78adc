package clientstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/client"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/partner"
	"github.com/togetherinbloom/server/session"
	"github.com/togetherinbloom/server/testutil"
	"go.uber.org/zap"
)

var (
	_ ConnectionSource = (*client.Client)(nil)
	_ MessageSource    = (*client.Client)(nil)
	_ ProfileSource    = (*client.Client)(nil)
	_ ConnectionSource = Local{}
	_ MessageSource    = Local{}
	_ ProfileSource    = Local{}
)

// fakeSource is an in-memory pair of sources for one account.
type fakeSource struct {
	mu        sync.Mutex
	me        int64
	conns     []partner.Connection
	msgs      []model.Message
	fetchErr  error
	sendErr   error
	requests  []string
	sendCalls int
	block     chan struct{}
	onboarded bool
}

func (f *fakeSource) FetchConnections(context.Context) ([]partner.Connection, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]partner.Connection(nil), f.conns...), nil
}

func (f *fakeSource) SendRequest(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, email)
	return nil
}

func (f *fakeSource) AcceptRequest(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conns {
		if f.conns[i].ID == id {
			f.conns[i].Status = model.ConnectionActive
			return nil
		}
	}
	return apperr.New(apperr.CodeNotFound, "connection not found")
}

func (f *fakeSource) DeclineRequest(context.Context, int64) error {
	return apperr.New(apperr.CodeForbidden, "only the recipient can respond to this request")
}

func (f *fakeSource) FetchMessages(context.Context, int64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]model.Message(nil), f.msgs...), nil
}

func (f *fakeSource) SendMessage(_ context.Context, receiverID int64, content, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return f.sendErr
	}
	r := ref
	f.msgs = append(f.msgs, model.Message{
		ID: int64(len(f.msgs) + 1), SenderID: f.me, ReceiverID: receiverID, Content: content, ClientRef: &r,
	})
	return nil
}

func (f *fakeSource) Profile(context.Context) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &model.Profile{ID: f.me, OnboardingCompleted: f.onboarded}, nil
}

func (f *fakeSource) CompleteOnboarding(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.onboarded = true
	return nil
}

func activeWith(id, partnerID int64, name string) partner.Connection {
	return partner.Connection{
		PartnerConnection: model.PartnerConnection{ID: id, Status: model.ConnectionActive},
		Partner:           model.Profile{ID: partnerID, DisplayName: name},
	}
}

func newView() *View { return NewView(zap.NewNop()) }

func TestSetSession_LoadsConnectionsAndConversation(t *testing.T) {
	src := &fakeSource{
		me:    1,
		conns: []partner.Connection{activeWith(10, 2, "u2")},
		msgs:  []model.Message{{ID: 1, SenderID: 2, ReceiverID: 1, Content: "Hi"}},
	}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)

	s := v.Snapshot()
	assert.Equal(t, int64(1), s.AccountID)
	require.NotNil(t, s.ActivePartner)
	assert.Equal(t, "u2", s.ActivePartner.DisplayName)
	require.Len(t, s.Messages, 1)
	assert.False(t, s.Messages[0].Pending)
	assert.False(t, s.LoadingConnections)
	assert.False(t, s.LoadingMessages)
}

func TestSend_BlankNeverCallsSource(t *testing.T) {
	src := &fakeSource{me: 1, conns: []partner.Connection{activeWith(10, 2, "u2")}}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)

	err := v.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, src.sendCalls)
	notices := v.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, apperr.CodeValidation, notices[0].Code)
	assert.Empty(t, v.Notices(), "drained")
}

func TestSend_ProvisionalReplacedByFetch(t *testing.T) {
	src := &fakeSource{me: 1, conns: []partner.Connection{activeWith(10, 2, "u2")}}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)

	require.NoError(t, v.Send(context.Background(), "How are you?"))
	s := v.Snapshot()
	require.Len(t, s.Messages, 1, "provisional entry replaced, not merged")
	assert.False(t, s.Messages[0].Pending)
	assert.Equal(t, int64(1), s.Messages[0].ID)
	assert.NotEmpty(t, s.Messages[0].CorrelationID)
}

func TestSend_FailureRollsBackAndNotifies(t *testing.T) {
	src := &fakeSource{
		me:      1,
		conns:   []partner.Connection{activeWith(10, 2, "u2")},
		msgs:    []model.Message{{ID: 1, Content: "earlier"}},
		sendErr: apperr.New(apperr.CodeForbidden, "you can only message your active partner"),
	}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)

	err := v.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	s := v.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "earlier", s.Messages[0].Content)
	require.Len(t, v.Notices(), 1)
}

func TestSend_WithoutPartner(t *testing.T) {
	src := &fakeSource{me: 1}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)

	assert.ErrorIs(t, v.Send(context.Background(), "hi"), apperr.ErrValidation)
	assert.Zero(t, src.sendCalls)
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	src := &fakeSource{me: 1, conns: []partner.Connection{activeWith(10, 2, "u2")}}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)
	before := v.Snapshot()

	src.fetchErr = apperr.New(apperr.CodeUpstream, "store failure")
	v.Refresh(context.Background())

	after := v.Snapshot()
	assert.Equal(t, before.Connections, after.Connections)
	require.NotNil(t, after.ActivePartner)
	notices := v.Notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, apperr.CodeUpstream, notices[0].Code)
}

func TestRequestPartner_ValidatesThenReloads(t *testing.T) {
	src := &fakeSource{me: 1}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)

	assert.ErrorIs(t, v.RequestPartner(context.Background(), " "), apperr.ErrValidation)
	assert.Empty(t, src.requests)

	require.NoError(t, v.RequestPartner(context.Background(), "u2@example.com"))
	assert.Equal(t, []string{"u2@example.com"}, src.requests)
}

func TestAcceptAndDecline(t *testing.T) {
	pending := partner.Connection{
		PartnerConnection: model.PartnerConnection{ID: 5, Status: model.ConnectionPending},
		Partner:           model.Profile{ID: 1, DisplayName: "u1"},
	}
	src := &fakeSource{me: 2, conns: []partner.Connection{pending}}
	v := newView()
	v.SetSession(context.Background(), 2, src, src, src)
	assert.Nil(t, v.Snapshot().ActivePartner)

	require.NoError(t, v.Accept(context.Background(), 5))
	p := v.Snapshot().ActivePartner
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.ID)

	err := v.Decline(context.Background(), 5)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Len(t, v.Notices(), 1)
}

func TestSetSession_DropsLateResponseFromPreviousAccount(t *testing.T) {
	slow := &fakeSource{
		me:    1,
		conns: []partner.Connection{activeWith(10, 2, "old partner")},
		block: make(chan struct{}),
	}
	fast := &fakeSource{me: 3, conns: []partner.Connection{activeWith(20, 4, "new partner")}}
	v := newView()

	done := make(chan struct{})
	go func() {
		defer close(done)
		v.SetSession(context.Background(), 1, slow, slow, slow)
	}()
	require.Eventually(t, func() bool { return v.Snapshot().LoadingConnections }, time.Second, 5*time.Millisecond)

	v.SetSession(context.Background(), 3, fast, fast, fast)
	close(slow.block)
	<-done

	s := v.Snapshot()
	assert.Equal(t, int64(3), s.AccountID)
	require.NotNil(t, s.ActivePartner)
	assert.Equal(t, "new partner", s.ActivePartner.DisplayName)
}

func TestSetSession_LogoutClears(t *testing.T) {
	src := &fakeSource{me: 1, conns: []partner.Connection{activeWith(10, 2, "u2")}}
	v := newView()
	v.SetSession(context.Background(), 1, src, src, src)
	v.SetSession(context.Background(), 0, nil, nil, nil)

	s := v.Snapshot()
	assert.Zero(t, s.AccountID)
	assert.Nil(t, s.ActivePartner)
	assert.Empty(t, s.Connections)
	assert.ErrorIs(t, v.Accept(context.Background(), 10), apperr.ErrUnauthorized)
}

func TestOnboardingFollowsProfile(t *testing.T) {
	v := newView()
	ctx := context.Background()

	assert.ErrorIs(t, v.CompleteOnboarding(ctx), apperr.ErrUnauthorized)
	assert.False(t, v.OnboardingCompleted(ctx))

	first := &fakeSource{me: 1}
	v.SetSession(ctx, 1, first, first, first)
	assert.False(t, v.OnboardingCompleted(ctx))
	require.NoError(t, v.CompleteOnboarding(ctx))
	assert.True(t, first.onboarded, "flag written through the profile source")
	assert.True(t, v.OnboardingCompleted(ctx))

	second := &fakeSource{me: 2}
	v.SetSession(ctx, 2, second, second, second)
	assert.False(t, v.OnboardingCompleted(ctx))

	// Without a profile source there is nothing to read or write.
	v.SetSession(ctx, 2, second, second, nil)
	assert.False(t, v.OnboardingCompleted(ctx))
	assert.ErrorIs(t, v.CompleteOnboarding(ctx), apperr.ErrUnauthorized)
}

func TestOnboarding_FailureBecomesNotice(t *testing.T) {
	v := newView()
	ctx := context.Background()
	src := &fakeSource{me: 1, onboarded: true}
	v.SetSession(ctx, 1, src, src, src)
	require.True(t, v.OnboardingCompleted(ctx))

	src.mu.Lock()
	src.fetchErr = errors.New("network down")
	src.sendErr = apperr.New(apperr.CodeUpstream, "network down")
	src.mu.Unlock()

	assert.False(t, v.OnboardingCompleted(ctx), "unreadable profile reads as not completed")
	assert.ErrorIs(t, v.CompleteOnboarding(ctx), apperr.ErrUpstream)
	n := v.Notices()
	require.NotEmpty(t, n)
	assert.Equal(t, apperr.CodeUpstream, n[len(n)-1].Code)
}

func TestPushLocked_PlainErrorIsUpstream(t *testing.T) {
	v := newView()
	_ = v.fail(0, errors.New("network down"))
	n := v.Notices()
	require.Len(t, n, 1)
	assert.Equal(t, apperr.CodeUpstream, n[0].Code)
}

func TestLocal_OnboardingPersistsOnProfile(t *testing.T) {
	db := testutil.SetupTestDB(t)
	u := testutil.CreateUser(t, db, "u1@example.com")
	ctx := context.Background()

	local := Local{DB: db, Session: session.New(u.ID)}
	v := newView()
	v.SetSession(ctx, u.ID, nil, nil, local)
	assert.False(t, v.OnboardingCompleted(ctx))
	require.NoError(t, v.CompleteOnboarding(ctx))

	var stored model.Profile
	require.NoError(t, db.First(&stored, u.ID).Error)
	assert.True(t, stored.OnboardingCompleted)
	assert.True(t, v.OnboardingCompleted(ctx))

	missing := Local{DB: db, Session: session.New(u.ID + 100)}
	assert.ErrorIs(t, missing.CompleteOnboarding(ctx), apperr.ErrNotFound)
}

package milestone_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/milestone"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/session"
	"github.com/togetherinbloom/server/testutil"
	"go.uber.org/zap"
)

type countingNotifier struct{ calls map[int64]int }

func (n *countingNotifier) Notify(_ context.Context, _ string, _ any, ids ...int64) {
	for _, id := range ids {
		n.calls[id]++
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAdd_ValidatesAndDefaultsType(t *testing.T) {
	db := testutil.SetupTestDB(t)
	u := testutil.CreateUser(t, db, "u1@example.com")
	svc := milestone.NewService(db, nil, nil, 30, zap.NewNop())
	ctx := context.Background()
	sess := session.New(u.ID)

	_, err := svc.Add(ctx, sess, milestone.Input{Title: " ", Date: date(2026, 6, 1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Add(ctx, sess, milestone.Input{Title: "First date"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Add(ctx, sess, milestone.Input{Title: "x", Date: date(2026, 6, 1), Type: "wedding"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	m, err := svc.Add(ctx, sess, milestone.Input{Title: "First date", Date: time.Date(2026, 6, 1, 19, 30, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneCustom, m.Type)
	assert.Equal(t, date(2026, 6, 1), m.Date)

	list, err := svc.List(ctx, sess)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "First date", list[0].Title)
}

func TestList_OrderedByDateAndScopedToOwner(t *testing.T) {
	db := testutil.SetupTestDB(t)
	u1 := testutil.CreateUser(t, db, "u1@example.com")
	u2 := testutil.CreateUser(t, db, "u2@example.com")
	svc := milestone.NewService(db, nil, nil, 30, zap.NewNop())
	ctx := context.Background()

	_, err := svc.Add(ctx, session.New(u1.ID), milestone.Input{Title: "later", Date: date(2026, 9, 1)})
	require.NoError(t, err)
	_, err = svc.Add(ctx, session.New(u1.ID), milestone.Input{Title: "sooner", Date: date(2026, 3, 1)})
	require.NoError(t, err)
	_, err = svc.Add(ctx, session.New(u2.ID), milestone.Input{Title: "other", Date: date(2026, 1, 1)})
	require.NoError(t, err)

	list, err := svc.List(ctx, session.New(u1.ID))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sooner", list[0].Title)
	assert.Equal(t, "later", list[1].Title)
}

func TestUpcoming_WindowAndRecurrence(t *testing.T) {
	db := testutil.SetupTestDB(t)
	u := testutil.CreateUser(t, db, "u1@example.com")
	svc := milestone.NewService(db, nil, nil, 30, zap.NewNop())
	ctx := context.Background()
	sess := session.New(u.ID)
	now := time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC)

	add := func(title string, d time.Time, recurring bool) {
		_, err := svc.Add(ctx, sess, milestone.Input{Title: title, Date: d, IsRecurring: recurring})
		require.NoError(t, err)
	}
	add("today", date(2026, 10, 15), false)
	add("in window", date(2026, 11, 1), false)
	add("past one-off", date(2026, 10, 1), false)
	add("too far", date(2026, 12, 25), false)
	add("anniversary", date(2019, 10, 20), true)
	add("birthday passed this year", date(1995, 3, 2), true)

	up, err := svc.Upcoming(ctx, sess, now)
	require.NoError(t, err)
	require.Len(t, up, 3)
	assert.Equal(t, "today", up[0].Title)
	assert.Equal(t, 0, up[0].DaysUntil)
	assert.Equal(t, "anniversary", up[1].Title)
	assert.Equal(t, date(2026, 10, 20), up[1].NextOccurrence)
	assert.Equal(t, 5, up[1].DaysUntil)
	assert.Equal(t, "in window", up[2].Title)
}

func TestNextOccurrence_LeapDay(t *testing.T) {
	m := model.Milestone{Date: date(2024, 2, 29), IsRecurring: true}
	next, ok := milestone.NextOccurrence(m, date(2026, 2, 10))
	require.True(t, ok)
	assert.Equal(t, date(2026, 3, 1), next)

	next, ok = milestone.NextOccurrence(m, date(2026, 3, 2))
	require.True(t, ok)
	assert.Equal(t, date(2027, 3, 1), next)
}

func TestDelete_OwnerOnly(t *testing.T) {
	db := testutil.SetupTestDB(t)
	u1 := testutil.CreateUser(t, db, "u1@example.com")
	u2 := testutil.CreateUser(t, db, "u2@example.com")
	svc := milestone.NewService(db, nil, nil, 30, zap.NewNop())
	ctx := context.Background()

	m, err := svc.Add(ctx, session.New(u1.ID), milestone.Input{Title: "x", Date: date(2026, 1, 1)})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, session.New(u2.ID), m.ID), apperr.ErrNotFound)
	require.NoError(t, svc.Delete(ctx, session.New(u1.ID), m.ID))
	assert.ErrorIs(t, svc.Delete(ctx, session.New(u1.ID), m.ID), apperr.ErrNotFound)
}

func TestRemind_OncePerDay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	u := testutil.CreateUser(t, db, "u1@example.com")
	n := &countingNotifier{calls: map[int64]int{}}
	svc := milestone.NewService(db, c, n, 30, zap.NewNop())
	ctx := context.Background()
	sess := session.New(u.ID)

	_, err := svc.Add(ctx, sess, milestone.Input{Title: "anniversary", Date: date(2020, 10, 15), IsRecurring: true})
	require.NoError(t, err)
	_, err = svc.Add(ctx, sess, milestone.Input{Title: "dinner", Date: date(2026, 10, 15)})
	require.NoError(t, err)
	_, err = svc.Add(ctx, sess, milestone.Input{Title: "tomorrow", Date: date(2026, 10, 16)})
	require.NoError(t, err)

	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	sent, err := svc.Remind(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, n.calls[u.ID])

	sent, err = svc.Remind(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, sent)

	sent, err = svc.Remind(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "only the one-off dated tomorrow")
}

package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/config"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/testutil"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

type sseEnv struct {
	srv       *httptest.Server
	presence  *realtime.Presence
	publisher *realtime.Publisher
	token     func(t *testing.T, accountID int64) string
}

func newSSEEnv(t *testing.T) *sseEnv {
	t.Helper()
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "sse-secret", JWTTTLH: time.Hour}
	logger := zap.NewNop()
	presence := realtime.NewPresence(c, logger)

	h := NewHandler(ps, presence, logger)
	r := gin.New()
	r.GET("/sse", mw.Auth(sec, c), h.ServeSSE)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &sseEnv{
		srv:       srv,
		presence:  presence,
		publisher: realtime.NewPublisher(ps, logger),
		token: func(t *testing.T, accountID int64) string {
			tok, err := mw.GenerateToken(accountID, sec.JWTSecret, sec.JWTTTLH)
			require.NoError(t, err)
			require.NoError(t, c.Set(context.Background(), mw.SessionKey(tok), "1", sec.JWTTTLH))
			return tok
		},
	}
}

type sseEvent struct {
	name string
	data string
}

// readEvent returns the next named event, skipping keepalive comments.
func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func openStream(t *testing.T, env *sseEnv, token string) (*http.Response, *bufio.Scanner) {
	t.Helper()
	resp, err := http.Get(env.srv.URL + "/sse?token=" + token)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewScanner(resp.Body)
}

func TestServeSSE_RequiresToken(t *testing.T) {
	env := newSSEEnv(t)
	resp, err := http.Get(env.srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeSSE_RejectsUnknownSession(t *testing.T) {
	env := newSSEEnv(t)
	tok, err := mw.GenerateToken(7, "sse-secret", time.Hour)
	require.NoError(t, err)
	resp, err := http.Get(env.srv.URL + "/sse?token=" + tok)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeSSE_DeliversAccountEventsAndAnnouncements(t *testing.T) {
	env := newSSEEnv(t)
	resp, sc := openStream(t, env, env.token(t, 7))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	first := readEvent(t, sc)
	assert.Equal(t, "connected", first.name)
	assert.JSONEq(t, `{"account_id":7}`, first.data)

	ctx := context.Background()
	env.publisher.Notify(ctx, realtime.EventMessageCreated, map[string]int{"id": 1}, 8)
	env.publisher.Notify(ctx, realtime.EventMessageCreated, map[string]int{"id": 2}, 7)

	got := readEvent(t, sc)
	assert.Equal(t, realtime.EventMessageCreated, got.name)
	var ev realtime.Event
	require.NoError(t, json.Unmarshal([]byte(got.data), &ev))
	assert.JSONEq(t, `{"id":2}`, string(ev.Payload))

	require.NoError(t, env.publisher.Announce(ctx, "maintenance at noon"))
	got = readEvent(t, sc)
	assert.Equal(t, realtime.EventAnnounce, got.name)
	assert.Contains(t, got.data, "maintenance at noon")
}

func TestServeSSE_TracksPresence(t *testing.T) {
	env := newSSEEnv(t)
	resp, sc := openStream(t, env, env.token(t, 9))
	readEvent(t, sc)

	ctx := context.Background()
	assert.True(t, env.presence.Online(ctx, 9)[9])

	resp.Body.Close()
	require.Eventually(t, func() bool {
		return !env.presence.Online(ctx, 9)[9]
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "partner.accepted", eventName(`{"type":"partner.accepted"}`))
	assert.Equal(t, "message", eventName(`not json`))
	assert.Equal(t, "message", eventName(`{"payload":{}}`))
}

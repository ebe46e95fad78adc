// Package integration runs the fully wired server over real HTTP, SSE and
// WebSocket connections.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	apirest "github.com/togetherinbloom/server/api/rest"
	"github.com/togetherinbloom/server/api/sse"
	apiws "github.com/togetherinbloom/server/api/ws"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/challenge"
	"github.com/togetherinbloom/server/client"
	"github.com/togetherinbloom/server/companion"
	"github.com/togetherinbloom/server/config"
	"github.com/togetherinbloom/server/messaging"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/milestone"
	"github.com/togetherinbloom/server/partner"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/scheduler"
	"github.com/togetherinbloom/server/testutil"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AdminKey is the admin key the test server accepts.
const AdminKey = "integration-admin-key"

// CompanionText is what the fake companion provider always answers.
const CompanionText = "Try sharing one appreciation with each other tonight."

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB         *gorm.DB
	Cache      cache.Cache
	PubSub     cache.PubSub
	Hub        *realtime.Hub
	Presence   *realtime.Presence
	Publisher  *realtime.Publisher
	Milestones *milestone.Service
	Sched      *scheduler.Scheduler
	Audit      *audit.Service
	Server     *httptest.Server
	Provider   *httptest.Server
	URL        string // http://127.0.0.1:<port>
	WSURL      string // ws://127.0.0.1:<port>/ws
	Sec        config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	require.NoError(t, challenge.SeedPredefined(context.Background(), db))
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		BcryptCost:     bcrypt.MinCost,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	// Fake Gemini endpoint.
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") == "" {
			http.Error(w, `{"error":{"code":403,"message":"no key","status":"PERMISSION_DENIED"}}`, http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, CompanionText)
	}))

	// ---- Realtime ----
	publisher := realtime.NewPublisher(pubsub, logger)
	presence := realtime.NewPresence(c, logger)
	hub := realtime.NewHub(presence, logger)

	// ---- Services ----
	auditSvc := audit.New(db, logger)
	partners := partner.NewService(db, publisher, presence, logger)
	messages := messaging.NewService(db, partners, publisher, messaging.Config{
		PageSize: 50, MaxPageSize: 200, MaxLength: 4000,
	}, logger)
	milestones := milestone.NewService(db, c, publisher, 30, logger)
	challenges := challenge.NewService(db, logger)
	proxy := companion.New(config.CompanionConfig{
		BaseURL:         provider.URL + "/",
		APIVersion:      "v1beta",
		Model:           "test-model",
		APIKey:          "provider-key",
		MaxOutputTokens: 100,
		HistoryLimit:    10,
	}, provider.Client(), logger)

	sched := scheduler.New(logger)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(sec.RateLimitRPS, sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ---- REST API routes (mirrors main.go) ----
	authH := apirest.NewAuthHandler(db, c, sec, auditSvc, logger)
	profileH := apirest.NewProfileHandler(db, auditSvc, logger)
	partnerH := apirest.NewPartnerHandler(partners, auditSvc, logger)
	messageH := apirest.NewMessageHandler(messages, auditSvc, logger)
	milestoneH := apirest.NewMilestoneHandler(milestones, auditSvc, logger)
	challengeH := apirest.NewChallengeHandler(challenges, auditSvc, logger)
	companionH := apirest.NewCompanionHandler(proxy, logger)
	adminH := apirest.NewAdminHandler(db, hub, presence, publisher, sched, auditSvc, logger)

	timeout := mw.RequestTimeout(5 * time.Second)
	auth := mw.Auth(sec, c)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.Use(mw.CORS(sec.AllowedOrigins), timeout)
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", auth, authH.Logout)
		authG.POST("/refresh", auth, authH.Refresh)

		authed := api.Group("")
		authed.Use(mw.CORS(sec.AllowedOrigins), timeout, auth)
		authed.GET("/profile", profileH.Get)
		authed.PATCH("/profile", profileH.Update)
		authed.POST("/profile/onboarding", profileH.CompleteOnboarding)
		authed.GET("/partners", partnerH.List)
		authed.POST("/partners/requests", partnerH.SendRequest)
		authed.POST("/partners/:id/accept", partnerH.Accept)
		authed.POST("/partners/:id/decline", partnerH.Decline)
		authed.GET("/messages/unread", messageH.Unread)
		authed.GET("/messages/:partner_id", messageH.List)
		authed.POST("/messages", messageH.Send)
		authed.GET("/milestones", milestoneH.List)
		authed.GET("/milestones/upcoming", milestoneH.Upcoming)
		authed.POST("/milestones", milestoneH.Add)
		authed.DELETE("/milestones/:id", milestoneH.Delete)
		authed.GET("/challenges", challengeH.List)
		authed.POST("/challenges", challengeH.Create)
		authed.GET("/challenges/mine", challengeH.Mine)
		authed.POST("/challenges/:id/start", challengeH.Start)
		authed.POST("/challenges/progress/:id/complete", challengeH.CompleteDay)

		companionG := api.Group("/companion")
		companionG.Use(mw.CORS(nil))
		companionG.POST("", companionH.Reply)
		companionG.OPTIONS("", func(*gin.Context) {})

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(AdminKey), timeout)
		adminG.GET("/metrics", adminH.Metrics)
		adminG.POST("/announce", adminH.Announce)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/scheduler/:name/run", adminH.RunSchedulerTask)
		adminG.GET("/audit", adminH.AuditLog)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(pubsub, hub, messages, sec, logger)
	r.GET("/ws", auth, wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, presence, logger)
	r.GET("/sse", auth, sseH.ServeSSE)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"

	ts := &TestServer{
		DB:         db,
		Cache:      c,
		PubSub:     pubsub,
		Hub:        hub,
		Presence:   presence,
		Publisher:  publisher,
		Milestones: milestones,
		Sched:      sched,
		Audit:      auditSvc,
		Server:     server,
		Provider:   provider,
		URL:        url,
		WSURL:      wsURL,
		Sec:        sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and all background workers. It is safe
// to call more than once.
func (ts *TestServer) Close() {
	ts.Hub.CloseAll(time.Second)
	ts.Server.Close()
	ts.Provider.Close()
	ts.Sched.Stop()
	ts.Audit.Stop(context.Background())
}

// Client returns a fresh SDK client pointed at the server.
func (ts *TestServer) Client() *client.Client {
	return client.New(ts.URL, ts.Server.Client())
}

// --- HTTP helpers ---

// Do sends a request with an optional JSON body and Bearer token.
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodGet, path, nil, token)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Register creates an account and returns its token and account ID.
func (ts *TestServer) Register(t *testing.T, email, password, name string) (token string, accountID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": name,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	ReadJSON(t, resp, &result)
	return result.Token, result.AccountID
}

// Login logs in and returns the token and account ID.
func (ts *TestServer) Login(t *testing.T, email, password string) (token string, accountID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	ReadJSON(t, resp, &result)
	return result.Token, result.AccountID
}

// Pair registers two accounts and makes them active partners over the API.
// It returns both tokens and account IDs.
func (ts *TestServer) Pair(t *testing.T) (tok1 string, id1 int64, tok2 string, id2 int64) {
	t.Helper()
	email2 := UniqueID("p2") + "@example.com"
	tok1, id1 = ts.Register(t, UniqueID("p1")+"@example.com", "pass1234", "Partner One")
	tok2, id2 = ts.Register(t, email2, "pass1234", "Partner Two")

	resp := ts.PostJSON(t, "/api/partners/requests", map[string]string{"email": email2}, tok1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Connection struct {
			ID int64 `json:"id"`
		} `json:"connection"`
	}
	ReadJSON(t, resp, &created)

	resp = ts.PostJSON(t, fmt.Sprintf("/api/partners/%d/accept", created.Connection.ID), nil, tok2)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	return
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds readCh so timeouts never touch the socket's
// read deadline.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a frame with the next seq and returns its ref.
func (wc *WSClient) Send(frameType string, payload interface{}) string {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	raw, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	f := realtime.Frame{
		Seq:     seq,
		Type:    frameType,
		Ref:     fmt.Sprintf("ref-%d", seq),
		Payload: raw,
	}
	data, err := json.Marshal(f)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
	return f.Ref
}

// RecvType reads frames until one with the given type is found.
func (wc *WSClient) RecvType(frameType string, timeout time.Duration) realtime.Frame {
	wc.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case res := <-wc.readCh:
			require.NoError(wc.t, res.err, "WS recv failed while waiting for %q", frameType)
			var f realtime.Frame
			require.NoError(wc.t, json.Unmarshal(res.data, &f))
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			wc.t.Fatalf("timed out waiting for frame type %q", frameType)
			return realtime.Frame{}
		}
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// --- SSE client ---

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Name string
	Data string
}

// SSEClient reads events from GET /sse.
type SSEClient struct {
	resp   *http.Response
	events chan SSEEvent
	t      *testing.T
}

// ConnectSSE opens the event stream for token and waits for "connected".
func (ts *TestServer) ConnectSSE(t *testing.T, token string) *SSEClient {
	t.Helper()
	resp, err := http.Get(ts.URL + "/sse?token=" + token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc := &SSEClient{resp: resp, events: make(chan SSEEvent, 64), t: t}
	go sc.readLoop()
	t.Cleanup(sc.Close)
	sc.RecvType("connected", 2*time.Second)
	return sc
}

func (sc *SSEClient) readLoop() {
	defer close(sc.events)
	scanner := bufio.NewScanner(sc.resp.Body)
	var ev SSEEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.Name != "":
			sc.events <- ev
			ev = SSEEvent{}
		}
	}
}

// RecvType reads events until one with the given name is found.
func (sc *SSEClient) RecvType(name string, timeout time.Duration) SSEEvent {
	sc.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sc.events:
			require.True(sc.t, ok, "SSE stream closed while waiting for %q", name)
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			sc.t.Fatalf("timed out waiting for SSE event %q", name)
			return SSEEvent{}
		}
	}
}

// Close ends the stream.
func (sc *SSEClient) Close() {
	_ = sc.resp.Body.Close()
}

// UniqueID returns a short unique string suitable for emails and names.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

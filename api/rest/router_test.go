package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/api/rest"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/challenge"
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

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminKey = "test-key"

// testEnv is a router with every authenticated route of the API wired to
// an in-memory store and local cache.
type testEnv struct {
	r        *gin.Engine
	db       *gorm.DB
	cache    cache.Cache
	pubsub   cache.PubSub
	sec      config.SecurityConfig
	hub      *realtime.Hub
	presence *realtime.Presence
	audit    *audit.Service
	sched    *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{
		JWTSecret:  "test-secret",
		JWTTTLH:    72 * time.Hour,
		BcryptCost: bcrypt.MinCost,
	}

	publisher := realtime.NewPublisher(ps, logger)
	presence := realtime.NewPresence(c, logger)
	hub := realtime.NewHub(presence, logger)
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)
	auditSvc := audit.New(db, logger)
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })

	partners := partner.NewService(db, publisher, presence, logger)
	messages := messaging.NewService(db, partners, publisher, messaging.Config{PageSize: 50, MaxPageSize: 200, MaxLength: 4000}, logger)
	milestones := milestone.NewService(db, c, publisher, 30, logger)
	challenges := challenge.NewService(db, logger)

	authH := rest.NewAuthHandler(db, c, sec, auditSvc, logger)
	profileH := rest.NewProfileHandler(db, auditSvc, logger)
	partnerH := rest.NewPartnerHandler(partners, auditSvc, logger)
	messageH := rest.NewMessageHandler(messages, auditSvc, logger)
	milestoneH := rest.NewMilestoneHandler(milestones, auditSvc, logger)
	challengeH := rest.NewChallengeHandler(challenges, auditSvc, logger)
	adminH := rest.NewAdminHandler(db, hub, presence, publisher, sched, auditSvc, logger)

	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	api := r.Group("/api")

	authG := api.Group("/auth")
	authG.POST("/register", authH.Register)
	authG.POST("/login", authH.Login)
	authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
	authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)

	authed := api.Group("")
	authed.Use(mw.Auth(sec, c))
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

	adminG := api.Group("/admin")
	adminG.Use(rest.AdminAuth(testAdminKey))
	adminG.GET("/metrics", adminH.Metrics)
	adminG.POST("/announce", adminH.Announce)
	adminG.POST("/accounts/:id/ban", adminH.BanAccount)
	adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	adminG.POST("/scheduler/:name/run", adminH.RunSchedulerTask)
	adminG.GET("/audit", adminH.AuditLog)

	return &testEnv{r: r, db: db, cache: c, pubsub: ps, sec: sec, hub: hub, presence: presence, audit: auditSvc, sched: sched}
}

func postJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	return doJSON(r, http.MethodPost, path, body, headers...)
}

func doJSON(r *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

// register creates an account over the API and returns its token and id.
func (e *testEnv) register(t *testing.T, email, name string) (string, int64) {
	t.Helper()
	w := postJSON(e.r, "/api/auth/register", map[string]string{
		"email": email, "password": "pass1234", "display_name": name,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token, resp.AccountID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

// errorBody is the JSON error shape every handler writes.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	decode(t, w, &e)
	return e
}

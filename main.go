package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	apirest "github.com/togetherinbloom/server/api/rest"
	"github.com/togetherinbloom/server/api/sse"
	apiws "github.com/togetherinbloom/server/api/ws"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/challenge"
	"github.com/togetherinbloom/server/companion"
	"github.com/togetherinbloom/server/config"
	dbadapter "github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/messaging"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/milestone"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/partner"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/scheduler"
	"go.uber.org/zap"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly about features that will refuse requests.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if cfg.Security.JWTSecret == "" {
		logger.Fatal("security.jwt_secret is required")
	}
	if cfg.Companion.APIKey == "" {
		logger.Warn("companion.api_key is not set; companion replies will fail with a configuration error")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	if err := model.AutoMigrate(db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := challenge.SeedPredefined(seedCtx, db); err != nil {
		logger.Warn("seed predefined challenges", zap.Error(err))
	}
	seedCancel()
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)

	// ---- Cache / PubSub ----
	c, pubsub, err := cache.Open(cfg.Cache)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	defer c.Close()
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Realtime ----
	publisher := realtime.NewPublisher(pubsub, logger)
	presence := realtime.NewPresence(c, logger)
	hub := realtime.NewHub(presence, logger)

	// ---- Services ----
	partners := partner.NewService(db, publisher, presence, logger)
	messages := messaging.NewService(db, partners, publisher, messaging.Config{
		PageSize:    cfg.Messaging.PageSize,
		MaxPageSize: cfg.Messaging.MaxPageSize,
		MaxLength:   cfg.Messaging.MaxLength,
	}, logger)
	milestones := milestone.NewService(db, c, publisher, cfg.Scheduler.UpcomingWindowDays, logger)
	challenges := challenge.NewService(db, logger)
	proxy := companion.New(cfg.Companion, nil, logger)

	// ---- Periodic Scheduler Tasks ----
	sched := scheduler.New(logger)
	sched.AddTicker("milestone_reminders", cfg.Scheduler.MilestoneScanInterval, func(ctx context.Context) error {
		n, err := milestones.Remind(ctx, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("milestone reminders sent", zap.Int("count", n))
		}
		return nil
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, auditSvc, logger)
	profileH := apirest.NewProfileHandler(db, auditSvc, logger)
	partnerH := apirest.NewPartnerHandler(partners, auditSvc, logger)
	messageH := apirest.NewMessageHandler(messages, auditSvc, logger)
	milestoneH := apirest.NewMilestoneHandler(milestones, auditSvc, logger)
	challengeH := apirest.NewChallengeHandler(challenges, auditSvc, logger)
	companionH := apirest.NewCompanionHandler(proxy, logger)
	adminH := apirest.NewAdminHandler(db, hub, presence, publisher, sched, auditSvc, logger)

	timeout := mw.RequestTimeout(cfg.Database.QueryTimeout)
	auth := mw.Auth(cfg.Security, c)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.Use(mw.CORS(cfg.Security.AllowedOrigins), timeout)
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", auth, authH.Logout)
		authG.POST("/refresh", auth, authH.Refresh)

		authed := api.Group("")
		authed.Use(mw.CORS(cfg.Security.AllowedOrigins), timeout, auth)
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

		// The companion is called straight from browsers on any origin.
		companionG := api.Group("/companion")
		companionG.Use(mw.CORS(nil))
		companionG.POST("", companionH.Reply)
		companionG.OPTIONS("", func(*gin.Context) {})

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs), apirest.AdminAuth(cfg.Server.AdminKey), timeout)
		adminG.GET("/metrics", adminH.Metrics)
		adminG.POST("/announce", adminH.Announce)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/scheduler/:name/run", adminH.RunSchedulerTask)
		adminG.GET("/audit", adminH.AuditLog)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(pubsub, hub, messages, cfg.Security, logger)
	r.GET("/ws", auth, wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, presence, logger)
	r.GET("/sse", mw.CORS(cfg.Security.AllowedOrigins), auth, sseH.ServeSSE)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	hub.CloseAll(5 * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	auditSvc.Stop(shutdownCtx)
}

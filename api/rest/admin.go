package rest

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/audit"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db        *gorm.DB
	hub       *realtime.Hub
	presence  *realtime.Presence
	publisher *realtime.Publisher
	sched     *scheduler.Scheduler
	audit     *audit.Service
	logger    *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	gdb *gorm.DB,
	hub *realtime.Hub,
	presence *realtime.Presence,
	publisher *realtime.Publisher,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: gdb, hub: hub, presence: presence, publisher: publisher, sched: sched, audit: auditSvc, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()
	var accounts, active int64
	if err := h.db.WithContext(ctx).Model(&model.Account{}).Count(&accounts).Error; err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.CodeUpstream, "store failure", err))
		return
	}
	if err := h.db.WithContext(ctx).Model(&model.PartnerConnection{}).
		Where("status = ?", model.ConnectionActive).Count(&active).Error; err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.CodeUpstream, "store failure", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":           accounts,
		"active_connections": active,
		"online_accounts":    h.presence.Count(ctx),
		"ws_connections":     h.hub.Count(),
		"scheduler_tasks":    h.sched.ListTickers(),
	})
}

// Announce publishes a system announcement to every connected client.
// POST /api/admin/announce
func (h *AdminHandler) Announce(c *gin.Context) {
	start := time.Now()
	var req struct {
		Message string `json:"message"`
	}
	if !bindJSON(c, h.logger, &req) {
		return
	}
	msg := strings.TrimSpace(req.Message)
	var err error
	if msg == "" {
		err = apperr.New(apperr.CodeValidation, "message is required")
	} else if pubErr := h.publisher.Announce(c.Request.Context(), msg); pubErr != nil {
		err = apperr.Wrap(apperr.CodeUpstream, "publish failed", pubErr)
	}
	record(h.audit, c, "admin.announce", req, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BanAccount bans or unbans an account.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	start := time.Now()
	accountID, ok := paramID(c, h.logger, "id")
	if !ok {
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := model.AccountNormal
	if req.Ban {
		status = model.AccountBanned
	}
	result := h.db.WithContext(c.Request.Context()).
		Model(&model.Account{}).Where("id = ?", accountID).Update("status", status)
	var err error
	switch {
	case result.Error != nil:
		err = apperr.Wrap(apperr.CodeUpstream, "store failure", result.Error)
	case result.RowsAffected == 0:
		err = apperr.New(apperr.CodeNotFound, "account not found")
	}
	record(h.audit, c, "admin.ban", gin.H{"account_id": accountID, "ban": req.Ban}, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	kicked := 0
	if req.Ban {
		kicked = h.hub.Kick(accountID)
	}
	h.logger.Info("admin changed account status",
		zap.Int64("account_id", accountID),
		zap.Int("status", status),
		zap.Int("kicked", kicked))
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// AuditLog lists recorded mutations, newest first. Query parameters:
// account_id, action (a trailing "." matches a prefix), before (entry id
// cursor) and limit.
// GET /api/admin/audit
func (h *AdminHandler) AuditLog(c *gin.Context) {
	var q struct {
		AccountID int64  `form:"account_id"`
		Action    string `form:"action"`
		Before    int64  `form:"before"`
		Limit     int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, h.logger, apperr.New(apperr.CodeValidation, "invalid query"))
		return
	}
	entries, err := h.audit.Query(c.Request.Context(), audit.Filter{
		AccountID: q.AccountID,
		Action:    q.Action,
		Before:    q.Before,
		Limit:     q.Limit,
	})
	if err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.CodeUpstream, "store failure", err))
		return
	}
	resp := gin.H{"entries": entries}
	if n := len(entries); n > 0 {
		resp["next_before"] = entries[n-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// ListSchedulerTasks returns every registered job with its run statistics.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// RunSchedulerTask runs a job immediately and waits for it, for example to
// push milestone reminders without waiting for the next scan.
// POST /api/admin/scheduler/:name/run
func (h *AdminHandler) RunSchedulerTask(c *gin.Context) {
	start := time.Now()
	name := c.Param("name")
	runErr := h.sched.Trigger(name)

	var err error
	switch {
	case errors.Is(runErr, scheduler.ErrUnknownTask):
		err = apperr.New(apperr.CodeNotFound, "task not found")
	case errors.Is(runErr, scheduler.ErrTaskBusy):
		err = apperr.New(apperr.CodeConflict, "task already running")
	case runErr != nil:
		err = apperr.Wrap(apperr.CodeUpstream, "task failed", runErr)
	}
	record(h.audit, c, "admin.scheduler.run", gin.H{"task": name}, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "took": time.Since(start).String()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503 so the server cannot
// be deployed without protection by accident.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "admin endpoints disabled: set server.admin_key in config",
				"code":  apperr.CodeConfiguration,
			})
			return
		}
		if c.GetHeader("X-Admin-Key") != adminKey {
			mw.Abort(c, apperr.New(apperr.CodeUnauthorized, "unauthorized"))
			return
		}
		c.Next()
	}
}

package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/db"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProfileHandler serves the caller's own profile.
type ProfileHandler struct {
	db     *gorm.DB
	audit  *audit.Service
	logger *zap.Logger
}

// NewProfileHandler creates a ProfileHandler. auditSvc may be nil.
func NewProfileHandler(gdb *gorm.DB, auditSvc *audit.Service, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{db: gdb, audit: auditSvc, logger: logger}
}

// Get handles GET /api/profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	var p model.Profile
	if err := h.db.WithContext(c.Request.Context()).First(&p, mw.GetAccountID(c)).Error; err != nil {
		respondError(c, h.logger, db.Err(err, "profile"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

type updateProfileRequest struct {
	DisplayName *string `json:"display_name" binding:"omitempty,max=64"`
	AvatarURL   *string `json:"avatar_url" binding:"omitempty,max=512"`
}

// Update handles PATCH /api/profile. Omitted fields are left unchanged; an
// empty avatar_url clears the avatar.
func (h *ProfileHandler) Update(c *gin.Context) {
	start := time.Now()
	var req updateProfileRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	updates := map[string]interface{}{}
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			respondError(c, h.logger, apperr.New(apperr.CodeValidation, "display name cannot be empty"))
			return
		}
		updates["display_name"] = name
	}
	if req.AvatarURL != nil {
		if u := strings.TrimSpace(*req.AvatarURL); u == "" {
			updates["avatar_url"] = nil
		} else {
			updates["avatar_url"] = u
		}
	}
	h.save(c, "profile.update", req, updates, start)
}

// CompleteOnboarding handles POST /api/profile/onboarding.
func (h *ProfileHandler) CompleteOnboarding(c *gin.Context) {
	h.save(c, "profile.onboarding", nil, map[string]interface{}{"onboarding_completed": true}, time.Now())
}

func (h *ProfileHandler) save(c *gin.Context, action string, req interface{}, updates map[string]interface{}, start time.Time) {
	id := mw.GetAccountID(c)
	tx := h.db.WithContext(c.Request.Context())
	var err error
	if len(updates) > 0 {
		err = tx.Model(&model.Profile{}).Where("id = ?", id).Updates(updates).Error
	}
	var p model.Profile
	if err == nil {
		err = tx.First(&p, id).Error
	}
	err = db.Err(err, "profile")
	record(h.audit, c, action, req, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

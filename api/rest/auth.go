package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/config"
	"github.com/togetherinbloom/server/db"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler handles authentication REST endpoints.
type AuthHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	sec    config.SecurityConfig
	audit  *audit.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler. auditSvc may be nil.
func NewAuthHandler(gdb *gorm.DB, c cache.Cache, sec config.SecurityConfig, auditSvc *audit.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: gdb, cache: c, sec: sec, audit: auditSvc, logger: logger}
}

type registerRequest struct {
	Email       string `json:"email" binding:"required,email,max=255"`
	Password    string `json:"password" binding:"required,min=6,max=72"`
	DisplayName string `json:"display_name" binding:"required,max=64"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register handles POST /api/auth/register.
// The account and its profile are created together.
func (h *AuthHandler) Register(c *gin.Context) {
	start := time.Now()
	var req registerRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		respondError(c, h.logger, apperr.New(apperr.CodeValidation, "display name is required"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost())
	if err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.CodeUpstream, "internal error", err))
		return
	}

	acc := model.Account{Email: email, PasswordHash: string(hash), Status: model.AccountNormal}
	var profile model.Profile
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&acc).Error; err != nil {
			return err
		}
		profile = model.Profile{ID: acc.ID, DisplayName: name, Email: email}
		return tx.Create(&profile).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = apperr.New(apperr.CodeConflict, "an account with this email already exists")
	}
	if err != nil {
		err = db.Err(err, "account")
		record(h.audit, c, "auth.register", gin.H{"email": email}, nil, err, start)
		respondError(c, h.logger, err)
		return
	}

	token, ok := h.issue(c, acc.ID)
	if !ok {
		return
	}
	c.Set(mw.AccountIDKey, acc.ID)
	record(h.audit, c, "auth.register", gin.H{"email": email}, gin.H{"account_id": acc.ID}, nil, start)
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"account_id": acc.ID,
		"profile":    profile,
	})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	ctx := c.Request.Context()

	var acc model.Account
	err := h.db.WithContext(ctx).Where("email = ?", email).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, h.logger, apperr.New(apperr.CodeUnauthorized, "invalid credentials"))
		return
	}
	if err != nil {
		respondError(c, h.logger, db.Err(err, "account"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)); err != nil {
		respondError(c, h.logger, apperr.New(apperr.CodeUnauthorized, "invalid credentials"))
		return
	}
	if acc.Status == model.AccountBanned {
		respondError(c, h.logger, apperr.New(apperr.CodeForbidden, "account banned"))
		return
	}

	var profile model.Profile
	if err := h.db.WithContext(ctx).First(&profile, acc.ID).Error; err != nil {
		respondError(c, h.logger, db.Err(err, "profile"))
		return
	}

	token, ok := h.issue(c, acc.ID)
	if !ok {
		return
	}

	// Update last login (best-effort).
	_ = h.db.WithContext(ctx).Model(&acc).Updates(map[string]interface{}{
		"last_login_at": time.Now(),
		"last_login_ip": c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"account_id": acc.ID,
		"profile":    profile,
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.SessionKey(mw.GetToken(c)))
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The old token stops working.
func (h *AuthHandler) Refresh(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	if accountID == 0 {
		respondError(c, h.logger, apperr.ErrUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.SessionKey(mw.GetToken(c)))

	token, ok := h.issue(c, accountID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// issue signs a token for accountID and stores its session. It writes the
// error response itself and reports false on failure.
func (h *AuthHandler) issue(c *gin.Context, accountID int64) (string, bool) {
	token, err := mw.GenerateToken(accountID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.CodeUpstream, "token error", err))
		return "", false
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, mw.SessionKey(token), strconv.FormatInt(accountID, 10), h.sec.JWTTTLH); err != nil {
		respondError(c, h.logger, apperr.Wrap(apperr.CodeUpstream, "session store failure", err))
		return "", false
	}
	return token, true
}

func (h *AuthHandler) bcryptCost() int {
	if h.sec.BcryptCost < bcrypt.MinCost {
		return bcrypt.DefaultCost
	}
	return h.sec.BcryptCost
}

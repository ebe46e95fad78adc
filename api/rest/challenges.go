package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/challenge"
	mw "github.com/togetherinbloom/server/middleware"
	"go.uber.org/zap"
)

// ChallengeHandler handles challenge REST endpoints.
type ChallengeHandler struct {
	svc    *challenge.Service
	audit  *audit.Service
	logger *zap.Logger
}

// NewChallengeHandler creates a ChallengeHandler. auditSvc may be nil.
func NewChallengeHandler(svc *challenge.Service, auditSvc *audit.Service, logger *zap.Logger) *ChallengeHandler {
	return &ChallengeHandler{svc: svc, audit: auditSvc, logger: logger}
}

// List handles GET /api/challenges.
func (h *ChallengeHandler) List(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenges": list})
}

// Mine handles GET /api/challenges/mine.
func (h *ChallengeHandler) Mine(c *gin.Context) {
	list, err := h.svc.ListForUser(c.Request.Context(), mw.Session(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolments": list})
}

type createChallengeRequest struct {
	Title        string                    `json:"title"`
	Description  string                    `json:"description"`
	DurationDays int                       `json:"duration_days"`
	Activities   []challenge.ActivityInput `json:"activities"`
}

// Create handles POST /api/challenges.
func (h *ChallengeHandler) Create(c *gin.Context) {
	start := time.Now()
	var req createChallengeRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	ch, err := h.svc.CreateCustom(c.Request.Context(), mw.Session(c), req.Title, req.Description, req.DurationDays, req.Activities)
	record(h.audit, c, "challenge.create", req, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"challenge": ch})
}

// Start handles POST /api/challenges/:id/start.
func (h *ChallengeHandler) Start(c *gin.Context) {
	start := time.Now()
	id, ok := paramID(c, h.logger, "id")
	if !ok {
		return
	}
	uc, err := h.svc.Start(c.Request.Context(), mw.Session(c), id)
	record(h.audit, c, "challenge.start", gin.H{"challenge_id": id}, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"enrolment": uc})
}

type completeDayRequest struct {
	Day   int    `json:"day" binding:"required"`
	Notes string `json:"notes"`
}

// CompleteDay handles POST /api/challenges/progress/:id/complete.
func (h *ChallengeHandler) CompleteDay(c *gin.Context) {
	start := time.Now()
	id, ok := paramID(c, h.logger, "id")
	if !ok {
		return
	}
	var req completeDayRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	uc, err := h.svc.CompleteDay(c.Request.Context(), mw.Session(c), id, req.Day, req.Notes)
	record(h.audit, c, "challenge.complete_day", gin.H{"enrolment_id": id, "day": req.Day}, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolment": uc})
}

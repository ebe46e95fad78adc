package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/audit"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/milestone"
	"github.com/togetherinbloom/server/model"
	"go.uber.org/zap"
)

// MilestoneHandler handles milestone REST endpoints.
type MilestoneHandler struct {
	svc    *milestone.Service
	audit  *audit.Service
	logger *zap.Logger
}

// NewMilestoneHandler creates a MilestoneHandler. auditSvc may be nil.
func NewMilestoneHandler(svc *milestone.Service, auditSvc *audit.Service, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{svc: svc, audit: auditSvc, logger: logger}
}

// List handles GET /api/milestones.
func (h *MilestoneHandler) List(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context(), mw.Session(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": list})
}

// Upcoming handles GET /api/milestones/upcoming.
func (h *MilestoneHandler) Upcoming(c *gin.Context) {
	list, err := h.svc.Upcoming(c.Request.Context(), mw.Session(c), time.Now())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": list})
}

type addMilestoneRequest struct {
	Title       string  `json:"title"`
	Date        string  `json:"date"` // YYYY-MM-DD or RFC 3339
	Description *string `json:"description"`
	Type        string  `json:"type"`
	IsRecurring bool    `json:"is_recurring"`
}

// Add handles POST /api/milestones.
func (h *MilestoneHandler) Add(c *gin.Context) {
	start := time.Now()
	var req addMilestoneRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	m, err := h.svc.Add(c.Request.Context(), mw.Session(c), milestone.Input{
		Title:       req.Title,
		Date:        date,
		Description: req.Description,
		Type:        model.MilestoneType(req.Type),
		IsRecurring: req.IsRecurring,
	})
	record(h.audit, c, "milestone.add", req, m, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": m})
}

// Delete handles DELETE /api/milestones/:id.
func (h *MilestoneHandler) Delete(c *gin.Context) {
	start := time.Now()
	id, ok := paramID(c, h.logger, "id")
	if !ok {
		return
	}
	err := h.svc.Delete(c.Request.Context(), mw.Session(c), id)
	record(h.audit, c, "milestone.delete", gin.H{"id": id}, nil, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. An empty
// value yields the zero time, which the service rejects.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.New(apperr.CodeValidation, "date must be YYYY-MM-DD")
	}
	return t, nil
}

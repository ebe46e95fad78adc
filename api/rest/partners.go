package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/audit"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/partner"
	"github.com/togetherinbloom/server/session"
	"go.uber.org/zap"
)

type partnerOp func(ctx context.Context, sess session.Session, connectionID int64) (*model.PartnerConnection, error)

// PartnerHandler handles partner connection REST endpoints.
type PartnerHandler struct {
	svc    *partner.Service
	audit  *audit.Service
	logger *zap.Logger
}

// NewPartnerHandler creates a PartnerHandler. auditSvc may be nil.
func NewPartnerHandler(svc *partner.Service, auditSvc *audit.Service, logger *zap.Logger) *PartnerHandler {
	return &PartnerHandler{svc: svc, audit: auditSvc, logger: logger}
}

// List handles GET /api/partners.
func (h *PartnerHandler) List(c *gin.Context) {
	conns, err := h.svc.FetchConnections(c.Request.Context(), mw.Session(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connections":    conns,
		"active_partner": partner.ActivePartner(conns),
	})
}

// SendRequest handles POST /api/partners/requests.
func (h *PartnerHandler) SendRequest(c *gin.Context) {
	start := time.Now()
	var req struct {
		Email string `json:"email"`
	}
	if !bindJSON(c, h.logger, &req) {
		return
	}
	conn, err := h.svc.SendRequest(c.Request.Context(), mw.Session(c), req.Email)
	record(h.audit, c, "partner.request", req, conn, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"connection": conn})
}

// Accept handles POST /api/partners/:id/accept.
func (h *PartnerHandler) Accept(c *gin.Context) {
	h.respond(c, "partner.accept", h.svc.AcceptRequest)
}

// Decline handles POST /api/partners/:id/decline.
func (h *PartnerHandler) Decline(c *gin.Context) {
	h.respond(c, "partner.decline", h.svc.DeclineRequest)
}

func (h *PartnerHandler) respond(c *gin.Context, action string, op partnerOp) {
	start := time.Now()
	id, ok := paramID(c, h.logger, "id")
	if !ok {
		return
	}
	conn, err := op(c.Request.Context(), mw.Session(c), id)
	record(h.audit, c, action, gin.H{"connection_id": id}, conn, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": conn})
}

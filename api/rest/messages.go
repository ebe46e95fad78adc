package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/audit"
	"github.com/togetherinbloom/server/messaging"
	mw "github.com/togetherinbloom/server/middleware"
	"go.uber.org/zap"
)

// MessageHandler handles conversation REST endpoints.
type MessageHandler struct {
	svc    *messaging.Service
	audit  *audit.Service
	logger *zap.Logger
}

// NewMessageHandler creates a MessageHandler. auditSvc may be nil.
func NewMessageHandler(svc *messaging.Service, auditSvc *audit.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, audit: auditSvc, logger: logger}
}

// List handles GET /api/messages/:partner_id.
// Without cursor or limit the whole conversation is returned; with either
// one page is returned together with next_cursor.
func (h *MessageHandler) List(c *gin.Context) {
	partnerID, ok := paramID(c, h.logger, "partner_id")
	if !ok {
		return
	}
	sess := mw.Session(c)
	cursor, hasCursor := c.GetQuery("cursor")
	limitStr, hasLimit := c.GetQuery("limit")

	if !hasCursor && !hasLimit {
		msgs, err := h.svc.FetchMessages(c.Request.Context(), sess, partnerID)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
		return
	}

	limit := 0
	if hasLimit {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			respondError(c, h.logger, apperr.New(apperr.CodeValidation, "invalid limit"))
			return
		}
		limit = n
	}
	page, err := h.svc.FetchPage(c.Request.Context(), sess, partnerID, cursor, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type sendMessageRequest struct {
	ReceiverID int64  `json:"receiver_id" binding:"required"`
	Content    string `json:"content"`
	ClientRef  string `json:"client_ref"`
}

// Send handles POST /api/messages.
func (h *MessageHandler) Send(c *gin.Context) {
	start := time.Now()
	var req sendMessageRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	msg, err := h.svc.SendMessage(c.Request.Context(), mw.Session(c), req.ReceiverID, req.Content, req.ClientRef)
	var resp interface{}
	if msg != nil {
		resp = gin.H{"message_id": msg.ID}
	}
	record(h.audit, c, "message.send", gin.H{"receiver_id": req.ReceiverID, "client_ref": req.ClientRef}, resp, err, start)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Unread handles GET /api/messages/unread.
func (h *MessageHandler) Unread(c *gin.Context) {
	n, err := h.svc.UnreadCount(c.Request.Context(), mw.Session(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/companion"
	"go.uber.org/zap"
)

// CompanionHandler exposes the AI companion. It is unauthenticated and
// served with open CORS.
type CompanionHandler struct {
	proxy  *companion.Proxy
	logger *zap.Logger
}

// NewCompanionHandler creates a CompanionHandler.
func NewCompanionHandler(proxy *companion.Proxy, logger *zap.Logger) *CompanionHandler {
	return &CompanionHandler{proxy: proxy, logger: logger}
}

type companionRequest struct {
	Message string           `json:"message"`
	History []companion.Turn `json:"history"`
}

// Reply handles POST /api/companion.
func (h *CompanionHandler) Reply(c *gin.Context) {
	var req companionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.New(apperr.CodeValidation, "No message provided"))
		return
	}
	text, err := h.proxy.Reply(c.Request.Context(), req.Message, req.History)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": text})
}

// Package sse streams account events and announcements to browsers.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/cache"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/realtime"
	"go.uber.org/zap"
)

const keepaliveInterval = 30 * time.Second

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	presence  *realtime.Presence
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler. presence may be nil.
func NewHandler(pubsub cache.PubSub, presence *realtime.Presence, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, presence: presence, keepalive: keepaliveInterval, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>. It must run behind middleware.Auth.
// Each pub/sub message is written as one event named after its type.
func (h *Handler) ServeSSE(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	if accountID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "UNAUTHORIZED"})
		return
	}

	ctx := c.Request.Context()
	msgCh, unsub, err := h.pubsub.Subscribe(ctx, realtime.AccountChannel(accountID), realtime.AnnounceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Int64("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed", "code": "UPSTREAM"})
		return
	}
	defer unsub()

	if h.presence != nil {
		h.presence.Connect(ctx, accountID)
		// The request context is already done when the stream ends.
		defer h.presence.Disconnect(context.Background(), accountID)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"account_id\":%d}\n\n", accountID)
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventName(msg.Payload), msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-ctx.Done():
			return
		}
	}
}

// eventName extracts the envelope type, falling back to "message".
func eventName(payload string) string {
	var ev struct {
		Type string `json:"type"`
	}
	if json.Unmarshal([]byte(payload), &ev) != nil || ev.Type == "" {
		return "message"
	}
	return ev.Type
}

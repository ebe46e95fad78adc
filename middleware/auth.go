package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/config"
	"github.com/togetherinbloom/server/session"
)

const (
	AccountIDKey = "account_id"
	TokenKey     = "token"
)

// SessionKey is the cache key under which a login token is kept alive.
func SessionKey(token string) string { return "session:" + token }

// Auth validates the Bearer JWT and checks the session cache. Browsers
// cannot set headers on EventSource or WebSocket handshakes, so a ?token=
// query parameter is accepted as a fallback.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tokenStr := BearerToken(ctx)
		if tokenStr == "" {
			Abort(ctx, apperr.New(apperr.CodeUnauthorized, "missing token"))
			return
		}

		claims, err := ParseToken(tokenStr, sec.JWTSecret)
		if err != nil {
			Abort(ctx, apperr.New(apperr.CodeUnauthorized, "invalid token"))
			return
		}

		cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()
		exists, err := c.Exists(cacheCtx, SessionKey(tokenStr))
		if err != nil || !exists {
			Abort(ctx, apperr.New(apperr.CodeUnauthorized, "session expired"))
			return
		}

		ctx.Set(AccountIDKey, claims.AccountID)
		ctx.Set(TokenKey, tokenStr)
		ctx.Next()
	}
}

// BearerToken extracts the raw token from the Authorization header or the
// token query parameter.
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// GetAccountID retrieves the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) int64 {
	if v, exists := c.Get(AccountIDKey); exists {
		return v.(int64)
	}
	return 0
}

// GetToken returns the token the request authenticated with.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}

// Session builds the caller's session from the authenticated context.
func Session(c *gin.Context) session.Session {
	sess := session.Session{
		AccountID: GetAccountID(c),
		TraceID:   GetTraceID(c),
	}
	if c.Request != nil {
		sess.IP = c.ClientIP()
	}
	return sess
}

// Abort writes err as {"error","code"} with the status its code maps to.
func Abort(c *gin.Context, err error) {
	e := apperr.As(err)
	c.AbortWithStatusJSON(e.HTTPStatus(), gin.H{"error": e.Message, "code": e.Code})
}

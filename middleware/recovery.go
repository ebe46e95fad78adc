package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"go.uber.org/zap"
)

// Recovery converts a handler panic into 500 INTERNAL and logs it with the
// stack. If the handler already started writing, the response is only cut
// short.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}
			log.Error("handler panic",
				zap.Any("panic", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("route", c.FullPath()),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			Abort(c, apperr.New(apperr.CodeInternal, "internal server error"))
		}()
		c.Next()
	}
}

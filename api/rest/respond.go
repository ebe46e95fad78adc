package rest

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/audit"
	mw "github.com/togetherinbloom/server/middleware"
	"go.uber.org/zap"
)

// respondError writes err as the JSON error body. Upstream failures are
// logged with the trace id since their cause never reaches the client.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	e := apperr.As(err)
	if e.Code == apperr.CodeUpstream || e.Code == apperr.CodeConfiguration {
		logger.Error("request failed",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	_ = c.Error(err)
	mw.Abort(c, e)
}

// bindJSON decodes the request body into dst, answering 400 on failure.
func bindJSON(c *gin.Context, logger *zap.Logger, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, logger, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
		return false
	}
	return true
}

// paramID parses the named path parameter as a positive id.
func paramID(c *gin.Context, logger *zap.Logger, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, logger, apperr.New(apperr.CodeValidation, "invalid "+name))
		return 0, false
	}
	return id, true
}

// record enqueues an audit entry for a mutation. A nil service records
// nothing.
func record(svc *audit.Service, c *gin.Context, action string, req, resp interface{}, err error, start time.Time) {
	if svc == nil {
		return
	}
	entry := audit.Entry{
		TraceID:    mw.GetTraceID(c),
		Action:     action,
		Request:    req,
		Response:   resp,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if id := mw.GetAccountID(c); id > 0 {
		entry.AccountID = &id
	}
	if err != nil {
		entry.Error = apperr.As(err).Message
	}
	svc.Log(entry)
}

package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/realtime"
	"go.uber.org/zap"
)

// FrameError is the frame type sent back when a client frame fails.
const FrameError = "error"

// HandlerFunc processes a decoded client frame.
type HandlerFunc func(ctx context.Context, c *realtime.Conn, f realtime.Frame) error

// Router dispatches incoming WS frames to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers a HandlerFunc for the given frame type.
func (r *Router) On(frameType string, fn HandlerFunc) {
	r.handlers[frameType] = fn
}

// Dispatch decodes raw bytes, validates seq, and invokes the matching
// handler. Failures are answered with an error frame carrying the ref.
func (r *Router) Dispatch(c *realtime.Conn, raw []byte) {
	var f realtime.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		r.logger.Warn("malformed frame",
			zap.Int64("account_id", c.AccountID),
			zap.Error(err))
		replyError(c, "", apperr.New(apperr.CodeValidation, "malformed frame"))
		return
	}

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if f.Seq != 0 && f.Seq <= c.LastSeq {
		r.logger.Warn("replayed or out-of-order frame",
			zap.Int64("account_id", c.AccountID),
			zap.Uint64("seq", f.Seq),
			zap.Uint64("last_seq", c.LastSeq))
		return
	}
	if f.Seq != 0 {
		c.LastSeq = f.Seq
	}

	c.TraceID = uuid.NewString()
	ctx := context.WithValue(context.Background(), ctxKeyTraceID{}, c.TraceID)

	fn, ok := r.handlers[f.Type]
	if !ok {
		r.logger.Debug("unhandled frame type",
			zap.String("type", f.Type),
			zap.Int64("account_id", c.AccountID))
		replyError(c, f.Ref, apperr.New(apperr.CodeValidation, "unknown frame type"))
		return
	}

	if err := fn(ctx, c, f); err != nil {
		e := apperr.As(err)
		if e.Code == apperr.CodeUpstream || e.Code == apperr.CodeConfiguration {
			r.logger.Error("handler error",
				zap.String("type", f.Type),
				zap.Int64("account_id", c.AccountID),
				zap.String("trace_id", c.TraceID),
				zap.Error(err))
		}
		replyError(c, f.Ref, e)
	}
}

func replyError(c *realtime.Conn, ref string, err error) {
	e := apperr.As(err)
	c.Reply(FrameError, ref, map[string]string{"error": e.Message, "code": string(e.Code)})
}

type ctxKeyTraceID struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}

// Package ws serves the bidirectional realtime channel: account events and
// announcements flow out, pings and chat sends flow in.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/config"
	mw "github.com/togetherinbloom/server/middleware"
	"github.com/togetherinbloom/server/model"
	"github.com/togetherinbloom/server/realtime"
	"github.com/togetherinbloom/server/session"
	"go.uber.org/zap"
)

// Frame types understood on the socket.
const (
	FramePing        = "ping"
	FramePong        = "pong"
	FrameMessageSend = "message_send"
	FrameMessageSent = "message_sent"
)

// MessageSender stores a chat message on behalf of the connected account.
type MessageSender interface {
	SendMessage(ctx context.Context, sess session.Session, receiverID int64, content, clientRef string) (*model.Message, error)
}

// Handler is the Gin handler for GET /ws.
type Handler struct {
	pubsub   cache.PubSub
	hub      *realtime.Hub
	messages MessageSender
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(ps cache.PubSub, hub *realtime.Hub, messages MessageSender, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	h := &Handler{
		pubsub:   ps,
		hub:      hub,
		messages: messages,
		router:   NewRouter(logger),
		logger:   logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return slices.Contains(allowed, r.Header.Get("Origin"))
		},
	}
	h.router.On(FramePing, h.handlePing)
	h.router.On(FrameMessageSend, h.handleMessageSend)
	return h
}

// ServeWS handles GET /ws?token=<jwt>. It must run behind middleware.Auth.
func (h *Handler) ServeWS(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	if accountID == 0 {
		mw.Abort(c, apperr.ErrUnauthorized)
		return
	}

	// Subscribe before upgrading so a pub/sub outage is still a plain HTTP error.
	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsub, err := h.pubsub.Subscribe(subCtx, realtime.AccountChannel(accountID), realtime.AnnounceChannel)
	if err != nil {
		h.logger.Error("ws subscribe failed", zap.Int64("account_id", accountID), zap.Error(err))
		mw.Abort(c, apperr.Wrap(apperr.CodeUpstream, "subscribe failed", err))
		return
	}
	defer unsub()

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConn(accountID, ws, h.logger)
	h.hub.Register(subCtx, conn)
	defer h.hub.Unregister(context.Background(), conn)
	defer conn.Close()

	go h.forward(conn, events)
	h.readPump(conn)
}

// forward relays pub/sub payloads to the socket until it closes.
func (h *Handler) forward(conn *realtime.Conn, events <-chan *cache.Message) {
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			conn.SendRaw([]byte(msg.Payload))
		case <-conn.Done():
			return
		}
	}
}

// readPump reads frames from the connection and dispatches them. It returns
// when the peer goes away or the connection is closed locally.
func (h *Handler) readPump(conn *realtime.Conn) {
	conn.SetReadDeadline()
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("account_id", conn.AccountID),
					zap.Error(err))
			}
			return
		}
		if conn.IsClosed() {
			return
		}
		h.router.Dispatch(conn, raw)
	}
}

func (h *Handler) handlePing(_ context.Context, c *realtime.Conn, f realtime.Frame) error {
	c.Reply(FramePong, f.Ref, nil)
	return nil
}

type messageSendPayload struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	ClientRef  string `json:"client_ref"`
}

func (h *Handler) handleMessageSend(ctx context.Context, c *realtime.Conn, f realtime.Frame) error {
	var p messageSendPayload
	if len(f.Payload) == 0 || json.Unmarshal(f.Payload, &p) != nil {
		return apperr.New(apperr.CodeValidation, "invalid message payload")
	}
	if p.ReceiverID <= 0 {
		return apperr.New(apperr.CodeValidation, "receiver_id is required")
	}
	sess := session.Session{AccountID: c.AccountID, TraceID: TraceIDFromCtx(ctx)}
	msg, err := h.messages.SendMessage(ctx, sess, p.ReceiverID, p.Content, p.ClientRef)
	if err != nil {
		return err
	}
	c.Reply(FrameMessageSent, f.Ref, msg)
	return nil
}

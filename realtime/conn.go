package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 64
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
)

// Frame is the WebSocket envelope for client→server traffic and replies.
type Frame struct {
	Seq     uint64          `json:"seq,omitempty"`
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one account's WebSocket connection with its own write goroutine.
type Conn struct {
	AccountID int64
	TraceID   string
	// LastSeq is the highest client seq seen. Only the read loop touches it.
	LastSeq uint64

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewConn wraps ws and starts its write pump.
func NewConn(accountID int64, ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		AccountID: accountID,
		ws:        ws,
		send:      make(chan []byte, sendChanBuf),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go c.writePump()
	return c
}

// writePump drains the send queue and pings periodically so dead peers are
// detected by the read deadline.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws write error",
					zap.Int64("account_id", c.AccountID),
					zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// SendRaw queues pre-encoded data. Drops when the queue is full or the
// connection is closed.
func (c *Conn) SendRaw(data []byte) {
	if c.IsClosed() {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("send queue full, dropping frame",
			zap.Int64("account_id", c.AccountID))
	}
}

// Reply sends a frame answering the client frame with the given ref.
func (c *Conn) Reply(frameType, ref string, payload any) {
	f := Frame{Type: frameType, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
			return
		}
		f.Payload = raw
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.SendRaw(data)
}

// ReadFrame blocks for the next client frame and extends the read deadline.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.SetReadDeadline()
	return raw, nil
}

// SetReadDeadline arms the read deadline and keeps it fresh on pongs.
func (c *Conn) SetReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})
}

// Close signals the write pump to shut down. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/realtime"
	"go.uber.org/zap"
)

func nop() *zap.Logger { return zap.NewNop() }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newConnPair returns a server-side Conn for accountID and the client
// socket on the other end.
func newConnPair(t *testing.T, accountID int64) (*realtime.Conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *realtime.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- realtime.NewConn(accountID, ws, nop())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	conn := <-connCh
	t.Cleanup(func() {
		conn.Close()
		client.Close()
	})
	return conn, client
}

func makeFrame(t *testing.T, seq uint64, frameType, ref string, payload any) []byte {
	t.Helper()
	f := realtime.Frame{Seq: seq, Type: frameType, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		f.Payload = raw
	}
	b, err := json.Marshal(f)
	require.NoError(t, err)
	return b
}

// readFrame reads the next text frame from the client socket.
func readFrame(t *testing.T, client *websocket.Conn) realtime.Frame {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var f realtime.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, client *websocket.Conn, frameType string) realtime.Frame {
	t.Helper()
	for range 10 {
		if f := readFrame(t, client); f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %q frame received", frameType)
	return realtime.Frame{}
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeError(t *testing.T, f realtime.Frame) errorPayload {
	t.Helper()
	require.Equal(t, FrameError, f.Type)
	var p errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

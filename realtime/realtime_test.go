package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/config"
	"go.uber.org/zap"
)

func nop() *zap.Logger { return zap.NewNop() }

func newPubSub(t *testing.T) cache.PubSub {
	t.Helper()
	_, ps, err := cache.Open(config.CacheConfig{LocalPubSubBuf: 16})
	require.NoError(t, err)
	return ps
}

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	c, _, err := cache.Open(config.CacheConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, ch <-chan *cache.Message) Event {
	t.Helper()
	select {
	case msg := <-ch:
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestPublisher_NotifyEachAccountOnce(t *testing.T) {
	ps := newPubSub(t)
	ctx := context.Background()

	ch1, unsub1, err := ps.Subscribe(ctx, AccountChannel(1))
	require.NoError(t, err)
	defer unsub1()
	ch2, unsub2, err := ps.Subscribe(ctx, AccountChannel(2))
	require.NoError(t, err)
	defer unsub2()

	p := NewPublisher(ps, nop())
	p.Notify(ctx, EventMessageCreated, map[string]int64{"id": 9}, 1, 2, 2)

	ev := recv(t, ch1)
	assert.Equal(t, EventMessageCreated, ev.Type)
	assert.JSONEq(t, `{"id":9}`, string(ev.Payload))
	assert.False(t, ev.At.IsZero())

	recv(t, ch2)
	select {
	case <-ch2:
		t.Fatal("duplicate account received the event twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisher_Announce(t *testing.T) {
	ps := newPubSub(t)
	ctx := context.Background()
	ch, unsub, err := ps.Subscribe(ctx, AnnounceChannel)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, NewPublisher(ps, nop()).Announce(ctx, "maintenance at noon"))
	ev := recv(t, ch)
	assert.Equal(t, EventAnnounce, ev.Type)
	assert.Contains(t, string(ev.Payload), "maintenance at noon")
}

func TestPresence_RefCounted(t *testing.T) {
	ctx := context.Background()
	p := NewPresence(newCache(t), nop())

	p.Connect(ctx, 5)
	p.Connect(ctx, 5)
	assert.True(t, p.Online(ctx, 5)[5])

	p.Disconnect(ctx, 5)
	assert.True(t, p.Online(ctx, 5)[5], "still one stream open")

	p.Disconnect(ctx, 5)
	online := p.Online(ctx, 5, 6)
	assert.False(t, online[5])
	assert.False(t, online[6])
	assert.Equal(t, 0, p.Count(ctx))
}

// dialHub starts a server that registers each upgraded connection on hub
// and returns the client side.
func dialHub(t *testing.T, hub *Hub, accountID int64) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(accountID, ws, nop())
		hub.Register(r.Context(), c)
		go func() {
			defer hub.Unregister(context.Background(), c)
			defer c.Close()
			c.SetReadDeadline()
			for {
				raw, err := c.ReadFrame()
				if err != nil {
					return
				}
				c.Reply("echo", "r1", json.RawMessage(raw))
			}
		}()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHub_RegisterSendAndEcho(t *testing.T) {
	presence := NewPresence(newCache(t), nop())
	hub := NewHub(presence, nop())
	client := dialHub(t, hub, 11)

	require.Eventually(t, func() bool { return hub.IsOnline(11) }, time.Second, 10*time.Millisecond)
	assert.True(t, presence.Online(context.Background(), 11)[11])
	assert.Equal(t, 1, hub.Count())

	hub.SendToAccount(11, []byte(`{"type":"announce"}`))
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"announce"}`, string(data))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_, data, err = client.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, "echo", f.Type)
	assert.Equal(t, "r1", f.Ref)
}

func TestHub_CloseAllUnregisters(t *testing.T) {
	presence := NewPresence(newCache(t), nop())
	hub := NewHub(presence, nop())
	dialHub(t, hub, 12)
	require.Eventually(t, func() bool { return hub.IsOnline(12) }, time.Second, 10*time.Millisecond)

	hub.CloseAll(2 * time.Second)
	assert.Equal(t, 0, hub.Count())
	assert.False(t, presence.Online(context.Background(), 12)[12])
}

func TestHub_UnregisterUnknownIsNoop(t *testing.T) {
	hub := NewHub(nil, nop())
	hub.Unregister(context.Background(), &Conn{AccountID: 3})
	assert.Equal(t, 0, hub.Count())
}

func TestHub_KickClosesOnlyThatAccount(t *testing.T) {
	hub := NewHub(nil, nop())
	dialHub(t, hub, 21)
	dialHub(t, hub, 22)
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, hub.Kick(21))
	require.Eventually(t, func() bool { return !hub.IsOnline(21) }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hub.IsOnline(22))
	assert.Zero(t, hub.Kick(0))
}

package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub is the registry of WebSocket connections on this process. One account
// may hold several connections (tabs, devices).
type Hub struct {
	mu       sync.RWMutex
	conns    map[int64]map[*Conn]struct{}
	presence *Presence
	logger   *zap.Logger
}

// NewHub creates a Hub. presence may be nil.
func NewHub(presence *Presence, logger *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[int64]map[*Conn]struct{}),
		presence: presence,
		logger:   logger,
	}
}

// Register adds c and marks its account online.
func (h *Hub) Register(ctx context.Context, c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.AccountID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.AccountID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if h.presence != nil {
		h.presence.Connect(ctx, c.AccountID)
	}
	h.logger.Info("ws connection registered", zap.Int64("account_id", c.AccountID))
}

// Unregister removes c. Unknown connections are ignored.
func (h *Hub) Unregister(ctx context.Context, c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.AccountID]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.AccountID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.presence != nil {
		h.presence.Disconnect(ctx, c.AccountID)
	}
	h.logger.Info("ws connection unregistered", zap.Int64("account_id", c.AccountID))
}

// IsOnline reports whether the account has a connection on this process.
func (h *Hub) IsOnline(accountID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[accountID]) > 0
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// SendToAccount queues data on every connection of the account.
func (h *Hub) SendToAccount(accountID int64, data []byte) {
	for _, c := range h.snapshot(accountID) {
		c.SendRaw(data)
	}
}

// Kick closes every connection of accountID and returns how many there were.
func (h *Hub) Kick(accountID int64) int {
	if accountID <= 0 {
		return 0
	}
	conns := h.snapshot(accountID)
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// CloseAll closes every connection and waits up to timeout for them to
// unregister.
func (h *Hub) CloseAll(timeout time.Duration) {
	all := h.snapshot(0)
	h.logger.Info("closing all ws connections", zap.Int("count", len(all)))
	for _, c := range all {
		c.Close()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// snapshot returns the connections of accountID, or of everyone when 0.
func (h *Hub) snapshot(accountID int64) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Conn
	for id, set := range h.conns {
		if accountID != 0 && id != accountID {
			continue
		}
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

package realtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/togetherinbloom/server/cache"
	"go.uber.org/zap"
)

const presenceKey = "presence:online"

// Presence tracks online accounts in the shared cache set. A local
// reference count per account lets several streams (SSE tabs, WebSocket
// connections) share one membership; the account leaves the set when its
// last stream on this process closes.
type Presence struct {
	c      cache.Cache
	logger *zap.Logger

	mu     sync.Mutex
	counts map[int64]int
}

// NewPresence creates a Presence over c.
func NewPresence(c cache.Cache, logger *zap.Logger) *Presence {
	return &Presence{c: c, logger: logger, counts: make(map[int64]int)}
}

// Connect records one more open stream for accountID.
func (p *Presence) Connect(ctx context.Context, accountID int64) {
	p.mu.Lock()
	p.counts[accountID]++
	first := p.counts[accountID] == 1
	p.mu.Unlock()

	if first {
		if err := p.c.SAdd(ctx, presenceKey, member(accountID)); err != nil {
			p.logger.Warn("presence add", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}
}

// Disconnect releases one stream for accountID.
func (p *Presence) Disconnect(ctx context.Context, accountID int64) {
	p.mu.Lock()
	n := p.counts[accountID] - 1
	if n <= 0 {
		delete(p.counts, accountID)
	} else {
		p.counts[accountID] = n
	}
	p.mu.Unlock()

	if n <= 0 {
		if err := p.c.SRem(ctx, presenceKey, member(accountID)); err != nil {
			p.logger.Warn("presence remove", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}
}

// Online reports which of ids are currently connected. Lookup errors are
// treated as offline.
func (p *Presence) Online(ctx context.Context, ids ...int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out
	}
	members, err := p.c.SMembers(ctx, presenceKey)
	if err != nil {
		p.logger.Warn("presence lookup", zap.Error(err))
		return out
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	for _, id := range ids {
		out[id] = set[member(id)]
	}
	return out
}

// Count returns the number of accounts online across all processes.
func (p *Presence) Count(ctx context.Context) int {
	members, err := p.c.SMembers(ctx, presenceKey)
	if err != nil {
		return 0
	}
	return len(members)
}

func member(id int64) string { return strconv.FormatInt(id, 10) }

// Package realtime fans account events out to connected clients over the
// cache pub/sub and tracks which accounts are online.
package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/togetherinbloom/server/cache"
	"go.uber.org/zap"
)

// Event types pushed to clients.
const (
	EventPartnerRequested  = "partner.requested"
	EventPartnerAccepted   = "partner.accepted"
	EventPartnerDeclined   = "partner.declined"
	EventMessageCreated    = "message.created"
	EventMilestoneReminder = "milestone.reminder"
	EventAnnounce          = "announce"
)

// AnnounceChannel carries system-wide announcements.
const AnnounceChannel = "announce"

// Event is the envelope delivered on an account channel and forwarded
// verbatim to SSE and WebSocket clients.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// AccountChannel is the pub/sub channel for one account's events.
func AccountChannel(accountID int64) string {
	return "account:" + strconv.FormatInt(accountID, 10)
}

// Notifier pushes events to accounts. Delivery is best effort: failures are
// logged by the implementation and never fail the calling operation.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload any, accountIDs ...int64)
}

// Publisher is the pub/sub backed Notifier.
type Publisher struct {
	ps     cache.PubSub
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher on ps.
func NewPublisher(ps cache.PubSub, logger *zap.Logger) *Publisher {
	return &Publisher{ps: ps, logger: logger, now: time.Now}
}

// Notify encodes payload once and publishes it on each account's channel.
// Duplicate account IDs receive the event once.
func (p *Publisher) Notify(ctx context.Context, eventType string, payload any, accountIDs ...int64) {
	data, err := p.encode(eventType, payload)
	if err != nil {
		p.logger.Error("encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	seen := make(map[int64]bool, len(accountIDs))
	for _, id := range accountIDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		if err := p.ps.Publish(ctx, AccountChannel(id), data); err != nil {
			p.logger.Warn("publish event",
				zap.String("type", eventType),
				zap.Int64("account_id", id),
				zap.Error(err))
		}
	}
}

// Announce publishes a system announcement to every connected client.
func (p *Publisher) Announce(ctx context.Context, message string) error {
	data, err := p.encode(EventAnnounce, map[string]string{"message": message})
	if err != nil {
		return err
	}
	return p.ps.Publish(ctx, AnnounceChannel, data)
}

func (p *Publisher) encode(eventType string, payload any) (string, error) {
	ev := Event{Type: eventType, At: p.now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		ev.Payload = raw
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Discard is a Notifier that drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, string, any, ...int64) {}

// Package cache holds the short-lived shared state of the server: session
// tokens, the presence set, reminder claims and the pub/sub bus that carries
// realtime events between processes.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/togetherinbloom/server/config"
)

// ErrNotFound is returned by Get when the key is missing or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the key/value and set surface shared by the memory and Redis
// backends.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	Close() error
}

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// PubSub fans published payloads out to every current subscriber of a
// channel. Delivery is best effort: a subscriber that falls behind loses
// messages rather than blocking the publisher.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns the message stream and a func that ends the
	// subscription and closes the stream.
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

const defaultBuffer = 256

// Open builds the Cache and PubSub described by cfg. When cfg.RedisAddr is
// set both share one Redis client and Cache.Close releases it; otherwise
// both live in process memory.
func Open(cfg config.CacheConfig) (Cache, PubSub, error) {
	if cfg.RedisAddr != "" {
		r, err := dialRedis(cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
	buf := cfg.LocalPubSubBuf
	if buf <= 0 {
		buf = defaultBuffer
	}
	return newMemStore(cfg.LocalGCInterval), newMemBus(buf), nil
}

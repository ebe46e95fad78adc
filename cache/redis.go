package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/togetherinbloom/server/config"
)

// redisBackend serves both Cache and PubSub from one client so that every
// process in a deployment sees the same sessions, presence and events.
type redisBackend struct {
	client *goredis.Client
	buf    int
}

func dialRedis(cfg config.CacheConfig) (*redisBackend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	buf := cfg.LocalPubSubBuf
	if buf <= 0 {
		buf = defaultBuffer
	}
	return &redisBackend{client: client, buf: buf}, nil
}

func (r *redisBackend) Close() error { return r.client.Close() }

func (r *redisBackend) Get(ctx context.Context, key string) (string, error) {
	s, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return s, err
}

func (r *redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *redisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, key, anySlice(members)...).Err()
}

func (r *redisBackend) SRem(ctx context.Context, key string, members ...string) error {
	return r.client.SRem(ctx, key, anySlice(members)...).Err()
}

func (r *redisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *redisBackend) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *redisBackend) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for Redis to confirm the subscription so a broken
// connection surfaces here instead of as a silent, empty stream.
func (r *redisBackend) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan *Message, r.buf)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
			default:
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(func() { _ = ps.Close() }) }, nil
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

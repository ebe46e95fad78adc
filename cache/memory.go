package cache

import (
	"context"
	"sync"
	"time"
)

// memValue is a string value with an optional deadline. A zero deadline
// never expires.
type memValue struct {
	s        string
	deadline time.Time
}

func (v memValue) live(now time.Time) bool {
	return v.deadline.IsZero() || now.Before(v.deadline)
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// memStore is the single-process Cache. Expired values are hidden on read
// and removed by a periodic sweep.
type memStore struct {
	mu     sync.Mutex
	values map[string]memValue
	sets   map[string]map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func newMemStore(sweep time.Duration) *memStore {
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	m := &memStore{
		values: make(map[string]memValue),
		sets:   make(map[string]map[string]struct{}),
		stop:   make(chan struct{}),
	}
	go m.sweepLoop(sweep)
	return m
}

func (m *memStore) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.mu.Lock()
			for k, v := range m.values {
				if !v.live(now) {
					delete(m.values, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *memStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// lookup must be called with mu held.
func (m *memStore) lookup(key string) (memValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memValue{}, false
	}
	if !v.live(time.Now()) {
		delete(m.values, key)
		return memValue{}, false
	}
	return v, true
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.s, nil
}

func (m *memStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	m.values[key] = memValue{s: value, deadline: deadline(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *memStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return true, nil
	}
	return len(m.sets[key]) > 0, nil
}

func (m *memStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.values[key] = memValue{s: value, deadline: deadline(ttl)}
	return true, nil
}

func (m *memStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	if set == nil {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *memStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, mem := range members {
		delete(set, mem)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *memStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *memStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

// memBus is the single-process PubSub.
type memBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memSub]struct{}
	buf  int
}

type memSub struct {
	ch       chan *Message
	channels []string
}

func newMemBus(buf int) *memBus {
	return &memBus{subs: make(map[string]map[*memSub]struct{}), buf: buf}
}

// Publish holds the read lock for the whole fan-out so a concurrent
// unsubscribe cannot close a stream mid-send.
func (b *memBus) Publish(_ context.Context, channel, payload string) error {
	msg := &Message{Channel: channel, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channels ...string) (<-chan *Message, func(), error) {
	s := &memSub{ch: make(chan *Message, b.buf), channels: channels}
	b.mu.Lock()
	for _, c := range channels {
		if b.subs[c] == nil {
			b.subs[c] = make(map[*memSub]struct{})
		}
		b.subs[c][s] = struct{}{}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, c := range s.channels {
				delete(b.subs[c], s)
				if len(b.subs[c]) == 0 {
					delete(b.subs, c)
				}
			}
			close(s.ch)
		})
	}
	return s.ch, cancel, nil
}

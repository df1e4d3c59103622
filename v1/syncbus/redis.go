package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	redisChannel    = "warplock:release:"
)

// RedisBus implements Bus using Redis pub/sub. One Redis subscription is
// opened per key and shared by all local subscribers of that key.
type RedisBus struct {
	client *redis.Client
	f      *fanout

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, f: newFanout(), subs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisChannel+key, "1").Err(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return warperrors.FromContext(err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(key)
	if first {
		ps := b.client.Subscribe(ctx, redisChannel+key)
		// Wait for the confirmation so no publish is missed after we return.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.f.remove(key, ch)
			return nil, warperrors.FromContext(err)
		}
		b.subs[key] = ps
		go b.dispatch(key, ps.Channel())
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, msgs <-chan *redis.Message) {
	for range msgs {
		b.f.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(key, ch); !last {
		return nil
	}
	ps := b.subs[key]
	delete(b.subs, key)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close ends every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.f.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}

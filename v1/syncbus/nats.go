package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

const natsSubject = "warplock.release."

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn
	f    *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, f: newFanout(), subs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(natsSubject+key, []byte("1")); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(key)
	if first {
		sub, err := b.conn.Subscribe(natsSubject+key, func(_ *nats.Msg) {
			b.f.deliver(key)
		})
		if err == nil {
			// Make sure the server knows about the interest before returning.
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.f.remove(key, ch)
			return nil, err
		}
		b.subs[key] = sub
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(key, ch); !last {
		return nil
	}
	sub := b.subs[key]
	delete(b.subs, key)
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}

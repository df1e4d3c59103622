// Package syncbus carries release notifications between lock coordinators.
// A notification only tells waiters that a key is worth retrying now; it never
// grants ownership, so a lost or duplicated event costs at most one poll
// interval.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by lock name.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel signalled on every Publish for key. The
	// subscription ends, closing the channel, when ctx is done or Unsubscribe
	// is called.
	Subscribe(ctx context.Context, key string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error
}

// Metrics reports bus throughput.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout tracks local subscriber channels per key. It is shared by every Bus
// implementation.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new channel and reports whether it is the first one for key.
func (f *fanout) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove drops ch and reports whether key has no subscribers left. It returns
// false, false when ch was not registered.
func (f *fanout) remove(key string, ch <-chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if !found {
		return false, false
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return true, true
	}
	f.subs[key] = subs
	return true, false
}

// deliver signals every subscriber of key without blocking. A subscriber that
// has not drained its previous signal already has one pending.
func (f *fanout) deliver(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, key)
	}
	f.mu.Unlock()
}

func (f *fanout) metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone ends the subscription once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch <-chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a process local Bus, used for standalone mode and tests.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.f.published.Add(1)
	b.f.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	ch, _ := b.f.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}

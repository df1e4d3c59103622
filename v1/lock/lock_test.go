package lock

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/store"
)

const testPoll = 10 * time.Millisecond

// countingStore wraps a store.Client and counts round trips.
type countingStore struct {
	store.Client
	setnx   atomic.Int64
	watches atomic.Int64
}

func (s *countingStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	s.setnx.Add(1)
	return s.Client.SetIfAbsent(ctx, key, value)
}

func (s *countingStore) Watch(ctx context.Context, key string, fn func(store.View) error) error {
	s.watches.Add(1)
	return s.Client.Watch(ctx, key, fn)
}

func (s *countingStore) calls() int64 {
	return s.setnx.Load() + s.watches.Load()
}

// interferingStore runs meddle between the watched read and the callback,
// simulating a competitor that writes the key in that window.
type interferingStore struct {
	store.Client
	meddle func(key string)
}

func (s *interferingStore) Watch(ctx context.Context, key string, fn func(store.View) error) error {
	return s.Client.Watch(ctx, key, func(v store.View) error {
		if s.meddle != nil {
			s.meddle(key)
		}
		return fn(v)
	})
}

// syncBuffer is a bytes.Buffer safe for loggers written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func newMemoryCoordinator(t *testing.T, opts ...Option) (*Coordinator, *store.InMemory, *syncBuffer) {
	t.Helper()
	mem := store.NewInMemory()
	logger, buf := newTestLogger()
	opts = append([]Option{WithPollInterval(testPoll), WithLogger(logger)}, opts...)
	return New(mem, opts...), mem, buf
}

func seed(t *testing.T, mem *store.InMemory, key string, expiry int64) {
	t.Helper()
	if err := mem.Set(context.Background(), key, encodeExpiry(expiry)); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func stored(t *testing.T, c store.Client, key string) int64 {
	t.Helper()
	data, found, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	v, err := decodeExpiry(key, data, found)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

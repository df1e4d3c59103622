package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryBus
	err   error
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, key string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.InMemoryBus.Publish(ctx, key)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(fb, 2, timeout)
	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	fb.err = failErr
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fb.calls != 2 {
		t.Fatalf("open circuit must not reach the bus, calls %d", fb.calls)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	// Half-open probe fails and reopens the circuit.
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected reopened circuit, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	fb.err = nil
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

func TestCircuitBreakerPassesSubscriptions(t *testing.T) {
	cb := NewCircuitBreaker(NewInMemoryBus(), 1, time.Second)
	runBusSuite(t, cb)
}

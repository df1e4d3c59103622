package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client
}

func TestRedisBus(t *testing.T) {
	bus, _ := newRedisBus(t)
	runBusSuite(t, bus)
}

func TestRedisBusAcrossClients(t *testing.T) {
	bus1, client := newRedisBus(t)
	other := redis.NewClient(&redis.Options{Addr: client.Options().Addr})
	defer other.Close()
	bus2 := NewRedisBus(other)
	defer bus2.Close()

	ctx := context.Background()
	ch, err := bus1.Subscribe(ctx, "job:1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus2.Publish(ctx, "job:1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("notification did not cross clients")
	}
	if m := bus2.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
	if m := bus1.Metrics(); m.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", m.Delivered)
	}
}

func TestRedisBusPublishClosedClient(t *testing.T) {
	bus, client := newRedisBus(t)
	_ = client.Close()
	if err := bus.Publish(context.Background(), "k"); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

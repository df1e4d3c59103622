package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

func newRedisCoordinator(t *testing.T, opts ...Option) (*Coordinator, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	opts = append([]Option{WithPollInterval(testPoll)}, opts...)
	return New(store.NewRedis(client), opts...), mr, client
}

func TestRedisAcquireRelease(t *testing.T) {
	c, mr, _ := newRedisCoordinator(t)
	out, err := c.Acquire("job:1", time.Second, 10*time.Second)
	if err != nil || out.Result != Acquired {
		t.Fatalf("acquire: %+v err %v", out, err)
	}
	raw, err := mr.Get("job:1")
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	if got := []byte(raw); len(got) != 8 || string(got) != string(encodeExpiry(out.Expiry)) {
		t.Fatalf("expected 8 big-endian bytes of %d, got %x", out.Expiry, got)
	}
	if mr.TTL("job:1") != 0 {
		t.Fatal("lock key must not carry a store TTL")
	}

	if again, _ := c.Acquire("job:1", 30*time.Millisecond, 10*time.Second); again.Held() {
		t.Fatal("lock acquired twice")
	}
	ok, err := c.Release("job:1", out.Expiry)
	if err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if mr.Exists("job:1") {
		t.Fatal("key should be deleted")
	}
}

func TestRedisRecoversZombie(t *testing.T) {
	c, mr, _ := newRedisCoordinator(t)
	stale := time.Now().Add(-time.Hour).Unix()
	if err := mr.Set("job:1", string(encodeExpiry(stale))); err != nil {
		t.Fatalf("seed: %v", err)
	}
	out, err := c.Acquire("job:1", time.Second, 10*time.Second)
	if err != nil || out.Result != Recovered {
		t.Fatalf("expected Recovered, got %+v err %v", out, err)
	}
	raw, _ := mr.Get("job:1")
	if string(raw) != string(encodeExpiry(out.Expiry)) {
		t.Fatalf("store not updated with the new expiry")
	}
}

func TestRedisConcurrentZombieRecovery(t *testing.T) {
	_, mr, client := newRedisCoordinator(t)
	stale := time.Now().Add(-time.Hour).Unix()
	if err := mr.Set("job:1", string(encodeExpiry(stale))); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 8
	var recovered, held atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		c := New(store.NewRedis(client), WithPollInterval(testPoll))
		g.Go(func() error {
			out, err := c.Acquire("job:1", 200*time.Millisecond, time.Minute)
			if err != nil {
				return err
			}
			if out.Held() {
				held.Add(1)
			}
			if out.Result == Recovered {
				recovered.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if recovered.Load() != 1 || held.Load() != 1 {
		t.Fatalf("expected exactly one owner, got %d recovered %d held", recovered.Load(), held.Load())
	}
}

func TestRedisMutualExclusion(t *testing.T) {
	_, _, client := newRedisCoordinator(t)
	bus := syncbus.NewRedisBus(client)
	defer bus.Close()

	const workers, rounds = 6, 5
	var inside, maxInside, done atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		c := New(store.NewRedis(client), WithPollInterval(testPoll), WithBus(bus))
		id := i
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				err := c.WithLock(ctx, "shared", 10*time.Second, 10*time.Second, func(context.Context, *Handle) error {
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					done.Add(1)
					return nil
				})
				if err != nil {
					return fmt.Errorf("worker %d round %d: %w", id, r, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if maxInside.Load() != 1 {
		t.Fatalf("critical section entered by %d holders at once", maxInside.Load())
	}
	if done.Load() != workers*rounds {
		t.Fatalf("expected %d critical sections, got %d", workers*rounds, done.Load())
	}
}

package presets

import (
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Coordinator storing leases in Redis and using Redis
// Pub/Sub to wake waiters as soon as a lock is released.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) *lock.Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewCircuitBreaker(syncbus.NewRedisBus(client), breakerThreshold, breakerCooldown)
	lockOpts = append([]lock.Option{lock.WithBus(bus)}, lockOpts...)
	return lock.New(store.NewRedis(client), lockOpts...)
}

// NewRedisNATS creates a Coordinator storing leases in Redis while release
// notifications travel over an existing NATS connection.
func NewRedisNATS(opts RedisOptions, conn *nats.Conn, lockOpts ...lock.Option) *lock.Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerCooldown)
	lockOpts = append([]lock.Option{lock.WithBus(bus)}, lockOpts...)
	return lock.New(store.NewRedis(client), lockOpts...)
}

// NewEtcd creates a Coordinator storing leases in etcd under prefix. Waiters
// rely on polling only.
func NewEtcd(cfg clientv3.Config, prefix string, lockOpts ...lock.Option) (*lock.Coordinator, error) {
	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, err
	}
	return lock.New(store.NewEtcd(client, store.WithPrefix(prefix)), lockOpts...), nil
}

// NewInMemoryStandalone creates a Coordinator that runs entirely in-memory
// with no external dependencies. Locks are only shared within the process.
func NewInMemoryStandalone(lockOpts ...lock.Option) *lock.Coordinator {
	lockOpts = append([]lock.Option{lock.WithBus(syncbus.NewInMemoryBus())}, lockOpts...)
	return lock.New(store.NewInMemory(), lockOpts...)
}

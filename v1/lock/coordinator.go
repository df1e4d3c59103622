package lock

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

// DefaultPollInterval is the delay between attempts while a lock is held
// elsewhere.
const DefaultPollInterval = 200 * time.Millisecond

const tracerName = "github.com/mirkobrombin/go-warplock/v1/lock"

// Locker is the blocking lock API. Calls run on the caller's goroutine until
// the acquisition timeout elapses and cannot be cancelled.
type Locker interface {
	Acquire(key string, wait, lease time.Duration) (Outcome, error)
	Release(key string, expiry int64) (bool, error)
}

// ContextLocker is the cancellable lock API. Cancellation is observed between
// store round trips and during waits, never in the middle of a store command.
type ContextLocker interface {
	AcquireContext(ctx context.Context, key string, wait, lease time.Duration) (Outcome, error)
	ReleaseContext(ctx context.Context, key string, expiry int64) (bool, error)
}

var (
	_ Locker        = (*Coordinator)(nil)
	_ ContextLocker = (*Coordinator)(nil)
)

// Coordinator acquires and releases leases stored in a store.Client. It keeps
// no per-lock state, so a single Coordinator can be shared freely.
type Coordinator struct {
	store  store.Client
	bus    syncbus.Bus
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	poll   time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPollInterval sets the delay between attempts on a contended key.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithLogger sets the logger used for ownership diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the wall clock used to compute and judge lease expiries.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBus publishes a notification on every successful release and lets
// waiters on the same key retry as soon as one arrives.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithTracerProvider sets the provider used for lock spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns a Coordinator storing leases in client.
func New(client store.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  client,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire tries to take the lock on key for lease, polling for up to wait
// while someone else holds it. An empty key is never acquired and causes no
// store traffic. Contention is not an error: a busy lock yields NotAcquired.
func (c *Coordinator) Acquire(key string, wait, lease time.Duration) (Outcome, error) {
	return c.acquire(context.Background(), key, wait, lease)
}

// AcquireContext is Acquire with cancellation. A cancelled call returns
// NotAcquired together with ctx.Err(), unless a store write granting the lock
// had already completed, in which case the lock is reported as held.
func (c *Coordinator) AcquireContext(ctx context.Context, key string, wait, lease time.Duration) (Outcome, error) {
	return c.acquire(ctx, key, wait, lease)
}

func (c *Coordinator) acquire(ctx context.Context, key string, wait, lease time.Duration) (Outcome, error) {
	if key == "" {
		return Outcome{}, nil
	}
	ctx, span := c.tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.wait_ms", wait.Milliseconds()),
		attribute.Int64("lock.lease_ms", lease.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	out, err := c.contend(ctx, key, wait, lease)
	metrics.AcquireWait.Observe(time.Since(start).Seconds())
	metrics.AcquireCounter.WithLabelValues(out.Result.String()).Inc()

	span.SetAttributes(
		attribute.String("lock.result", out.Result.String()),
		attribute.Int64("lock.expiry", out.Expiry),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// contend runs the acquisition state machine: a fast SETNX, then one poll
// interval per round of SETNX plus zombie check until wait has elapsed.
func (c *Coordinator) contend(ctx context.Context, key string, wait, lease time.Duration) (Outcome, error) {
	start := time.Now()
	out, err := c.trySet(ctx, key, lease)
	if err != nil || out.Held() {
		return out, err
	}

	if wait <= 0 {
		return Outcome{}, nil
	}
	wake, stop := c.subscribe(ctx, key)
	defer stop()
	for time.Since(start) < wait {
		if err := c.pause(ctx, wake); err != nil {
			return Outcome{}, err
		}
		if out, err = c.trySet(ctx, key, lease); err != nil || out.Held() {
			return out, err
		}
		if out, err = c.recoverZombie(ctx, key, lease); err != nil || out.Held() {
			return out, err
		}
	}
	return Outcome{}, nil
}

// trySet attempts SETNX with an expiry computed for the current instant.
func (c *Coordinator) trySet(ctx context.Context, key string, lease time.Duration) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	expiry := leaseExpiry(c.now(), lease)
	ok, err := c.store.SetIfAbsent(context.WithoutCancel(ctx), key, encodeExpiry(expiry))
	if err != nil || !ok {
		return Outcome{}, err
	}
	return Outcome{Result: Acquired, Expiry: expiry}, nil
}

// recoverZombie takes over a lock whose lease has lapsed. The stored value is
// read under a watch, so when several coordinators race for the same zombie
// only the first commit lands and the others see an aborted transaction.
func (c *Coordinator) recoverZombie(ctx context.Context, key string, lease time.Duration) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	sctx := context.WithoutCancel(ctx)
	var out Outcome
	err := c.store.Watch(sctx, key, func(v store.View) error {
		data, found := v.Value()
		stored, err := decodeExpiry(key, data, found)
		if err != nil {
			return err
		}
		now := c.now()
		if !lapsed(stored, now) {
			return v.Unwatch(sctx)
		}
		expiry := leaseExpiry(now, lease)
		tx := v.Begin()
		tx.Set(key, encodeExpiry(expiry))
		ok, err := tx.Commit(sctx)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Debug("warplock: zombie recovery lost to another client", "key", key)
			return nil
		}
		c.logger.Info("warplock: recovered zombie lock", "key", key, "stale_expiry", stored, "expiry", expiry)
		out = Outcome{Result: Recovered, Expiry: expiry}
		return nil
	})
	if out.Held() {
		return out, nil
	}
	return Outcome{}, err
}

// subscribe asks the bus for release notifications on key. The returned stop
// function ends the subscription.
func (c *Coordinator) subscribe(ctx context.Context, key string) (<-chan struct{}, func()) {
	if c.bus == nil {
		return nil, func() {}
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := c.bus.Subscribe(subCtx, key)
	if err != nil {
		cancel()
		c.logger.Warn("warplock: release notifications unavailable", "key", key, "error", err)
		return nil, func() {}
	}
	return ch, cancel
}

// pause waits one poll interval, returning early when a release notification
// arrives and with ctx.Err() when ctx is done.
func (c *Coordinator) pause(ctx context.Context, wake <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(c.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case _, ok := <-wake:
			if ok {
				metrics.BusEvents.WithLabelValues("woken").Inc()
				return nil
			}
			wake = nil
		}
	}
}

package lock

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

const (
	releaseSkipped   = "skipped"
	releaseDone      = "released"
	releaseStolen    = "stolen"
	releaseHarvested = "harvested"
	releaseConflict  = "conflict"
)

// Release deletes the lock on key if the store still holds the expiry the
// caller was given at acquisition. It returns false when the caller no longer
// owns the lock, which is an expected outcome rather than an error. A non
// positive expiry means the lock was never held and touches nothing.
func (c *Coordinator) Release(key string, expiry int64) (bool, error) {
	return c.release(context.Background(), key, expiry)
}

// ReleaseContext is Release with cancellation checked before the round trip.
func (c *Coordinator) ReleaseContext(ctx context.Context, key string, expiry int64) (bool, error) {
	return c.release(ctx, key, expiry)
}

func (c *Coordinator) release(ctx context.Context, key string, expiry int64) (bool, error) {
	if key == "" || expiry <= 0 {
		metrics.ReleaseCounter.WithLabelValues(releaseSkipped).Inc()
		return false, nil
	}
	ctx, span := c.tracer.Start(ctx, "lock.Release", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.expiry", expiry),
	))
	defer span.End()

	outcome, err := c.deleteOwned(ctx, key, expiry)
	span.SetAttributes(attribute.String("lock.release", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	metrics.ReleaseCounter.WithLabelValues(outcome).Inc()
	if outcome != releaseDone {
		return false, nil
	}
	c.notify(ctx, key)
	return true, nil
}

// deleteOwned performs the ownership check and the conditional delete under a
// single watch.
func (c *Coordinator) deleteOwned(ctx context.Context, key string, expiry int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sctx := context.WithoutCancel(ctx)
	var outcome string
	err := c.store.Watch(sctx, key, func(v store.View) error {
		data, found := v.Value()
		stored, err := decodeExpiry(key, data, found)
		if err != nil {
			return err
		}
		if stored != expiry {
			if stored != 0 {
				outcome = releaseStolen
				c.logger.Warn("warplock: release failed, lock was acquired by another client",
					"key", key, "expiry", expiry, "stored_expiry", stored)
			} else {
				outcome = releaseHarvested
				c.logger.Warn("warplock: release failed, lock was identified as zombie and harvested",
					"key", key, "expiry", expiry)
			}
			return v.Unwatch(sctx)
		}
		tx := v.Begin()
		tx.Delete(key)
		ok, err := tx.Commit(sctx)
		if err != nil {
			return err
		}
		if !ok {
			outcome = releaseConflict
			c.logger.Warn("warplock: release aborted, lock changed while releasing", "key", key, "expiry", expiry)
			return nil
		}
		outcome = releaseDone
		return nil
	})
	if outcome == releaseDone {
		return outcome, nil
	}
	return outcome, err
}

// notify tells waiters on other coordinators that key is free. Failures only
// cost them the rest of a poll interval.
func (c *Coordinator) notify(ctx context.Context, key string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(context.WithoutCancel(ctx), key); err != nil {
		metrics.BusEvents.WithLabelValues("publish_failed").Inc()
		c.logger.Warn("warplock: release notification failed", "key", key, "error", err)
		return
	}
	metrics.BusEvents.WithLabelValues("published").Inc()
}

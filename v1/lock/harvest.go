package lock

import (
	"context"

	"github.com/mirkobrombin/go-warplock/v1/store"
)

// Inspect reads the lock on key without taking it. It returns the stored
// expiry, 0 when the key is absent, and whether that lease has lapsed.
func (c *Coordinator) Inspect(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	data, found, err := c.store.Get(context.WithoutCancel(ctx), key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	expiry, err := decodeExpiry(key, data, found)
	if err != nil {
		return 0, false, err
	}
	return expiry, lapsed(expiry, c.now()), nil
}

// Harvest deletes the lock on key when its lease has lapsed, so the next
// acquirer gets a plain Acquired. The delete is guarded by a watch: a lock
// recovered or released in the meantime is left alone. A holder that later
// releases a harvested lock is told so.
func (c *Coordinator) Harvest(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sctx := context.WithoutCancel(ctx)
	harvested := false
	err := c.store.Watch(sctx, key, func(v store.View) error {
		data, found := v.Value()
		if !found {
			return v.Unwatch(sctx)
		}
		stored, err := decodeExpiry(key, data, found)
		if err != nil {
			return err
		}
		if !lapsed(stored, c.now()) {
			return v.Unwatch(sctx)
		}
		tx := v.Begin()
		tx.Delete(key)
		ok, err := tx.Commit(sctx)
		if err != nil || !ok {
			return err
		}
		c.logger.Info("warplock: harvested zombie lock", "key", key, "stale_expiry", stored)
		harvested = true
		return nil
	})
	if harvested {
		return true, nil
	}
	return false, err
}

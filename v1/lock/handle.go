package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned by WithLock when the lock could not be obtained
// within the acquisition timeout.
var ErrNotAcquired = errors.New("warplock: lock not acquired")

// Handle is the receipt of an acquisition. It is released exactly once, on
// Release or Close, whether or not the acquisition succeeded; releasing a
// lock that was never held is a no-op.
type Handle struct {
	coord   *Coordinator
	key     string
	outcome Outcome

	once     sync.Once
	released bool
	err      error
}

// Guard acquires key like Acquire and wraps the outcome in a Handle.
//
//	h, err := coord.Guard("job:1", 5*time.Second, 10*time.Second)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//	if !h.Held() {
//		return nil
//	}
func (c *Coordinator) Guard(key string, wait, lease time.Duration) (*Handle, error) {
	return c.GuardContext(context.Background(), key, wait, lease)
}

// GuardContext is Guard with cancellation. On error no Handle is returned and
// nothing is held.
func (c *Coordinator) GuardContext(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	out, err := c.acquire(ctx, key, wait, lease)
	if err != nil {
		return nil, err
	}
	return &Handle{coord: c, key: key, outcome: out}, nil
}

// WithLock runs fn while holding the lock on key and releases it afterwards,
// also when fn panics. fn is not called when the lock is not obtained; in
// that case ErrNotAcquired is returned. A release error is joined to fn's.
func (c *Coordinator) WithLock(ctx context.Context, key string, wait, lease time.Duration, fn func(context.Context, *Handle) error) (err error) {
	h, err := c.GuardContext(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		if _, rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	if !h.Held() {
		return ErrNotAcquired
	}
	return fn(ctx, h)
}

// Key returns the lock key.
func (h *Handle) Key() string { return h.key }

// Result returns the acquisition result.
func (h *Handle) Result() Result { return h.outcome.Result }

// Expiry returns the lease expiry in epoch seconds, or 0 when not held.
func (h *Handle) Expiry() int64 { return h.outcome.Expiry }

// ExpiresAt returns the lease expiry as a time.
func (h *Handle) ExpiresAt() time.Time { return h.outcome.ExpiresAt() }

// Held reports whether the acquisition succeeded.
func (h *Handle) Held() bool { return h.outcome.Held() }

// Release releases the lock. Only the first call reaches the store; later
// calls report false.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	first := false
	h.once.Do(func() {
		first = true
		h.released, h.err = h.coord.release(ctx, h.key, h.outcome.Expiry)
	})
	if !first {
		return false, nil
	}
	return h.released, h.err
}

// Close releases the lock and implements io.Closer.
func (h *Handle) Close() error {
	_, err := h.Release(context.Background())
	return err
}

// Package validator periodically scans lock keys for leases that have lapsed
// without being released, typically because their holder crashed.
package validator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts zombies.
	ModeNoop Mode = iota
	// ModeAlert counts zombies and logs each one.
	ModeAlert
	// ModeAutoHeal deletes zombies so the next acquirer gets a fresh lock.
	ModeAutoHeal
)

// Inspector reads and harvests individual locks. *lock.Coordinator
// implements it.
type Inspector interface {
	Inspect(ctx context.Context, key string) (int64, bool, error)
	Harvest(ctx context.Context, key string) (bool, error)
}

// Metrics reports what the validator has found so far.
type Metrics struct {
	Scanned   uint64
	Zombies   uint64
	Harvested uint64
	Errors    uint64
}

// Validator periodically scans the keys under a prefix.
type Validator struct {
	keys     store.Lister
	locks    Inspector
	mode     Mode
	interval time.Duration
	prefix   string
	logger   *slog.Logger

	scanned   atomic.Uint64
	zombies   atomic.Uint64
	harvested atomic.Uint64
	errors    atomic.Uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithPrefix restricts scans to keys starting with prefix.
func WithPrefix(prefix string) Option {
	return func(v *Validator) { v.prefix = prefix }
}

// WithLogger sets the logger used in ModeAlert and for scan errors.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// New creates a new Validator.
func New(keys store.Lister, locks Inspector, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{keys: keys, locks: locks, mode: mode, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run starts the validation loop and returns when ctx is done.
func (v *Validator) Run(ctx context.Context) {
	if v.keys == nil || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.logger.Warn("warplock: lock scan failed", "prefix", v.prefix, "error", err)
			}
		}
	}
}

// Scan performs a single pass over the keys. Errors on individual keys, such
// as values that are not lock expiries, are counted and skipped.
func (v *Validator) Scan(ctx context.Context) error {
	keys, err := v.keys.Keys(ctx, v.prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.scanned.Add(1)
		expiry, lapsed, err := v.locks.Inspect(ctx, k)
		if err != nil {
			v.fail(k, err)
			continue
		}
		if !lapsed {
			continue
		}
		v.zombies.Add(1)
		metrics.ScanCounter.WithLabelValues("zombie").Inc()
		switch v.mode {
		case ModeAlert:
			v.logger.Warn("warplock: zombie lock found", "key", k, "expiry", expiry)
		case ModeAutoHeal:
			ok, err := v.locks.Harvest(ctx, k)
			if err != nil {
				v.fail(k, err)
				continue
			}
			if ok {
				v.harvested.Add(1)
				metrics.ScanCounter.WithLabelValues("harvested").Inc()
			}
		}
	}
	return nil
}

func (v *Validator) fail(key string, err error) {
	v.errors.Add(1)
	metrics.ScanCounter.WithLabelValues("error").Inc()
	v.logger.Debug("warplock: skipping key", "key", key, "error", err)
}

// Metrics returns the counts accumulated by all scans.
func (v *Validator) Metrics() Metrics {
	return Metrics{
		Scanned:   v.scanned.Load(),
		Zombies:   v.zombies.Load(),
		Harvested: v.harvested.Load(),
		Errors:    v.errors.Load(),
	}
}

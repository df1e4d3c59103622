package store

import (
	"context"
	"time"
)

const defaultOpTimeout = 5 * time.Second

// Client is the key-value capability required by the lock coordinator.
type Client interface {
	// SetIfAbsent stores value under key only when the key does not exist.
	// It reports whether the value was written.
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// Get retrieves the value for a key.
	// The boolean return indicates whether the key was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Watch marks key for optimistic validation and reads its current value in
	// the same round trip. The watch is dropped once fn returns.
	Watch(ctx context.Context, key string, fn func(View) error) error
}

// Lister is implemented by clients that can enumerate their keys.
type Lister interface {
	// Keys returns the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// View is the state of a watched key.
type View interface {
	// Value returns the value read when the watch started.
	Value() ([]byte, bool)
	// Unwatch clears the watch. A transaction committed afterwards is no longer
	// conditional.
	Unwatch(ctx context.Context) error
	// Begin starts a transaction guarded by the watch.
	Begin() Tx
}

// Tx queues commands that are applied atomically on Commit.
type Tx interface {
	Set(key string, value []byte)
	Delete(key string)
	// Commit applies the queued commands. It returns false, applying nothing,
	// when a watched key changed after Watch.
	Commit(ctx context.Context) (bool, error)
}

// Option configures a network backed Client.
type Option func(*options)

type options struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithPrefix namespaces every key. Only Etcd honours it.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func newOptions(opts []Option) options {
	o := options{timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type opKind int

const (
	opSet opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   string
	value []byte
}

type queue struct {
	ops []op
}

func (q *queue) Set(key string, value []byte) {
	q.ops = append(q.ops, op{kind: opSet, key: key, value: append([]byte(nil), value...)})
}

func (q *queue) Delete(key string) {
	q.ops = append(q.ops, op{kind: opDelete, key: key})
}

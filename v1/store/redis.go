package store

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const scanCount = 100

// Redis implements Client using a Redis backend. Watched reads and the
// transactions that follow them share one pinned connection.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := newOptions(opts)
	return &Redis{client: client, timeout: o.timeout}
}

// SetIfAbsent implements Client.SetIfAbsent using SETNX.
func (s *Redis) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, 0).Result()
	if err != nil {
		return false, redisError(err)
	}
	return ok, nil
}

// Get implements Client.Get.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisError(err)
	}
	return data, true, nil
}

// Watch implements Client.Watch. WATCH and GET are sent as a single pipeline.
func (s *Redis) Watch(ctx context.Context, key string, fn func(View) error) error {
	if err := ctx.Err(); err != nil {
		return warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.client.Watch(cctx, func(tx *redis.Tx) error {
		var get *redis.StringCmd
		_, err := tx.Pipelined(cctx, func(p redis.Pipeliner) error {
			p.Do(cctx, "watch", key)
			get = p.Get(cctx, key)
			return nil
		})
		if err != nil && err != redis.Nil {
			return err
		}
		view := &redisView{tx: tx, timeout: s.timeout}
		data, err := get.Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			view.value, view.found = data, true
		}
		return fn(view)
	})
	if err != nil {
		return redisError(err)
	}
	return nil
}

// Keys implements Lister.Keys with SCAN. Glob characters in prefix are not
// escaped.
func (s *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var keys []string
	iter := s.client.Scan(cctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(cctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, redisError(err)
	}
	return keys, nil
}

func redisError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return warperrors.ErrConnectionClosed
	}
	return err
}

type redisView struct {
	tx      *redis.Tx
	timeout time.Duration
	value   []byte
	found   bool
}

func (v *redisView) Value() ([]byte, bool) {
	return v.value, v.found
}

func (v *redisView) Unwatch(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if err := v.tx.Unwatch(cctx).Err(); err != nil {
		return redisError(err)
	}
	return nil
}

func (v *redisView) Begin() Tx {
	return &redisTx{tx: v.tx, timeout: v.timeout}
}

type redisTx struct {
	queue
	tx      *redis.Tx
	timeout time.Duration
}

func (t *redisTx) Commit(ctx context.Context) (bool, error) {
	if len(t.ops) == 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, o := range t.ops {
			switch o.kind {
			case opSet:
				p.Set(ctx, o.key, o.value, 0)
			case opDelete:
				p.Del(ctx, o.key)
			}
		}
		return nil
	})
	if err == redis.TxFailedErr {
		return false, nil
	}
	if err != nil {
		return false, redisError(err)
	}
	return true, nil
}

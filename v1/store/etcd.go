package store

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

// Etcd implements Client on top of etcd transactions. A watch remembers the
// key's mod revision and commits compare against it, which gives the same
// check-and-set behaviour as Redis WATCH/EXEC.
type Etcd struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// NewEtcd returns a new Etcd store using the provided client.
func NewEtcd(client *clientv3.Client, opts ...Option) *Etcd {
	o := newOptions(opts)
	return &Etcd{client: client, prefix: o.prefix, timeout: o.timeout}
}

// SetIfAbsent implements Client.SetIfAbsent.
func (s *Etcd) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	k := s.prefix + key
	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(value))).
		Commit()
	if err != nil {
		return false, etcdError(err)
	}
	return resp.Succeeded, nil
}

// Get implements Client.Get.
func (s *Etcd) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, found, err := s.get(ctx, key)
	return value, found, err
}

// Watch implements Client.Watch.
func (s *Etcd) Watch(ctx context.Context, key string, fn func(View) error) error {
	value, rev, found, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	return fn(&etcdView{s: s, key: key, value: value, found: found, rev: rev, watched: true})
}

func (s *Etcd) get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Get(cctx, s.prefix+key)
	if err != nil {
		return nil, 0, false, etcdError(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, false, nil
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, true, nil
}

// Keys implements Lister.Keys. Returned keys do not carry the store prefix.
func (s *Etcd) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, warperrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Get(cctx, s.prefix+prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, etcdError(err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), s.prefix))
	}
	return keys, nil
}

func etcdError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	if stdErrors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return warperrors.ErrConnectionClosed
	}
	return err
}

type etcdView struct {
	s       *Etcd
	key     string
	value   []byte
	found   bool
	rev     int64
	watched bool
}

func (v *etcdView) Value() ([]byte, bool) {
	return v.value, v.found
}

func (v *etcdView) Unwatch(ctx context.Context) error {
	v.watched = false
	return nil
}

func (v *etcdView) Begin() Tx {
	return &etcdTx{view: v}
}

type etcdTx struct {
	queue
	view *etcdView
}

func (t *etcdTx) Commit(ctx context.Context) (bool, error) {
	v := t.view
	s := v.s
	if err := ctx.Err(); err != nil {
		return false, warperrors.FromContext(err)
	}
	ops := make([]clientv3.Op, 0, len(t.ops))
	for _, o := range t.ops {
		switch o.kind {
		case opSet:
			ops = append(ops, clientv3.OpPut(s.prefix+o.key, string(o.value)))
		case opDelete:
			ops = append(ops, clientv3.OpDelete(s.prefix+o.key))
		}
	}
	var cmps []clientv3.Cmp
	if v.watched {
		// An absent key has mod revision 0, so the compare also catches a
		// key that was created after the read.
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(s.prefix+v.key), "=", v.rev))
	}
	v.watched = false

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Txn(cctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return false, etcdError(err)
	}
	return resp.Succeeded, nil
}

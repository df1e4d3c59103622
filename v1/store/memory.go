package store

import (
	"context"
	"strings"
	"sync"
)

// InMemory is a Client backed by a map. Every mutation bumps a per-key version
// which is what watched transactions are validated against.
type InMemory struct {
	mu       sync.Mutex
	items    map[string][]byte
	versions map[string]uint64
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		items:    make(map[string][]byte),
		versions: make(map[string]uint64),
	}
}

// SetIfAbsent implements Client.SetIfAbsent.
func (s *InMemory) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	s.putLocked(key, value)
	return true, nil
}

// Get implements Client.Get.
func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	v, ok := s.items[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value unconditionally.
func (s *InMemory) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.putLocked(key, value)
	s.mu.Unlock()
	return nil
}

// Delete removes key. It is a no-op when the key does not exist.
func (s *InMemory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deleteLocked(key)
	s.mu.Unlock()
	return nil
}

// Keys implements Lister.Keys.
func (s *InMemory) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	return keys, nil
}

// Watch implements Client.Watch.
func (s *InMemory) Watch(ctx context.Context, key string, fn func(View) error) error {
	s.mu.Lock()
	v, ok := s.items[key]
	view := &memoryView{
		s:       s,
		key:     key,
		value:   append([]byte(nil), v...),
		found:   ok,
		version: s.versions[key],
		watched: true,
	}
	s.mu.Unlock()
	return fn(view)
}

func (s *InMemory) putLocked(key string, value []byte) {
	s.items[key] = append([]byte(nil), value...)
	s.versions[key]++
}

func (s *InMemory) deleteLocked(key string) {
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	s.versions[key]++
}

type memoryView struct {
	s       *InMemory
	key     string
	value   []byte
	found   bool
	version uint64
	watched bool
}

func (v *memoryView) Value() ([]byte, bool) {
	if !v.found {
		return nil, false
	}
	return v.value, true
}

func (v *memoryView) Unwatch(ctx context.Context) error {
	v.watched = false
	return nil
}

func (v *memoryView) Begin() Tx {
	return &memoryTx{view: v}
}

type memoryTx struct {
	queue
	view *memoryView
}

func (t *memoryTx) Commit(ctx context.Context) (bool, error) {
	v := t.view
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	// EXEC drops the watch whatever the outcome.
	watched := v.watched
	v.watched = false
	if watched && s.versions[v.key] != v.version {
		return false, nil
	}
	for _, o := range t.ops {
		switch o.kind {
		case opSet:
			s.putLocked(o.key, o.value)
		case opDelete:
			s.deleteLocked(o.key)
		}
	}
	return true, nil
}

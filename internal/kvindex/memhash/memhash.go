// Package memhash implements an in-memory kvindex.Index backend, grounded
// on internal/config/memory's in-process store: a mutex-guarded Go map,
// no persistence. Used for tests and the in-memory volume mode.
package memhash

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"sync"

	"dedupvol/internal/kvindex"
)

// Backend is a mutex-guarded map-backed kvindex.Index.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

var _ kvindex.Index = (*Backend)(nil)
var _ kvindex.Iterator = (*Backend)(nil)
var _ kvindex.CapableIndex = (*Backend)(nil)

func (b *Backend) Lookup(_ context.Context, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[string(key)]
	if !ok {
		return nil, kvindex.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *Backend) Put(_ context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	b.data[string(key)] = v
	return nil
}

func (b *Backend) PutIfAbsent(_ context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[string(key)]; ok {
		return kvindex.ErrAlreadyExists
	}
	v := make([]byte, len(value))
	copy(v, value)
	b.data[string(key)] = v
	return nil
}

func (b *Backend) CompareAndSwap(_ context.Context, key, oldValue, newValue []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.data[string(key)]
	if oldValue == nil {
		if ok {
			return kvindex.ErrVersionMismatch
		}
	} else {
		if !ok || !bytes.Equal(cur, oldValue) {
			return kvindex.ErrVersionMismatch
		}
	}
	v := make([]byte, len(newValue))
	copy(v, newValue)
	b.data[string(key)] = v
	return nil
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[string(key)]; !ok {
		return kvindex.ErrNotFound
	}
	delete(b.data, string(key))
	return nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) Capabilities() kvindex.Capabilities {
	return kvindex.Capabilities{Ordered: true, Persistent: false, Batched: false}
}

// Iterate walks entries in ascending key order. memhash is not natively
// sorted, so it snapshots and sorts keys under the read lock.
func (b *Backend) Iterate(_ context.Context, fn func(kvindex.Entry) bool) error {
	b.mu.RLock()
	snapshot := maps.Clone(b.data)
	b.mu.RUnlock()

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !fn(kvindex.Entry{Key: []byte(k), Value: snapshot[k]}) {
			break
		}
	}
	return nil
}

// Package boltkv implements a kvindex.Index backend on top of
// go.etcd.io/bbolt, an embedded on-disk B+Tree. Promoted from an indirect
// dependency family (pulled in transitively via hashicorp/raft-boltdb/v2,
// which this repository drops along with the rest of the raft/clustering
// stack) to a direct, first-class persistent KV engine: an on-disk
// B+tree backend, and bbolt is exactly that.
package boltkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"dedupvol/internal/kvindex"
)

var bucketName = []byte("kv")

// Backend is a bbolt-backed kvindex.Index. One Backend owns one bbolt
// database file and one bucket; callers needing multiple logical indexes
// (chunk index, block index, state store) open separate Backend instances
// against separate files.
type Backend struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database at path.
func Open(path string) (*Backend, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkv: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltkv: create bucket: %w", err)
	}
	return &Backend{db: db}, nil
}

var _ kvindex.Index = (*Backend)(nil)
var _ kvindex.Iterator = (*Backend)(nil)
var _ kvindex.BatchWriter = (*Backend)(nil)
var _ kvindex.CapableIndex = (*Backend)(nil)

func (b *Backend) Lookup(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return kvindex.ErrNotFound
		}
		out = append(out, v...)
		return nil
	})
	return out, err
}

func (b *Backend) Put(_ context.Context, key, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

func (b *Backend) PutIfAbsent(_ context.Context, key, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt.Get(key) != nil {
			return kvindex.ErrAlreadyExists
		}
		return bkt.Put(key, value)
	})
}

func (b *Backend) CompareAndSwap(_ context.Context, key, oldValue, newValue []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		cur := bkt.Get(key)
		if oldValue == nil {
			if cur != nil {
				return kvindex.ErrVersionMismatch
			}
		} else if !bytes.Equal(cur, oldValue) {
			return kvindex.ErrVersionMismatch
		}
		return bkt.Put(key, newValue)
	})
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt.Get(key) == nil {
			return kvindex.ErrNotFound
		}
		return bkt.Delete(key)
	})
}

func (b *Backend) PutBatch(_ context.Context, entries []kvindex.Entry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		for _, e := range entries {
			if err := bkt.Put(e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) Iterate(_ context.Context, fn func(kvindex.Entry) bool) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			key := append([]byte(nil), k...)
			val := append([]byte(nil), v...)
			if !fn(kvindex.Entry{Key: key, Value: val}) {
				break
			}
		}
		return nil
	})
}

func (b *Backend) Capabilities() kvindex.Capabilities {
	return kvindex.Capabilities{Ordered: true, Persistent: true, Batched: true}
}

func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil && !errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return err
	}
	return nil
}

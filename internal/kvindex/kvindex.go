// Package kvindex defines the persistent key-value index abstraction used
// by the chunk index, block index, system config, and state store. A
// narrow core Index interface is implemented by several
// backends (memhash, boltkv, recordarray, filehash, lsm); callers that
// need an optional capability (batch writes, an ordered cursor) type-assert
// for the matching extension interface, the same narrow-core-plus-
// capability-interface shape as chunk.ChunkManager /
// chunk.ChunkMover split.
package kvindex

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Lookup and Delete when the key does not
// exist. CompareAndSwap reports a missing key, when given a non-nil
// oldValue, as ErrVersionMismatch.
var ErrNotFound = errors.New("kvindex: key not found")

// ErrVersionMismatch is returned by CompareAndSwap when the stored value's
// version does not match the expected version.
var ErrVersionMismatch = errors.New("kvindex: version mismatch")

// ErrAlreadyExists is returned by PutIfAbsent when the key is already
// present.
var ErrAlreadyExists = errors.New("kvindex: key already exists")

// Index is the narrow core contract every backend implements. Keys and
// values are opaque byte slices; callers (chunkindex, blockindex, config,
// statestore) own the encoding.
type Index interface {
	// Lookup returns the value for key, or ErrNotFound.
	Lookup(ctx context.Context, key []byte) ([]byte, error)

	// Put unconditionally stores value for key.
	Put(ctx context.Context, key, value []byte) error

	// PutIfAbsent stores value for key only if key does not already
	// exist. Returns ErrAlreadyExists otherwise.
	PutIfAbsent(ctx context.Context, key, value []byte) error

	// CompareAndSwap replaces the value for key with newValue only if
	// the current value equals oldValue exactly (byte comparison; the
	// caller is responsible for encoding any version field so that a
	// changed version produces a changed byte representation).
	// If oldValue is nil, the key must not currently exist.
	CompareAndSwap(ctx context.Context, key, oldValue, newValue []byte) error

	// Delete removes key. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, key []byte) error

	// Close releases any resources (file handles, background flush
	// goroutines) held by the backend.
	Close() error
}

// Entry is one key/value pair yielded by an Iterator.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator is an optional capability: backends that can walk their
// contents in key order implement this in addition to Index.
type Iterator interface {
	// Iterate calls fn for every entry in ascending key order, stopping
	// early if fn returns false.
	Iterate(ctx context.Context, fn func(Entry) bool) error
}

// BatchWriter is an optional capability for backends that can apply a
// batch of writes more efficiently than one-by-one Put calls (lsm,
// boltkv).
type BatchWriter interface {
	PutBatch(ctx context.Context, entries []Entry) error
}

// Capabilities describes what a backend supports, so callers (e.g. the
// chunk index deciding whether it needs its own write-back cache) can
// adapt without a type-switch over every backend type.
type Capabilities struct {
	Ordered    bool // Iterator gives ascending key order
	Persistent bool // survives process restart
	Batched    bool // implements BatchWriter
}

// CapableIndex is implemented by backends that can describe their own
// capabilities.
type CapableIndex interface {
	Index
	Capabilities() Capabilities
}

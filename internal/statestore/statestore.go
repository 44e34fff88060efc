// Package statestore is a thin wrapper over a kvindex.Index holding one
// record per subsystem checkpoint: a human-readable string key and a
// length-prefixed opaque payload, the on-disk info store format.
//
// Unlike chunkindex and blockindex, statestore carries no write-back
// cache or background committer of its own — checkpoints are written
// rarely (on clean shutdown, on a periodic interval, or right after a
// subsystem finishes a recovery pass) so every call goes straight to the
// backend.
package statestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"dedupvol/internal/kvindex"
)

// Store persists named checkpoint records.
type Store struct {
	backend kvindex.Index
}

// New wraps backend (typically boltkv, so checkpoints survive restart)
// as a Store.
func New(backend kvindex.Index) *Store {
	return &Store{backend: backend}
}

// Save persists payload under name, overwriting any existing record.
func (s *Store) Save(ctx context.Context, name string, payload []byte) error {
	if err := s.backend.Put(ctx, []byte(name), encode(payload)); err != nil {
		return fmt.Errorf("statestore: save %q: %w", name, err)
	}
	return nil
}

// Load returns the payload last saved under name. ok is false if no
// checkpoint record exists for name.
func (s *Store) Load(ctx context.Context, name string) (payload []byte, ok bool, err error) {
	raw, err := s.backend.Lookup(ctx, []byte(name))
	if errors.Is(err, kvindex.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("statestore: load %q: %w", name, err)
	}
	payload, err = decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("statestore: load %q: %w", name, err)
	}
	return payload, true, nil
}

// Delete removes the checkpoint record for name, if any. A missing
// record is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.backend.Delete(ctx, []byte(name)); err != nil && !errors.Is(err, kvindex.ErrNotFound) {
		return fmt.Errorf("statestore: delete %q: %w", name, err)
	}
	return nil
}

// Names lists every checkpoint name currently recorded, in ascending
// order, if the backend supports ordered iteration.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	it, ok := s.backend.(kvindex.Iterator)
	if !ok {
		return nil, fmt.Errorf("statestore: backend %T does not support iteration", s.backend)
	}
	var names []string
	err := it.Iterate(ctx, func(e kvindex.Entry) bool {
		names = append(names, string(e.Key))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: list names: %w", err)
	}
	return names, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func encode(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

func decode(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("truncated record (%d bytes)", len(raw))
	}
	n := binary.LittleEndian.Uint32(raw)
	if int(n) != len(raw)-4 {
		return nil, fmt.Errorf("length mismatch: header says %d, have %d", n, len(raw)-4)
	}
	out := make([]byte, n)
	copy(out, raw[4:])
	return out, nil
}

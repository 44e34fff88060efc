// Package recordarray implements a fixed-record kvindex.Index backend: a
// single file of fixed-size slots addressed by open addressing (linear
// probing) on a hash of the key. Grounded on
// internal/chunk/file/manager.go idx.log: a format.Header at file start
// followed by fixed-size records, extended with append count semantics.
// Best suited for fixed-size keys (fingerprints) with a bounded, known
// capacity — the classic "fixed index" shape used by content-addressed
// chunk stores.
package recordarray

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"dedupvol/internal/format"
	"dedupvol/internal/kvindex"
)

const (
	slotStateEmpty    = 0
	slotStateOccupied = 1
	slotStateDeleted  = 2

	keySize = 32 // fixed key size; shorter keys are zero-padded, longer keys are rejected
)

// Backend is a fixed-capacity, open-addressed record array.
type Backend struct {
	mu        sync.Mutex
	f         *os.File
	capacity  uint64
	valueSize uint32
	slotSize  int64
}

func slotSize(valueSize uint32) int64 {
	// [state:1][key:keySize][valueLen:4][value:valueSize]
	return 1 + keySize + 4 + int64(valueSize)
}

// Create initializes a new record array file with room for capacity
// entries, each holding a value up to valueSize bytes.
func Create(path string, capacity uint64, valueSize uint32) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordarray: create %s: %w", path, err)
	}
	hdr := format.Header{Type: format.TypeChunkIndexSeg, Version: 1}
	buf := hdr.Encode()
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return nil, err
	}
	sz := slotSize(valueSize)
	if err := f.Truncate(int64(format.HeaderSize) + sz*int64(capacity)); err != nil {
		f.Close()
		return nil, err
	}
	return &Backend{f: f, capacity: capacity, valueSize: valueSize, slotSize: sz}, nil
}

// Open opens an existing record array file, reading capacity/valueSize
// back out from its size (the caller must know valueSize, since it is not
// itself stored in the header — only the slot geometry key size and the
// header's type/version are self-describing).
func Open(path string, valueSize uint32) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordarray: open %s: %w", path, err)
	}
	hdrBuf := make([]byte, format.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("recordarray: read header: %w", err)
	}
	if _, err := format.DecodeAndValidate(hdrBuf, format.TypeChunkIndexSeg, 1); err != nil {
		f.Close()
		return nil, fmt.Errorf("recordarray: validate header: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	sz := slotSize(valueSize)
	capacity := uint64(info.Size()-int64(format.HeaderSize)) / uint64(sz)
	return &Backend{f: f, capacity: capacity, valueSize: valueSize, slotSize: sz}, nil
}

var _ kvindex.Index = (*Backend)(nil)

func (b *Backend) offset(slot uint64) int64 {
	return int64(format.HeaderSize) + int64(slot)*b.slotSize
}

func padKey(key []byte) ([keySize]byte, error) {
	var out [keySize]byte
	if len(key) > keySize {
		return out, errors.New("recordarray: key exceeds fixed size")
	}
	copy(out[:], key)
	return out, nil
}

// probe walks the probe sequence starting at the key's hash, invoking
// visit for each slot until visit returns true (found what it needed) or
// the whole table has been scanned.
func (b *Backend) probe(padded [keySize]byte, visit func(slot uint64, state byte, storedKey [keySize]byte) (stop bool, err error)) error {
	start := xxhash.Sum64(padded[:]) % b.capacity
	buf := make([]byte, b.slotSize)
	for i := uint64(0); i < b.capacity; i++ {
		slot := (start + i) % b.capacity
		if _, err := b.f.ReadAt(buf, b.offset(slot)); err != nil {
			return err
		}
		state := buf[0]
		var storedKey [keySize]byte
		copy(storedKey[:], buf[1:1+keySize])
		stop, err := visit(slot, state, storedKey)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return kvindex.ErrNotFound
}

func (b *Backend) readSlot(slot uint64) (state byte, value []byte, err error) {
	buf := make([]byte, b.slotSize)
	if _, err := b.f.ReadAt(buf, b.offset(slot)); err != nil {
		return 0, nil, err
	}
	state = buf[0]
	valLen := binary.LittleEndian.Uint32(buf[1+keySize : 1+keySize+4])
	value = append([]byte(nil), buf[1+keySize+4:1+keySize+4+int64(valLen)]...)
	return state, value, nil
}

func (b *Backend) writeSlot(slot uint64, state byte, key [keySize]byte, value []byte) error {
	if uint32(len(value)) > b.valueSize {
		return fmt.Errorf("recordarray: value exceeds fixed size %d", b.valueSize)
	}
	buf := make([]byte, b.slotSize)
	buf[0] = state
	copy(buf[1:1+keySize], key[:])
	binary.LittleEndian.PutUint32(buf[1+keySize:1+keySize+4], uint32(len(value)))
	copy(buf[1+keySize+4:], value)
	_, err := b.f.WriteAt(buf, b.offset(slot))
	return err
}

func (b *Backend) Lookup(_ context.Context, key []byte) ([]byte, error) {
	padded, err := padKey(key)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []byte
	found := false
	err = b.probe(padded, func(slot uint64, state byte, storedKey [keySize]byte) (bool, error) {
		switch state {
		case slotStateEmpty:
			return true, nil
		case slotStateOccupied:
			if storedKey == padded {
				_, v, err := b.readSlot(slot)
				if err != nil {
					return true, err
				}
				result, found = v, true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kvindex.ErrNotFound
	}
	return result, nil
}

func (b *Backend) put(padded [keySize]byte, value []byte, requireAbsent bool, casOld []byte, useCAS bool) error {
	var firstFree uint64
	haveFree := false
	inserted := false

	err := b.probe(padded, func(slot uint64, state byte, storedKey [keySize]byte) (bool, error) {
		switch state {
		case slotStateEmpty:
			if !haveFree {
				firstFree, haveFree = slot, true
			}
			return true, nil
		case slotStateDeleted:
			if !haveFree {
				firstFree, haveFree = slot, true
			}
			return false, nil
		case slotStateOccupied:
			if storedKey == padded {
				if requireAbsent {
					return true, kvindex.ErrAlreadyExists
				}
				if useCAS {
					_, cur, err := b.readSlot(slot)
					if err != nil {
						return true, err
					}
					if casOld == nil || string(cur) != string(casOld) {
						return true, kvindex.ErrVersionMismatch
					}
				}
				if err := b.writeSlot(slot, slotStateOccupied, padded, value); err != nil {
					return true, err
				}
				inserted = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil && !errors.Is(err, kvindex.ErrNotFound) {
		return err
	}
	if inserted {
		return nil
	}
	if useCAS && casOld != nil {
		return kvindex.ErrVersionMismatch
	}
	if !haveFree {
		return errors.New("recordarray: table full")
	}
	return b.writeSlot(firstFree, slotStateOccupied, padded, value)
}

func (b *Backend) Put(_ context.Context, key, value []byte) error {
	padded, err := padKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.put(padded, value, false, nil, false)
}

func (b *Backend) PutIfAbsent(_ context.Context, key, value []byte) error {
	padded, err := padKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.put(padded, value, true, nil, false)
}

func (b *Backend) CompareAndSwap(_ context.Context, key, oldValue, newValue []byte) error {
	padded, err := padKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.put(padded, newValue, false, oldValue, true)
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	padded, err := padKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	deleted := false
	err = b.probe(padded, func(slot uint64, state byte, storedKey [keySize]byte) (bool, error) {
		switch state {
		case slotStateEmpty:
			return true, nil
		case slotStateOccupied:
			if storedKey == padded {
				if werr := b.writeSlot(slot, slotStateDeleted, padded, nil); werr != nil {
					return true, werr
				}
				deleted = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !deleted {
		return kvindex.ErrNotFound
	}
	return nil
}

func (b *Backend) Close() error {
	return b.f.Close()
}

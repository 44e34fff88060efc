// Package filehash implements an on-disk hash kvindex.Index backend: an
// append-only log of length-prefixed key/value records behind a
// format.Header, with an in-memory hash map of key -> latest file offset
// rebuilt by scanning the file on open. Grounded on
// internal/index/file family (length-prefixed records behind a
// format.Header), generalized here from text-index postings to arbitrary
// key/value pairs. Unlike recordarray's fixed-capacity open addressing,
// this backend grows without a pre-declared capacity, at the cost of a
// full-file scan on open and a file that only grows: superseded and
// deleted records are never reclaimed.
package filehash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"dedupvol/internal/format"
	"dedupvol/internal/kvindex"
)

const (
	recKindPut    = 1
	recKindDelete = 2
)

// Backend is an append-only, length-prefixed record log with an in-memory
// offset index.
type Backend struct {
	mu     sync.Mutex
	f      *os.File
	offset map[string]int64 // key -> record offset; absent = deleted or never written
	tombstoned map[string]bool
}

// Open opens or creates the log at path and replays it to rebuild the
// in-memory index.
func Open(path string) (*Backend, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filehash: open %s: %w", path, err)
	}

	b := &Backend{f: f, offset: make(map[string]int64), tombstoned: make(map[string]bool)}

	if isNew {
		hdr := format.Header{Type: format.TypeChunkIndexSeg, Version: 1}
		buf := hdr.Encode()
		if _, err := f.Write(buf[:]); err != nil {
			f.Close()
			return nil, err
		}
		return b, nil
	}

	if err := b.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) replay() error {
	hdrBuf := make([]byte, format.HeaderSize)
	if _, err := io.ReadFull(b.f, hdrBuf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Empty or freshly truncated file; treat as new.
			hdr := format.Header{Type: format.TypeChunkIndexSeg, Version: 1}
			enc := hdr.Encode()
			if _, werr := b.f.WriteAt(enc[:], 0); werr != nil {
				return werr
			}
			return nil
		}
		return fmt.Errorf("filehash: read header: %w", err)
	}
	if _, err := format.DecodeAndValidate(hdrBuf, format.TypeChunkIndexSeg, 1); err != nil {
		return fmt.Errorf("filehash: validate header: %w", err)
	}

	pos := int64(format.HeaderSize)
	lenBuf := make([]byte, 9) // kind:1 + keyLen:4 + valLen:4
	for {
		n, err := b.f.ReadAt(lenBuf, pos)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n < len(lenBuf) {
			// Torn tail from an incomplete append; stop replay here.
			if terr := b.f.Truncate(pos); terr != nil {
				return terr
			}
			break
		}
		kind := lenBuf[0]
		keyLen := binary.LittleEndian.Uint32(lenBuf[1:5])
		valLen := binary.LittleEndian.Uint32(lenBuf[5:9])
		recLen := int64(len(lenBuf)) + int64(keyLen) + int64(valLen)

		keyBuf := make([]byte, keyLen)
		if _, err := b.f.ReadAt(keyBuf, pos+int64(len(lenBuf))); err != nil {
			if terr := b.f.Truncate(pos); terr != nil {
				return terr
			}
			break
		}

		switch kind {
		case recKindPut:
			b.offset[string(keyBuf)] = pos
			delete(b.tombstoned, string(keyBuf))
		case recKindDelete:
			delete(b.offset, string(keyBuf))
			b.tombstoned[string(keyBuf)] = true
		}
		pos += recLen
	}
	return nil
}

var _ kvindex.Index = (*Backend)(nil)
var _ kvindex.Iterator = (*Backend)(nil)

func (b *Backend) readValueAt(pos int64) ([]byte, error) {
	lenBuf := make([]byte, 9)
	if _, err := b.f.ReadAt(lenBuf, pos); err != nil {
		return nil, err
	}
	keyLen := binary.LittleEndian.Uint32(lenBuf[1:5])
	valLen := binary.LittleEndian.Uint32(lenBuf[5:9])
	val := make([]byte, valLen)
	if _, err := b.f.ReadAt(val, pos+int64(len(lenBuf))+int64(keyLen)); err != nil {
		return nil, err
	}
	return val, nil
}

func (b *Backend) appendRecord(kind byte, key, value []byte) (int64, error) {
	pos, err := b.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	lenBuf := make([]byte, 9)
	lenBuf[0] = kind
	binary.LittleEndian.PutUint32(lenBuf[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(lenBuf[5:9], uint32(len(value)))
	if _, err := b.f.Write(lenBuf); err != nil {
		return 0, err
	}
	if _, err := b.f.Write(key); err != nil {
		return 0, err
	}
	if _, err := b.f.Write(value); err != nil {
		return 0, err
	}
	return pos, nil
}

func (b *Backend) Lookup(_ context.Context, key []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.offset[string(key)]
	if !ok {
		return nil, kvindex.ErrNotFound
	}
	return b.readValueAt(pos)
}

func (b *Backend) Put(_ context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, err := b.appendRecord(recKindPut, key, value)
	if err != nil {
		return err
	}
	b.offset[string(key)] = pos
	delete(b.tombstoned, string(key))
	return nil
}

func (b *Backend) PutIfAbsent(_ context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.offset[string(key)]; ok {
		return kvindex.ErrAlreadyExists
	}
	pos, err := b.appendRecord(recKindPut, key, value)
	if err != nil {
		return err
	}
	b.offset[string(key)] = pos
	delete(b.tombstoned, string(key))
	return nil
}

func (b *Backend) CompareAndSwap(_ context.Context, key, oldValue, newValue []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.offset[string(key)]
	if oldValue == nil {
		if ok {
			return kvindex.ErrVersionMismatch
		}
	} else {
		if !ok {
			return kvindex.ErrVersionMismatch
		}
		cur, err := b.readValueAt(pos)
		if err != nil {
			return err
		}
		if string(cur) != string(oldValue) {
			return kvindex.ErrVersionMismatch
		}
	}
	newPos, err := b.appendRecord(recKindPut, key, newValue)
	if err != nil {
		return err
	}
	b.offset[string(key)] = newPos
	return nil
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.offset[string(key)]; !ok {
		return kvindex.ErrNotFound
	}
	if _, err := b.appendRecord(recKindDelete, key, nil); err != nil {
		return err
	}
	delete(b.offset, string(key))
	b.tombstoned[string(key)] = true
	return nil
}

func (b *Backend) Iterate(_ context.Context, fn func(kvindex.Entry) bool) error {
	b.mu.Lock()
	snapshot := make(map[string]int64, len(b.offset))
	for k, v := range b.offset {
		snapshot[k] = v
	}
	b.mu.Unlock()

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := b.readValueAt(snapshot[k])
		if err != nil {
			return err
		}
		if !fn(kvindex.Entry{Key: []byte(k), Value: v}) {
			break
		}
	}
	return nil
}

func (b *Backend) Close() error {
	return b.f.Close()
}

// Package lsm implements an LSM-tree-style kvindex.Index backend: an
// in-memory sorted memtable (github.com/google/btree, promoted from an
// indirect dependency family) flushed to immutable sorted segment files
// once it crosses a size threshold; segments are never compacted, each
// flush adds one more. No embedded LSM-tree library dependency fits
// here, so the on-disk segment codec below is hand-rolled
// (encoding/binary + internal/format), in the same spirit as the
// hand-rolled idx.log/attr.log codecs elsewhere in this module — see
// DESIGN.md.
package lsm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/btree"

	"dedupvol/internal/format"
	"dedupvol/internal/kvindex"
)

type memItem struct {
	key     []byte
	value   []byte // nil means tombstone
}

func less(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// segment is an immutable, sorted, on-disk run produced by flushing the
// memtable. Its offset index is loaded fully into memory on open, trading
// memory for simplicity (adequate at the segment sizes this engine is
// configured with).
type segment struct {
	path  string
	index map[string]int64 // key -> record offset, nil value recorded via tombstone flag in record
	order []string         // keys in ascending order, for merge-compaction
}

const (
	segRecKindValue    = 1
	segRecKindTombstone = 2
)

// Backend is an LSM-style kvindex.Index: an active memtable plus a
// sequence of immutable on-disk segments, newest first.
type Backend struct {
	mu         sync.RWMutex
	dir        string
	memtable   *btree.BTreeG[memItem]
	memSize    int
	flushBytes int
	segments   []*segment // newest first
	nextSeg    int
}

// Open opens or creates an LSM backend rooted at dir. flushBytes controls
// the approximate memtable size (in encoded bytes) that triggers a flush
// to a new segment.
func Open(dir string, flushBytes int) (*Backend, error) {
	if flushBytes <= 0 {
		flushBytes = 4 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lsm: mkdir %s: %w", dir, err)
	}
	b := &Backend{
		dir:        dir,
		memtable:   btree.NewG[memItem](32, less),
		flushBytes: flushBytes,
	}
	if err := b.loadSegments(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) loadSegments() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".seg" {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names))) // newest (highest seq) first
	for _, name := range names {
		seg, err := openSegment(filepath.Join(b.dir, name))
		if err != nil {
			return err
		}
		b.segments = append(b.segments, seg)
	}
	b.nextSeg = len(names)
	return nil
}

func openSegment(path string) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdrBuf := make([]byte, format.HeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return nil, fmt.Errorf("lsm: read segment header: %w", err)
	}
	if _, err := format.DecodeAndValidate(hdrBuf, format.TypeChunkIndexSeg, 1); err != nil {
		return nil, fmt.Errorf("lsm: validate segment header: %w", err)
	}

	seg := &segment{path: path, index: make(map[string]int64)}
	pos := int64(format.HeaderSize)
	lenBuf := make([]byte, 9)
	for {
		n, err := f.ReadAt(lenBuf, pos)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		if n < len(lenBuf) {
			break
		}
		kind := lenBuf[0]
		keyLen := binary.LittleEndian.Uint32(lenBuf[1:5])
		valLen := binary.LittleEndian.Uint32(lenBuf[5:9])
		keyBuf := make([]byte, keyLen)
		if _, err := f.ReadAt(keyBuf, pos+int64(len(lenBuf))); err != nil {
			return nil, err
		}
		seg.index[string(keyBuf)] = pos
		seg.order = append(seg.order, string(keyBuf))
		if kind == segRecKindTombstone {
			// keep the offset so lookups see the tombstone; Lookup
			// interprets a zero-length-with-tombstone record as "deleted".
		}
		pos += int64(len(lenBuf)) + int64(keyLen) + int64(valLen)
	}
	return seg, nil
}

func (s *segment) read(path string, offset int64) (tombstone bool, value []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil, err
	}
	defer f.Close()
	lenBuf := make([]byte, 9)
	if _, err := f.ReadAt(lenBuf, offset); err != nil {
		return false, nil, err
	}
	kind := lenBuf[0]
	keyLen := binary.LittleEndian.Uint32(lenBuf[1:5])
	valLen := binary.LittleEndian.Uint32(lenBuf[5:9])
	val := make([]byte, valLen)
	if _, err := f.ReadAt(val, offset+int64(len(lenBuf))+int64(keyLen)); err != nil {
		return false, nil, err
	}
	return kind == segRecKindTombstone, val, nil
}

var _ kvindex.Index = (*Backend)(nil)
var _ kvindex.Iterator = (*Backend)(nil)
var _ kvindex.BatchWriter = (*Backend)(nil)
var _ kvindex.CapableIndex = (*Backend)(nil)

func (b *Backend) Lookup(_ context.Context, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if item, ok := b.memtable.Get(memItem{key: key}); ok {
		if item.value == nil {
			return nil, kvindex.ErrNotFound
		}
		return item.value, nil
	}
	for _, seg := range b.segments {
		if off, ok := seg.index[string(key)]; ok {
			tomb, val, err := seg.read(seg.path, off)
			if err != nil {
				return nil, err
			}
			if tomb {
				return nil, kvindex.ErrNotFound
			}
			return val, nil
		}
	}
	return nil, kvindex.ErrNotFound
}

func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putLocked(ctx, key, value)
}

func (b *Backend) putLocked(ctx context.Context, key, value []byte) error {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	b.memtable.ReplaceOrInsert(memItem{key: k, value: v})
	b.memSize += len(k) + len(v) + 16
	if b.memSize >= b.flushBytes {
		return b.flushLocked()
	}
	return nil
}

func (b *Backend) PutIfAbsent(ctx context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookupLocked(key); err == nil {
		return kvindex.ErrAlreadyExists
	}
	return b.putLocked(ctx, key, value)
}

func (b *Backend) lookupLocked(key []byte) ([]byte, error) {
	if item, ok := b.memtable.Get(memItem{key: key}); ok {
		if item.value == nil {
			return nil, kvindex.ErrNotFound
		}
		return item.value, nil
	}
	for _, seg := range b.segments {
		if off, ok := seg.index[string(key)]; ok {
			tomb, val, err := seg.read(seg.path, off)
			if err != nil {
				return nil, err
			}
			if tomb {
				return nil, kvindex.ErrNotFound
			}
			return val, nil
		}
	}
	return nil, kvindex.ErrNotFound
}

func (b *Backend) CompareAndSwap(ctx context.Context, key, oldValue, newValue []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, err := b.lookupLocked(key)
	if oldValue == nil {
		if err == nil {
			return kvindex.ErrVersionMismatch
		}
	} else {
		if err != nil || !bytes.Equal(cur, oldValue) {
			return kvindex.ErrVersionMismatch
		}
	}
	return b.putLocked(ctx, key, newValue)
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookupLocked(key); err != nil {
		return err
	}
	k := append([]byte(nil), key...)
	b.memtable.ReplaceOrInsert(memItem{key: k, value: nil})
	b.memSize += len(k) + 16
	if b.memSize >= b.flushBytes {
		return b.flushLocked()
	}
	return nil
}

func (b *Backend) PutBatch(ctx context.Context, entries []kvindex.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if err := b.putLocked(ctx, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces the memtable to disk as a new immutable segment. Close
// calls it.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Backend) flushLocked() error {
	if b.memtable.Len() == 0 {
		return nil
	}
	path := filepath.Join(b.dir, fmt.Sprintf("%08d.seg", b.nextSeg))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := format.Header{Type: format.TypeChunkIndexSeg, Version: 1}
	hb := hdr.Encode()
	if _, err := f.Write(hb[:]); err != nil {
		return err
	}

	seg := &segment{path: path, index: make(map[string]int64)}
	var writeErr error
	b.memtable.Ascend(func(item memItem) bool {
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			writeErr = err
			return false
		}
		kind := byte(segRecKindValue)
		val := item.value
		if val == nil {
			kind = segRecKindTombstone
			val = nil
		}
		lenBuf := make([]byte, 9)
		lenBuf[0] = kind
		binary.LittleEndian.PutUint32(lenBuf[1:5], uint32(len(item.key)))
		binary.LittleEndian.PutUint32(lenBuf[5:9], uint32(len(val)))
		if _, err := f.Write(lenBuf); err != nil {
			writeErr = err
			return false
		}
		if _, err := f.Write(item.key); err != nil {
			writeErr = err
			return false
		}
		if _, err := f.Write(val); err != nil {
			writeErr = err
			return false
		}
		seg.index[string(item.key)] = pos
		seg.order = append(seg.order, string(item.key))
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	if err := f.Sync(); err != nil {
		return err
	}

	b.segments = append([]*segment{seg}, b.segments...)
	b.nextSeg++
	b.memtable = btree.NewG[memItem](32, less)
	b.memSize = 0
	return nil
}

func (b *Backend) Iterate(_ context.Context, fn func(kvindex.Entry) bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool)
	var out []kvindex.Entry
	b.memtable.Ascend(func(item memItem) bool {
		seen[string(item.key)] = true
		if item.value != nil {
			out = append(out, kvindex.Entry{Key: item.key, Value: item.value})
		}
		return true
	})
	for _, seg := range b.segments {
		for _, k := range seg.order {
			if seen[k] {
				continue
			}
			seen[k] = true
			off := seg.index[k]
			tomb, val, err := seg.read(seg.path, off)
			if err != nil {
				return err
			}
			if tomb {
				continue
			}
			out = append(out, kvindex.Entry{Key: []byte(k), Value: val})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	for _, e := range out {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (b *Backend) Capabilities() kvindex.Capabilities {
	return kvindex.Capabilities{Ordered: true, Persistent: true, Batched: true}
}

func (b *Backend) Close() error {
	return b.Flush()
}

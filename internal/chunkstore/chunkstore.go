// Package chunkstore manages the write cache of open containers and the
// read cache of sealed ones. A small, fixed number of
// container slabs stay open for concurrent writers at once; once a slab
// fills, it is sealed and handed off to a pool of background committer
// workers that persist it to disk, fsync it, and record the commit in
// the operation log. Concurrent reads of the same sealed container are
// deduplicated with internal/callgroup, and sealed containers already
// read once are kept warm in an LRU (github.com/hashicorp/golang-lru/v2).
//
// Generalized from internal/chunk/file/manager.go's single active-chunk,
// seal-then-rotate discipline to N open slabs and M committers; on-disk
// writes go through github.com/natefinch/atomic so a crash mid-write
// never leaves a torn container file for a reader to trip over.
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	fileatomic "github.com/natefinch/atomic"

	"dedupvol/internal/callgroup"
	"dedupvol/internal/container"
	"dedupvol/internal/domain"
	"dedupvol/internal/errctx"
	"dedupvol/internal/logging"
	"dedupvol/internal/notify"
	"dedupvol/internal/oplog"
)

const (
	DefaultOpenSlots     = 4
	DefaultCommitters    = 2
	DefaultReadCacheSize = 256

	// fullThreshold is the active-bytes/capacity ratio CheckIfFull
	// compares against. Only a ratio above it counts as full, so a store
	// whose allocated containers exactly fill its capacity is not full.
	fullThreshold = 1.0
)

var ErrClosed = errors.New("chunkstore: store is closed")

// ErrFull is returned by Append once the store's active byte size (the
// slab size times every container currently allocated, open or sealed)
// divided by its configured capacity (ContainerSize * ContainerCount)
// exceeds fullThreshold. It wraps errctx.ErrCapacity so callers can
// classify it without a type assertion.
var ErrFull = fmt.Errorf("%w: chunk store is at capacity", errctx.ErrCapacity)

// WriteStrategy selects how Append picks which open slot to write the
// next item into.
type WriteStrategy int

const (
	// StrategyEarliestFree prefers the lowest-index slot whose lock is
	// uncontended, falling back to round-robin when every slot is busy.
	// This is the default: it concentrates writes into low slots under
	// light load, yielding fewer, denser containers.
	StrategyEarliestFree WriteStrategy = iota
	// StrategyRoundRobin assigns items to slots cyclically regardless
	// of contention, spreading writes evenly across slots.
	StrategyRoundRobin
)

// Options configures Open.
type Options struct {
	Dir           string
	ContainerSize uint32 // slab size, defaults to container.DefaultSize
	OpenSlots     int    // number of concurrently writable container slabs
	Committers    int    // number of background sealing/commit workers
	ReadCacheSize int    // sealed containers kept warm in the read LRU

	// WriteStrategy selects the open-slot assignment policy, defaults
	// to StrategyEarliestFree.
	WriteStrategy WriteStrategy
	// ContainerCount sets the capacity CheckIfFull measures against
	// (ContainerSize * ContainerCount); zero means unbounded. Append
	// returns ErrFull once more container slabs (open + sealed) than this
	// have been allocated; the slot rotation inside Append does not check
	// the limit, so allocation can pass it before Append refuses.
	ContainerCount int

	Log    *oplog.Log // commits are recorded here; required
	Logger *slog.Logger
}

type slot struct {
	mu sync.Mutex
	c  *container.Container
}

// Store is the chunk store's write and read cache over container slabs.
type Store struct {
	dir            string
	containerSize  uint32
	containerCount int
	writeStrategy  WriteStrategy
	log            *oplog.Log
	logger         *slog.Logger

	slotsMu sync.Mutex
	slots   []*slot
	cursor  int

	allocated atomic.Int64 // containers ever created, open or sealed

	commitQueue chan *container.Container
	closing     chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	readCache *lru.Cache[domain.ContainerID, *container.Container]
	inflight  callgroup.Group[domain.ContainerID]

	commitSignal *notify.Signal
}

// Open creates the container directory (if needed) and starts the
// committer pool. opts.Log must already be open.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("chunkstore: dir is required")
	}
	if opts.Log == nil {
		return nil, errors.New("chunkstore: oplog is required")
	}
	if opts.ContainerSize == 0 {
		opts.ContainerSize = container.DefaultSize
	}
	if opts.OpenSlots <= 0 {
		opts.OpenSlots = DefaultOpenSlots
	}
	if opts.Committers <= 0 {
		opts.Committers = DefaultCommitters
	}
	if opts.ReadCacheSize <= 0 {
		opts.ReadCacheSize = DefaultReadCacheSize
	}

	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("chunkstore: mkdir %s: %w", opts.Dir, err)
	}

	cache, err := lru.New[domain.ContainerID, *container.Container](opts.ReadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: new read cache: %w", err)
	}

	s := &Store{
		dir:            opts.Dir,
		containerSize:  opts.ContainerSize,
		containerCount: opts.ContainerCount,
		writeStrategy:  opts.WriteStrategy,
		log:            opts.Log,
		logger:         logging.Default(opts.Logger).With("component", "chunkstore"),
		commitQueue:    make(chan *container.Container, opts.Committers*2),
		closing:        make(chan struct{}),
		readCache:      cache,
		commitSignal:   notify.NewSignal(),
	}

	for range opts.OpenSlots {
		s.slots = append(s.slots, &slot{c: container.New(domain.NewContainerID(), s.containerSize)})
		s.allocated.Add(1)
	}

	for range opts.Committers {
		s.wg.Add(1)
		go s.committerLoop()
	}

	return s, nil
}

// CheckIfFull reports whether the store's active byte size (ContainerSize
// times every container currently allocated, open or sealed) divided by
// its configured capacity (ContainerSize * ContainerCount) exceeds
// fullThreshold. A zero ContainerCount means unbounded, so it never
// reports full.
func (s *Store) CheckIfFull() bool {
	if s.containerCount <= 0 {
		return false
	}
	active := float64(s.allocated.Load()) * float64(s.containerSize)
	capacity := float64(s.containerCount) * float64(s.containerSize)
	return active/capacity > fullThreshold
}

// Append packs a compressed chunk payload into one of the store's open
// container slabs, rotating to a fresh slab and queuing the sealed one
// for background commit when the assigned slab is full.
func (s *Store) Append(ctx context.Context, fp domain.Fingerprint, compressed []byte, rawLen uint32, codec container.Compression) (domain.ContainerAddress, error) {
	if s.CheckIfFull() {
		return domain.ContainerAddress{}, ErrFull
	}

	s.slotsMu.Lock()
	n := len(s.slots)
	s.slotsMu.Unlock()

	for attempt := 0; attempt <= n; attempt++ {
		sl := s.selectSlot()

		addr, full, err := s.appendToSlot(sl, fp, compressed, rawLen, codec)
		if full != nil {
			if qerr := s.enqueueCommit(full); qerr != nil {
				return domain.ContainerAddress{}, qerr
			}
		}
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, container.ErrContainerFull) {
			return domain.ContainerAddress{}, err
		}
	}
	return domain.ContainerAddress{}, fmt.Errorf("chunkstore: item of %d bytes does not fit in a container of size %d", len(compressed), s.containerSize)
}

// selectSlot picks the slot Append should write into next and returns it
// already locked; the caller unlocks it (appendToSlot does, via defer).
// StrategyEarliestFree tries every slot in index order with a
// non-blocking TryLock and takes the first uncontended one, falling back
// to a blocking round-robin pick when every slot is busy.
// StrategyRoundRobin always cycles, ignoring contention.
func (s *Store) selectSlot() *slot {
	if s.writeStrategy == StrategyEarliestFree {
		s.slotsMu.Lock()
		slots := append([]*slot(nil), s.slots...)
		s.slotsMu.Unlock()

		for _, sl := range slots {
			if sl.mu.TryLock() {
				return sl
			}
		}
	}

	s.slotsMu.Lock()
	idx := s.cursor
	s.cursor = (s.cursor + 1) % len(s.slots)
	sl := s.slots[idx]
	s.slotsMu.Unlock()

	sl.mu.Lock()
	return sl
}

// appendToSlot tries to append to sl's current container, which the
// caller must already hold locked. If it is full, sl is rotated to a
// fresh container and the append is retried once against it; the
// now-sealed container is returned for the caller to queue for commit
// regardless of whether the retry itself succeeded.
func (s *Store) appendToSlot(sl *slot, fp domain.Fingerprint, compressed []byte, rawLen uint32, codec container.Compression) (domain.ContainerAddress, *container.Container, error) {
	defer sl.mu.Unlock()

	idx, err := sl.c.Append(fp, compressed, rawLen, codec)
	if err == nil {
		return domain.ContainerAddress{ContainerID: sl.c.ID, ItemIndex: idx}, nil, nil
	}
	if !errors.Is(err, container.ErrContainerFull) {
		return domain.ContainerAddress{}, nil, err
	}

	full := sl.c
	full.Seal()
	sl.c = container.New(domain.NewContainerID(), s.containerSize)
	s.allocated.Add(1)

	idx, err = sl.c.Append(fp, compressed, rawLen, codec)
	if err != nil {
		return domain.ContainerAddress{}, full, err
	}
	return domain.ContainerAddress{ContainerID: sl.c.ID, ItemIndex: idx}, full, nil
}

func (s *Store) enqueueCommit(c *container.Container) error {
	select {
	case s.commitQueue <- c:
		return nil
	case <-s.closing:
		return ErrClosed
	}
}

// Read returns the compressed payload, raw length, and codec for a chunk
// at addr, reading from whichever open slot or sealed container currently
// holds it.
func (s *Store) Read(ctx context.Context, addr domain.ContainerAddress) ([]byte, uint32, container.Compression, error) {
	if payload, rawLen, codec, ok := s.readOpenSlot(addr); ok {
		return payload, rawLen, codec, nil
	}

	c, err := s.loadSealed(ctx, addr.ContainerID)
	if err != nil {
		return nil, 0, 0, err
	}
	return itemPayload(c, addr.ItemIndex)
}

func (s *Store) readOpenSlot(addr domain.ContainerAddress) ([]byte, uint32, container.Compression, bool) {
	s.slotsMu.Lock()
	slots := append([]*slot(nil), s.slots...)
	s.slotsMu.Unlock()

	for _, sl := range slots {
		sl.mu.Lock()
		if sl.c.ID == addr.ContainerID {
			payload, rawLen, codec, err := itemPayload(sl.c, addr.ItemIndex)
			sl.mu.Unlock()
			if err == nil {
				return payload, rawLen, codec, true
			}
			return nil, 0, 0, false
		}
		sl.mu.Unlock()
	}
	return nil, 0, 0, false
}

func itemPayload(c *container.Container, idx uint32) ([]byte, uint32, container.Compression, error) {
	payload, err := c.ItemPayload(idx)
	if err != nil {
		return nil, 0, 0, err
	}
	items := c.Items()
	if int(idx) >= len(items) {
		return nil, 0, 0, container.ErrItemNotFound
	}
	item := items[idx]
	return append([]byte(nil), payload...), item.RawLen, item.Codec, nil
}

// loadSealed returns the decoded sealed container for id, from the read
// cache if warm, otherwise loaded from disk. Concurrent loads of the same
// id are deduplicated via internal/callgroup.
func (s *Store) loadSealed(ctx context.Context, id domain.ContainerID) (*container.Container, error) {
	if c, ok := s.readCache.Get(id); ok {
		return c, nil
	}

	errCh := s.inflight.DoChan(id, func() error {
		if _, ok := s.readCache.Get(id); ok {
			return nil
		}
		raw, err := os.ReadFile(s.containerPath(id))
		if err != nil {
			return err
		}
		c, err := container.Decode(id, raw)
		if err != nil {
			return err
		}
		s.readCache.Add(id, c)
		return nil
	})

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("chunkstore: load container %s: %w", id, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c, ok := s.readCache.Get(id)
	if !ok {
		return nil, fmt.Errorf("chunkstore: container %s not found after load", id)
	}
	return c, nil
}

// Wait returns a channel closed on the next committed container, for
// callers such as the garbage collector waiting for new mappings to
// become durable.
func (s *Store) Wait() <-chan struct{} {
	return s.commitSignal.C()
}

func (s *Store) containerPath(id domain.ContainerID) string {
	return filepath.Join(s.dir, id.String()+".container")
}

// committerLoop persists sealed containers to disk and records their
// commit in the operation log.
func (s *Store) committerLoop() {
	defer s.wg.Done()
	for {
		select {
		case c := <-s.commitQueue:
			s.commit(c)
		case <-s.closing:
			s.drainCommitQueue()
			return
		}
	}
}

func (s *Store) drainCommitQueue() {
	for {
		select {
		case c := <-s.commitQueue:
			s.commit(c)
		default:
			return
		}
	}
}

func (s *Store) commit(c *container.Container) {
	raw, err := c.Encode()
	if err != nil {
		s.logger.Error("encode sealed container", "container", c.ID.String(), "error", err)
		return
	}
	if err := fileatomic.WriteFile(s.containerPath(c.ID), bytes.NewReader(raw)); err != nil {
		s.logger.Error("write sealed container", "container", c.ID.String(), "error", err)
		return
	}

	s.readCache.Add(c.ID, c)

	if _, err := s.log.Append(context.Background(), domain.LogEvent{
		Type:        domain.LogContainerCommit,
		ContainerID: c.ID,
	}); err != nil {
		s.logger.Error("record container commit", "container", c.ID.String(), "error", err)
	}

	s.commitSignal.Notify()
}

// Close stops accepting new commits and waits for in-flight committer
// work to drain. Any containers still open in a write slot at Close time
// are left unsealed and uncommitted; recovering them is the caller's
// responsibility (they are never referenced by a durable mapping, so
// dropping their contents on an unclean shutdown is safe by construction).
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}

// Package blockindex implements the block_id -> BlockMapping store: a
// write-back cache of recently written mappings, a ready
// queue for mappings whose referenced chunk data has been confirmed
// committed, and a background committer pool draining the ready queue
// into a persistent internal/kvindex backend. The write-back-cache plus
// ready-queue plus background-drain-worker shape is modeled on the
// committer/job-progress idiom used for scheduled background work
// elsewhere in this module (internal/idle, internal/gc).
//
// Simplification: domain.BlockMapping carries chunk fingerprints, not
// per-item container addresses (that association belongs to
// internal/chunkindex). Readiness is tracked per referenced container
// rather than decoded from the mapping itself: Track registers which
// containers a just-staged mapping is still waiting on, and
// NotifyContainerCommitted advances every block waiting on a container
// once it commits. An entry recovered via dirty-start replay (after a
// crash, before Track can be reissued) carries no outstanding
// containers and is queued for migration immediately — safe because the
// chunk index, not the block index, is authoritative for whether a
// fingerprint's data has actually landed in a committed container.
package blockindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dedupvol/internal/domain"
	"dedupvol/internal/kvindex"
	"dedupvol/internal/logging"
	"dedupvol/internal/oplog"
)

// DefaultLockStripes is the default size of the block-lock array.
const DefaultLockStripes = 1021

// DefaultCommitters is the default number of ready-queue drain workers.
const DefaultCommitters = 2

var ErrNotFound = kvindex.ErrNotFound

// Options configures New.
type Options struct {
	Backend     kvindex.Index
	LockStripes int
	Committers  int
	Logger      *slog.Logger
}

type entry struct {
	mapping domain.BlockMapping
	waiting map[domain.ContainerID]struct{}
}

// Index is the block index: a block_id -> domain.BlockMapping lookup
// with a write-back cache and background migration to a persistent
// backend.
type Index struct {
	backend kvindex.Index
	locks   []sync.Mutex
	logger  *slog.Logger

	mu          sync.Mutex
	cache       map[uint64]*entry
	byContainer map[domain.ContainerID]map[uint64]struct{}

	ready   chan uint64
	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates a block index over the given backend and starts its
// ready-queue committer pool.
func New(opts Options) *Index {
	stripes := opts.LockStripes
	if stripes <= 0 {
		stripes = DefaultLockStripes
	}
	committers := opts.Committers
	if committers <= 0 {
		committers = DefaultCommitters
	}

	x := &Index{
		backend:     opts.Backend,
		locks:       make([]sync.Mutex, stripes),
		logger:      logging.Default(opts.Logger).With("component", "blockindex"),
		cache:       make(map[uint64]*entry),
		byContainer: make(map[domain.ContainerID]map[uint64]struct{}),
		ready:       make(chan uint64, 1024),
		closing:     make(chan struct{}),
	}
	for range committers {
		x.wg.Add(1)
		go x.committerLoop()
	}
	return x
}

// Name identifies this index as an oplog.Consumer.
func (x *Index) Name() string { return "blockindex" }

// Apply stages block-mapping writes and deletes into the write-back
// cache and advances ready-queue bookkeeping on container commits. It
// implements oplog.Consumer and is expected to run in all three replay
// modes (direct write-back, background, and dirty-start recovery).
func (x *Index) Apply(_ context.Context, ev domain.LogEvent, mode oplog.ReplayMode) error {
	switch ev.Type {
	case domain.LogBlockWrite:
		if ev.BlockPair != nil {
			x.stage(ev.BlockPair.New, mode)
		}
	case domain.LogBlockDelete:
		if ev.BlockPair != nil {
			x.forget(ev.BlockPair.New.BlockID)
		}
	case domain.LogContainerCommit:
		x.NotifyContainerCommitted(ev.ContainerID)
	}
	return nil
}

func (x *Index) stage(m domain.BlockMapping, mode oplog.ReplayMode) {
	x.mu.Lock()
	x.cache[m.BlockID] = &entry{mapping: m, waiting: make(map[domain.ContainerID]struct{})}
	immediate := mode == oplog.ReplayDirtyStart
	x.mu.Unlock()

	if immediate {
		x.enqueueReady(m.BlockID)
	}
}

func (x *Index) forget(blockID uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.cache, blockID)
}

// Track records that the mapping just staged for blockID is still
// waiting on the given containers to commit before it is safe to
// migrate to the persistent backend. Callers issue this synchronously
// on the write path, immediately after the corresponding LogBlockWrite
// event has been applied.
func (x *Index) Track(blockID uint64, containers []domain.ContainerID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.cache[blockID]
	if !ok {
		return
	}
	for _, c := range containers {
		e.waiting[c] = struct{}{}
		if x.byContainer[c] == nil {
			x.byContainer[c] = make(map[uint64]struct{})
		}
		x.byContainer[c][blockID] = struct{}{}
	}
}

// NotifyContainerCommitted advances every block mapping waiting on
// containerID; blocks with no remaining outstanding containers are
// pushed onto the ready queue for background migration.
func (x *Index) NotifyContainerCommitted(containerID domain.ContainerID) {
	x.mu.Lock()
	blocks := x.byContainer[containerID]
	delete(x.byContainer, containerID)
	var toQueue []uint64
	for blockID := range blocks {
		e, ok := x.cache[blockID]
		if !ok {
			continue
		}
		delete(e.waiting, containerID)
		if len(e.waiting) == 0 {
			toQueue = append(toQueue, blockID)
		}
	}
	x.mu.Unlock()

	for _, id := range toQueue {
		x.enqueueReady(id)
	}
}

func (x *Index) enqueueReady(blockID uint64) {
	select {
	case x.ready <- blockID:
	case <-x.closing:
	}
}

// Lookup returns the mapping for blockID, checking the write-back cache
// before falling through to the persistent backend.
func (x *Index) Lookup(ctx context.Context, blockID uint64) (domain.BlockMapping, bool, error) {
	x.mu.Lock()
	if e, ok := x.cache[blockID]; ok {
		m := e.mapping
		x.mu.Unlock()
		return m, true, nil
	}
	x.mu.Unlock()

	val, err := x.backend.Lookup(ctx, encodeKey(blockID))
	if errors.Is(err, kvindex.ErrNotFound) {
		return domain.BlockMapping{}, false, nil
	}
	if err != nil {
		return domain.BlockMapping{}, false, err
	}
	m, err := decodeBlockMapping(val)
	if err != nil {
		return domain.BlockMapping{}, false, err
	}
	return m, true, nil
}

// lockFor returns the stripe mutex guarding blockID.
func (x *Index) lockFor(blockID uint64) *sync.Mutex {
	return &x.locks[blockID%uint64(len(x.locks))]
}

// WithBlockLock runs fn while holding blockID's stripe.
func (x *Index) WithBlockLock(blockID uint64, fn func() error) error {
	lock := x.lockFor(blockID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// WithBlockLocks acquires the stripes for two block IDs and runs fn.
// Stripes are always locked in ascending stripe-index order regardless
// of the order a and b are given in, so two callers locking the same
// pair of blocks can never deadlock against each other.
func (x *Index) WithBlockLocks(a, b uint64, fn func() error) error {
	ia, ib := a%uint64(len(x.locks)), b%uint64(len(x.locks))
	if ia == ib {
		return x.WithBlockLock(a, fn)
	}
	first, second := ia, ib
	if first > second {
		first, second = second, first
	}
	x.locks[first].Lock()
	defer x.locks[first].Unlock()
	x.locks[second].Lock()
	defer x.locks[second].Unlock()
	return fn()
}

func (x *Index) committerLoop() {
	defer x.wg.Done()
	for {
		select {
		case id := <-x.ready:
			x.migrate(id)
		case <-x.closing:
			x.drainReady()
			return
		}
	}
}

func (x *Index) drainReady() {
	for {
		select {
		case id := <-x.ready:
			x.migrate(id)
		default:
			return
		}
	}
}

func (x *Index) migrate(blockID uint64) {
	x.mu.Lock()
	e, ok := x.cache[blockID]
	x.mu.Unlock()
	if !ok {
		return
	}

	if err := x.backend.Put(context.Background(), encodeKey(blockID), encodeBlockMapping(e.mapping)); err != nil {
		x.logger.Error("migrate block mapping", "block_id", blockID, "error", err)
		return
	}

	x.mu.Lock()
	delete(x.cache, blockID)
	x.mu.Unlock()
}

// Close stops accepting new container-commit notifications and drains
// the ready queue to completion before returning: unlike a fast stop
// elsewhere, the block-index committer always finishes migrating
// everything already queued. Callers must stop
// feeding new writes before calling Close; anything enqueued
// concurrently with Close may be lost.
func (x *Index) Close() error {
	close(x.closing)
	x.wg.Wait()
	return nil
}

func encodeKey(blockID uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], blockID)
	return buf[:]
}

func encodeBlockMapping(m domain.BlockMapping) []byte {
	buf := make([]byte, 0, 8+8+8+4+4+len(m.Chunks)*domain.FingerprintSize)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], m.BlockID)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], m.Version)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], m.LogID)
	buf = append(buf, tmp8[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], m.ChunkSize)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(m.Chunks)))
	buf = append(buf, tmp4[:]...)
	for _, fp := range m.Chunks {
		buf = append(buf, fp[:]...)
	}
	return buf
}

func decodeBlockMapping(buf []byte) (domain.BlockMapping, error) {
	if len(buf) < 32 {
		return domain.BlockMapping{}, fmt.Errorf("blockindex: mapping payload too small")
	}
	m := domain.BlockMapping{
		BlockID: binary.LittleEndian.Uint64(buf[0:8]),
		Version: binary.LittleEndian.Uint64(buf[8:16]),
		LogID:   binary.LittleEndian.Uint64(buf[16:24]),
	}
	m.ChunkSize = binary.LittleEndian.Uint32(buf[24:28])
	count := binary.LittleEndian.Uint32(buf[28:32])
	pos := 32
	m.Chunks = make([]domain.Fingerprint, count)
	for i := range int(count) {
		if pos+domain.FingerprintSize > len(buf) {
			return m, fmt.Errorf("blockindex: truncated chunk list")
		}
		copy(m.Chunks[i][:], buf[pos:pos+domain.FingerprintSize])
		pos += domain.FingerprintSize
	}
	return m, nil
}

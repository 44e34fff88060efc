// Package chunkindex implements the fingerprint -> ChunkMapping lookup
// over a pluggable internal/kvindex backend. A write-back
// auxiliary holds mappings for chunks packed into containers that have
// not yet committed (mirroring the dirty-state handling described for
// index.IndexManager and chunk/file's active-chunk bookkeeping); once a
// container's commit is observed, its staged mappings are flushed into
// the persistent backend in one batch. Chunk-lock striping follows the
// same striped-array idiom used throughout this module for block-lock
// striping.
package chunkindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"dedupvol/internal/bloom"
	"dedupvol/internal/domain"
	"dedupvol/internal/kvindex"
	"dedupvol/internal/oplog"
)

// DefaultLockStripes is the default number of chunk-lock stripes.
const DefaultLockStripes = 1021

// mappingSize is the encoded value size: ContainerID(16) + ItemIndex(4) +
// Size(4) + UsageCount(8) + LogID(8) + Indexed(1).
const mappingSize = 16 + 4 + 4 + 8 + 8 + 1

var ErrNotFound = kvindex.ErrNotFound

// Options configures New.
type Options struct {
	Backend     kvindex.Index
	LockStripes int

	// Bloom, if set, receives every fingerprint whose container commits
	// (CommitContainer) and is read by InCombat. Ownership is shared with
	// the filter chain, whose bloom filter also reads and adds to it.
	Bloom *bloom.Filter

	// SampleMask, if non-zero, restricts indexing to fingerprints whose
	// xxhash digest and-masks to zero (anchor-only / sampled indexing);
	// the fingerprint's own bits are not tested directly. Zero disables
	// sampling: every chunk is indexed.
	SampleMask uint64
}

// Index is the chunk index: a fingerprint -> domain.ChunkMapping lookup
// with a write-back staging area for not-yet-committed containers.
type Index struct {
	backend    kvindex.Index
	bloom      *bloom.Filter
	sampleMask uint64

	locks []sync.Mutex

	mu      sync.Mutex
	pending map[domain.ContainerID]map[domain.Fingerprint]domain.ChunkMapping
}

// New creates a chunk index over the given backend.
func New(opts Options) *Index {
	stripes := opts.LockStripes
	if stripes <= 0 {
		stripes = DefaultLockStripes
	}
	return &Index{
		backend:    opts.Backend,
		bloom:      opts.Bloom,
		sampleMask: opts.SampleMask,
		locks:      make([]sync.Mutex, stripes),
		pending:    make(map[domain.ContainerID]map[domain.Fingerprint]domain.ChunkMapping),
	}
}

// Sampled reports whether fp should be indexed at all, given the
// configured sampling mask. A zero mask indexes everything.
func (x *Index) Sampled(fp domain.Fingerprint) bool {
	if x.sampleMask == 0 {
		return true
	}
	return xxhash.Sum64(fp[:])&x.sampleMask == 0
}

// lockFor returns the stripe mutex guarding fp. Callers must not hold a
// stripe lock while acquiring another: stripes are never nested.
func (x *Index) lockFor(fp domain.Fingerprint) *sync.Mutex {
	h := xxhash.Sum64(fp[:])
	return &x.locks[h%uint64(len(x.locks))]
}

// WithLock runs fn while holding fp's chunk-lock stripe.
func (x *Index) WithLock(fp domain.Fingerprint, fn func() error) error {
	lock := x.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Lock acquires fp's chunk-lock stripe and returns a function that
// releases it. Used by internal/filterchain's chunk-index filter, which
// must hold the lock across the Check/Update-or-Abort boundary rather
// than for the duration of a single call.
func (x *Index) Lock(fp domain.Fingerprint) func() {
	lock := x.lockFor(fp)
	lock.Lock()
	return lock.Unlock
}

// Lookup returns the mapping for fp, checking staged (uncommitted)
// mappings before falling through to the persistent backend.
func (x *Index) Lookup(ctx context.Context, fp domain.Fingerprint) (domain.ChunkMapping, bool, error) {
	if m, ok := x.lookupPending(fp); ok {
		return m, true, nil
	}
	val, err := x.backend.Lookup(ctx, fp.Bytes())
	if errors.Is(err, kvindex.ErrNotFound) {
		return domain.ChunkMapping{}, false, nil
	}
	if err != nil {
		return domain.ChunkMapping{}, false, err
	}
	m, err := decodeMapping(fp, val)
	if err != nil {
		return domain.ChunkMapping{}, false, err
	}
	return m, true, nil
}

func (x *Index) lookupPending(fp domain.Fingerprint) (domain.ChunkMapping, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, staged := range x.pending {
		if m, ok := staged[fp]; ok {
			return m, true
		}
	}
	return domain.ChunkMapping{}, false
}

// Stage records a mapping for a chunk packed into a container that has
// not yet been durably committed. It is visible to Lookup immediately but
// not written to the backend until CommitContainer is called for its
// container. Stage is the authority on whether a fingerprint is
// actually indexed: a chunk whose fingerprint is not Sampled is dropped
// silently, regardless of what m.Indexed was set to by the caller (a
// chunk's data still gets written to the chunk store either way; only
// whether its fingerprint becomes dedup-discoverable is gated here).
// Anything that does get staged always has Indexed set true, since
// presence in the index is itself what "indexed" means.
func (x *Index) Stage(m domain.ChunkMapping) {
	if !x.Sampled(m.Fingerprint) {
		return
	}
	m.Indexed = true

	x.mu.Lock()
	defer x.mu.Unlock()
	id := m.Address.ContainerID
	if x.pending[id] == nil {
		x.pending[id] = make(map[domain.Fingerprint]domain.ChunkMapping)
	}
	x.pending[id][m.Fingerprint] = m
}

// CommitContainer flushes every mapping staged for containerID into the
// persistent backend and adds them to the Bloom filter, then forgets the
// staged set. Called when the chunk store reports the container has been
// durably sealed (a LogContainerCommit event).
func (x *Index) CommitContainer(ctx context.Context, containerID domain.ContainerID) error {
	x.mu.Lock()
	staged := x.pending[containerID]
	delete(x.pending, containerID)
	x.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}

	if batcher, ok := x.backend.(kvindex.BatchWriter); ok {
		entries := make([]kvindex.Entry, 0, len(staged))
		for fp, m := range staged {
			entries = append(entries, kvindex.Entry{Key: fp.Bytes(), Value: encodeMapping(m)})
		}
		if err := batcher.PutBatch(ctx, entries); err != nil {
			return fmt.Errorf("chunkindex: batch commit container %s: %w", containerID, err)
		}
	} else {
		for fp, m := range staged {
			if err := x.backend.Put(ctx, fp.Bytes(), encodeMapping(m)); err != nil {
				return fmt.Errorf("chunkindex: commit container %s: %w", containerID, err)
			}
		}
	}

	if x.bloom != nil {
		for fp := range staged {
			x.bloom.Add(fp.Bytes())
		}
	}
	return nil
}

// Name identifies this index as an oplog.Consumer.
func (x *Index) Name() string { return "chunkindex" }

// Apply flushes staged mappings on LogContainerCommit. CommitContainer
// is idempotent (a container with nothing staged is a no-op), so this
// runs safely in every replay mode; a dirty-start replay after a crash
// never finds anything staged for an old container since staging only
// ever happens in-process, never recovered from the log itself.
func (x *Index) Apply(ctx context.Context, ev domain.LogEvent, _ oplog.ReplayMode) error {
	if ev.Type != domain.LogContainerCommit {
		return nil
	}
	return x.CommitContainer(ctx, ev.ContainerID)
}

// AbortContainer discards staged mappings for containerID without
// persisting them (the container was never sealed, e.g. on shutdown).
func (x *Index) AbortContainer(containerID domain.ContainerID) {
	x.mu.Lock()
	delete(x.pending, containerID)
	x.mu.Unlock()
}

// UpdateUsage applies a reference-count delta to fp's mapping under its
// chunk-lock stripe, using compare-and-swap against the encoded value so
// concurrent garbage-collector and writer updates never interleave
// destructively. logID is stored as the mapping's new high-water mark.
func (x *Index) UpdateUsage(ctx context.Context, fp domain.Fingerprint, delta int64, logID uint64) error {
	return x.WithLock(fp, func() error {
		current, err := x.backend.Lookup(ctx, fp.Bytes())
		if err != nil {
			return err
		}
		m, err := decodeMapping(fp, current)
		if err != nil {
			return err
		}
		if logID <= m.LogID {
			// Already applied by a later-or-equal update; replay is
			// at-least-once so this keeps repeated delivery a no-op
			// instead of double-counting.
			return nil
		}
		updated := m
		updated.UsageCount += delta
		updated.LogID = logID
		return x.backend.CompareAndSwap(ctx, fp.Bytes(), current, encodeMapping(updated))
	})
}

// InCombat reports whether fp may currently be referenced by a chunk
// still moving through the filter chain or container write path. It
// answers via the same Bloom filter CommitContainer populates, so a
// false negative is impossible but a false positive is, and the filter
// only ever grows (Reset aside): a fingerprint once in combat stays
// "maybe in combat" forever as far as this check is concerned. Callers
// that need a real answer must pair this with an authoritative recheck
// (UsageCount under the chunk lock) rather than trust it alone. Reports
// false with no Bloom configured.
func (x *Index) InCombat(fp domain.Fingerprint) bool {
	if x.bloom == nil {
		return false
	}
	return x.bloom.MightContain(fp.Bytes())
}

// Delete removes fp's mapping from the persistent backend. Callers must
// hold fp's chunk-lock stripe (WithLock/Lock) and must have already
// reconfirmed UsageCount == 0 under that lock: Delete itself performs no
// usage check.
func (x *Index) Delete(ctx context.Context, fp domain.Fingerprint) error {
	if err := x.backend.Delete(ctx, fp.Bytes()); err != nil {
		return fmt.Errorf("chunkindex: delete %s: %w", fp, err)
	}
	return nil
}

func encodeMapping(m domain.ChunkMapping) []byte {
	buf := make([]byte, mappingSize)
	copy(buf[0:16], m.Address.ContainerID[:])
	binary.LittleEndian.PutUint32(buf[16:20], m.Address.ItemIndex)
	binary.LittleEndian.PutUint32(buf[20:24], m.Size)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.UsageCount))
	binary.LittleEndian.PutUint64(buf[32:40], m.LogID)
	if m.Indexed {
		buf[40] = 1
	}
	return buf
}

func decodeMapping(fp domain.Fingerprint, buf []byte) (domain.ChunkMapping, error) {
	if len(buf) != mappingSize {
		return domain.ChunkMapping{}, fmt.Errorf("chunkindex: bad mapping length %d", len(buf))
	}
	m := domain.ChunkMapping{Fingerprint: fp}
	copy(m.Address.ContainerID[:], buf[0:16])
	m.Address.ItemIndex = binary.LittleEndian.Uint32(buf[16:20])
	m.Size = binary.LittleEndian.Uint32(buf[20:24])
	m.UsageCount = int64(binary.LittleEndian.Uint64(buf[24:32]))
	m.LogID = binary.LittleEndian.Uint64(buf[32:40])
	m.Indexed = buf[40] != 0
	return m, nil
}

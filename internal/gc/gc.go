// Package gc implements the reference-count garbage collector: an
// internal/oplog consumer that derives per-fingerprint usage-count diffs
// from block-mapping writes, and an idle-period drainer that reclaims
// chunks whose usage count has settled at zero.
//
// Usage accounting and candidate draining are deliberately split across
// two different triggers. Accounting reacts to every block write as soon
// as it is durable (background replay); draining only runs while the
// system is otherwise idle, so reclamation I/O never competes with live
// request traffic. The two are connected only through the candidate
// index: accounting adds entries, draining removes them.
package gc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"dedupvol/internal/chunkindex"
	"dedupvol/internal/domain"
	"dedupvol/internal/kvindex"
	"dedupvol/internal/logging"
	"dedupvol/internal/oplog"
)

// Mode selects how the collector reacts to block-mapping diffs.
type Mode int

const (
	// ModeUsage is reference-count mode: usage counts are maintained and
	// zero-usage chunks become reclamation candidates.
	ModeUsage Mode = iota
	// ModeNone observes block-mapping diffs but performs no accounting
	// or reclamation, for benchmarks measuring the write path in
	// isolation from garbage collection.
	ModeNone
)

func (m Mode) String() string {
	if m == ModeNone {
		return "none"
	}
	return "usage"
}

// DefaultDrainBatchSize bounds how many candidates a single idle tick
// re-examines.
const DefaultDrainBatchSize = 256

// Options configures New.
type Options struct {
	Mode Mode

	Chunks *chunkindex.Index
	// Candidates holds zero-usage fingerprints awaiting reclamation. It
	// must support kvindex.Iterator; it persists across restarts so
	// candidates found before a crash are not lost.
	Candidates kvindex.Index
	Log        *oplog.Log

	DrainBatchSize int
	// Limiter, if set, throttles the I/O done while draining a batch of
	// candidates so reclamation never saturates the disk during an idle
	// window a writer is about to interrupt.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// GC is the reference-count garbage collector. It implements
// oplog.Consumer (usage accounting) and the idle-tick consumer shape
// expected by internal/idle (Name/IdleStart/IdleTick/IdleEnd).
type GC struct {
	mode Mode

	chunks     *chunkindex.Index
	candidates kvindex.Index
	log        *oplog.Log

	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[domain.Fingerprint]pendingDelta
	idle    bool
}

type pendingDelta struct {
	delta int64
	logID uint64
}

// New creates a garbage collector over the given chunk index and
// candidate store. The caller must register it with the operation log
// (oplog.Log.RegisterConsumer) and with the idle detector separately;
// New itself performs no wiring.
func New(opts Options) *GC {
	batch := opts.DrainBatchSize
	if batch <= 0 {
		batch = DefaultDrainBatchSize
	}
	return &GC{
		mode:       opts.Mode,
		chunks:     opts.Chunks,
		candidates: opts.Candidates,
		log:        opts.Log,
		batchSize:  batch,
		limiter:    opts.Limiter,
		logger:     logging.Default(opts.Logger).With("component", "gc"),
		pending:    make(map[domain.Fingerprint]pendingDelta),
	}
}

// Name identifies this collector both as an oplog.Consumer and as an
// idle-tick consumer.
func (g *GC) Name() string { return "gc" }

// Apply implements oplog.Consumer. Usage accounting only runs on
// background and dirty-start replay. Direct-mode delivery happens
// synchronously inside Append, before the write path has even returned
// to its caller; accounting is allowed to lag behind that by design, and
// chunkindex.UpdateUsage's own logID guard makes repeated delivery of the
// same event a no-op rather than a double-count.
func (g *GC) Apply(ctx context.Context, ev domain.LogEvent, mode oplog.ReplayMode) error {
	if mode == oplog.ReplayDirect {
		return nil
	}
	switch ev.Type {
	case domain.LogBlockWrite, domain.LogBlockDelete:
		if ev.BlockPair != nil {
			g.applyDiff(ctx, *ev.BlockPair, ev.ID)
		}
	case domain.LogContainerCommit:
		g.retryPending(ctx)
	}
	return nil
}

func (g *GC) applyDiff(ctx context.Context, pair domain.BlockMappingPair, logID uint64) {
	if g.mode == ModeNone {
		return
	}
	added, removed := pair.Diff()
	for _, fp := range added {
		g.updateUsage(ctx, fp, 1, logID)
	}
	for _, fp := range removed {
		g.updateUsage(ctx, fp, -1, logID)
	}
}

func (g *GC) updateUsage(ctx context.Context, fp domain.Fingerprint, delta int64, logID uint64) {
	if !g.chunks.Sampled(fp) {
		// Never indexed, so there is no durable mapping to CAS against
		// and never will be: unlike the ErrNotFound/not-committed-yet
		// case below, retrying this would just spin forever.
		return
	}
	err := g.chunks.UpdateUsage(ctx, fp, delta, logID)
	switch {
	case errors.Is(err, kvindex.ErrNotFound):
		// The chunk's container hasn't committed yet, so there's no
		// durable mapping to CAS against. Queue it and retry once a
		// commit arrives.
		g.queueRetry(fp, delta, logID)
		return
	case errors.Is(err, kvindex.ErrVersionMismatch):
		// Lost a race with a concurrent usage update. Retry on the next
		// commit rather than spinning in place.
		g.queueRetry(fp, delta, logID)
		return
	case err != nil:
		g.logger.Error("update usage", "fingerprint", fp, "error", err)
		return
	}
	if delta < 0 {
		g.checkCandidate(ctx, fp)
	}
}

func (g *GC) queueRetry(fp domain.Fingerprint, delta int64, logID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.pending[fp]
	e.delta += delta
	if logID > e.logID {
		e.logID = logID
	}
	g.pending[fp] = e
}

// retryPending re-attempts every usage update that previously failed
// because its chunk mapping wasn't durable yet. Triggered by
// LogContainerCommit, the only event that can make a previously-missing
// mapping visible.
func (g *GC) retryPending(ctx context.Context) {
	g.mu.Lock()
	batch := g.pending
	g.pending = make(map[domain.Fingerprint]pendingDelta)
	g.mu.Unlock()

	for fp, e := range batch {
		if e.delta == 0 {
			continue
		}
		g.updateUsage(ctx, fp, e.delta, e.logID)
	}
}

// checkCandidate re-reads fp's authoritative usage count and, if it has
// settled at zero, records it in the candidate index for later draining.
func (g *GC) checkCandidate(ctx context.Context, fp domain.Fingerprint) {
	m, ok, err := g.chunks.Lookup(ctx, fp)
	if err != nil {
		g.logger.Error("candidate lookup", "fingerprint", fp, "error", err)
		return
	}
	if !ok || m.UsageCount != 0 {
		return
	}
	if err := g.candidates.Put(ctx, fp.Bytes(), encodeCandidate(m.LogID)); err != nil {
		g.logger.Error("record candidate", "fingerprint", fp, "error", err)
	}
}

func encodeCandidate(logID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, logID)
	return buf
}

// IdleStart makes the collector eligible to drain candidates on
// subsequent IdleTick calls.
func (g *GC) IdleStart(ctx context.Context) {
	g.mu.Lock()
	g.idle = true
	g.mu.Unlock()
}

// IdleTick drains one batch of reclamation candidates. A no-op in
// ModeNone or outside an active idle period.
func (g *GC) IdleTick(ctx context.Context) {
	g.mu.Lock()
	active := g.idle
	g.mu.Unlock()
	if !active || g.mode != ModeUsage {
		return
	}
	if err := g.drainBatch(ctx); err != nil {
		g.logger.Error("drain candidates", "error", err)
	}
}

// IdleEnd suspends candidate draining. Usage accounting keeps running
// regardless; only reclamation pauses. Candidates already recorded
// persist across the pause, and across a restart.
func (g *GC) IdleEnd(ctx context.Context) {
	g.mu.Lock()
	g.idle = false
	g.mu.Unlock()
}

// drainBatch re-validates up to batchSize candidates and deletes the
// ones still genuinely unreferenced, then logs the reclaimed set as a
// single event so container-level compaction can pick it up.
func (g *GC) drainBatch(ctx context.Context) error {
	iter, ok := g.candidates.(kvindex.Iterator)
	if !ok {
		return fmt.Errorf("gc: candidate backend %T does not support iteration", g.candidates)
	}

	var keys [][]byte
	err := iter.Iterate(ctx, func(e kvindex.Entry) bool {
		keys = append(keys, e.Key)
		return len(keys) < g.batchSize
	})
	if err != nil {
		return fmt.Errorf("gc: list candidates: %w", err)
	}

	var reclaimed []domain.Fingerprint
	for _, key := range keys {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		fp, err := domain.FingerprintFromBytes(key)
		if err != nil {
			g.logger.Error("decode candidate key", "error", err)
			continue
		}
		if g.reclaim(ctx, fp) {
			reclaimed = append(reclaimed, fp)
		}
	}
	if len(reclaimed) == 0 {
		return nil
	}

	_, err = g.log.Append(ctx, domain.LogEvent{
		Type:    domain.LogGCUsageUpdate,
		GCDelta: &domain.GCUsageDelta{Removed: reclaimed},
	})
	return err
}

// reclaim re-validates a single candidate under its chunk lock and the
// shared in-combat Bloom filter, deleting it if it is still genuinely
// unreferenced. The candidate record is always dropped afterward: a
// chunk that is no longer zero-usage or that looks in-combat doesn't
// need revisiting until another write drives its usage back to zero,
// which re-adds it via checkCandidate.
func (g *GC) reclaim(ctx context.Context, fp domain.Fingerprint) bool {
	defer func() { _ = g.candidates.Delete(ctx, fp.Bytes()) }()

	if g.chunks.InCombat(fp) {
		return false
	}

	reclaimed := false
	unlock := g.chunks.Lock(fp)
	func() {
		defer unlock()
		m, ok, err := g.chunks.Lookup(ctx, fp)
		if err != nil {
			g.logger.Error("reclaim lookup", "fingerprint", fp, "error", err)
			return
		}
		if !ok || m.UsageCount != 0 {
			return
		}
		if err := g.chunks.Delete(ctx, fp); err != nil {
			g.logger.Error("delete chunk mapping", "fingerprint", fp, "error", err)
			return
		}
		reclaimed = true
	}()
	return reclaimed
}

package gc

import (
	"context"
	"testing"
	"time"

	"dedupvol/internal/bloom"
	"dedupvol/internal/chunkindex"
	"dedupvol/internal/domain"
	"dedupvol/internal/kvindex/memhash"
	"dedupvol/internal/oplog"
)

func commitChunk(t *testing.T, chunks *chunkindex.Index, fp domain.Fingerprint) domain.ContainerAddress {
	t.Helper()
	addr := domain.ContainerAddress{ContainerID: domain.NewContainerID(), ItemIndex: 0}
	chunks.Stage(domain.ChunkMapping{Fingerprint: fp, Address: addr, Size: 16})
	if err := chunks.CommitContainer(context.Background(), addr.ContainerID); err != nil {
		t.Fatalf("commit container: %v", err)
	}
	return addr
}

func TestApplyIncrementsUsageOnAddedChunk(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-a"))
	commitChunk(t, chunks, fp)

	g := New(Options{Chunks: chunks, Candidates: memhash.New()})
	ev := domain.LogEvent{
		ID:   1,
		Type: domain.LogBlockWrite,
		BlockPair: &domain.BlockMappingPair{
			New: domain.BlockMapping{BlockID: 1, Chunks: []domain.Fingerprint{fp}},
		},
	}
	if err := g.Apply(ctx, ev, oplog.ReplayBackground); err != nil {
		t.Fatalf("apply: %v", err)
	}

	m, ok, err := chunks.Lookup(ctx, fp)
	if err != nil || !ok {
		t.Fatalf("expected mapping, ok=%v err=%v", ok, err)
	}
	if m.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", m.UsageCount)
	}
}

func TestApplyDecrementsAndRecordsCandidateAtZero(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-b"))
	commitChunk(t, chunks, fp)

	candidates := memhash.New()
	g := New(Options{Chunks: chunks, Candidates: candidates})

	add := domain.LogEvent{
		ID:   1,
		Type: domain.LogBlockWrite,
		BlockPair: &domain.BlockMappingPair{
			New: domain.BlockMapping{BlockID: 1, Chunks: []domain.Fingerprint{fp}},
		},
	}
	if err := g.Apply(ctx, add, oplog.ReplayBackground); err != nil {
		t.Fatalf("apply add: %v", err)
	}

	old := domain.BlockMapping{BlockID: 1, Chunks: []domain.Fingerprint{fp}}
	remove := domain.LogEvent{
		ID:   2,
		Type: domain.LogBlockWrite,
		BlockPair: &domain.BlockMappingPair{
			Old: &old,
			New: domain.BlockMapping{BlockID: 1, Chunks: nil},
		},
	}
	if err := g.Apply(ctx, remove, oplog.ReplayBackground); err != nil {
		t.Fatalf("apply remove: %v", err)
	}

	m, ok, err := chunks.Lookup(ctx, fp)
	if err != nil || !ok {
		t.Fatalf("expected mapping, ok=%v err=%v", ok, err)
	}
	if m.UsageCount != 0 {
		t.Fatalf("expected usage count 0, got %d", m.UsageCount)
	}
	if _, err := candidates.Lookup(ctx, fp.Bytes()); err != nil {
		t.Fatalf("expected candidate recorded: %v", err)
	}
}

func TestDirectModeReplayIsIgnored(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-c"))
	commitChunk(t, chunks, fp)

	g := New(Options{Chunks: chunks, Candidates: memhash.New()})
	ev := domain.LogEvent{
		ID:   1,
		Type: domain.LogBlockWrite,
		BlockPair: &domain.BlockMappingPair{
			New: domain.BlockMapping{BlockID: 1, Chunks: []domain.Fingerprint{fp}},
		},
	}
	if err := g.Apply(ctx, ev, oplog.ReplayDirect); err != nil {
		t.Fatalf("apply: %v", err)
	}

	m, _, err := chunks.Lookup(ctx, fp)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.UsageCount != 0 {
		t.Fatalf("expected direct-mode replay to be a no-op, got usage %d", m.UsageCount)
	}
}

func TestNotFoundChunkIsQueuedAndRetriedOnCommit(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-d"))

	g := New(Options{Chunks: chunks, Candidates: memhash.New()})
	ev := domain.LogEvent{
		ID:   1,
		Type: domain.LogBlockWrite,
		BlockPair: &domain.BlockMappingPair{
			New: domain.BlockMapping{BlockID: 1, Chunks: []domain.Fingerprint{fp}},
		},
	}
	if err := g.Apply(ctx, ev, oplog.ReplayBackground); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok, _ := chunks.Lookup(ctx, fp); ok {
		t.Fatalf("expected no mapping yet, chunk hasn't committed")
	}

	commitChunk(t, chunks, fp)
	commitEv := domain.LogEvent{ID: 2, Type: domain.LogContainerCommit}
	if err := g.Apply(ctx, commitEv, oplog.ReplayBackground); err != nil {
		t.Fatalf("apply commit: %v", err)
	}

	m, ok, err := chunks.Lookup(ctx, fp)
	if err != nil || !ok {
		t.Fatalf("expected mapping after retry, ok=%v err=%v", ok, err)
	}
	if m.UsageCount != 1 {
		t.Fatalf("expected usage count 1 after retry, got %d", m.UsageCount)
	}
}

func TestModeNoneSkipsAccounting(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-e"))
	commitChunk(t, chunks, fp)

	g := New(Options{Mode: ModeNone, Chunks: chunks, Candidates: memhash.New()})
	ev := domain.LogEvent{
		ID:   1,
		Type: domain.LogBlockWrite,
		BlockPair: &domain.BlockMappingPair{
			New: domain.BlockMapping{BlockID: 1, Chunks: []domain.Fingerprint{fp}},
		},
	}
	if err := g.Apply(ctx, ev, oplog.ReplayBackground); err != nil {
		t.Fatalf("apply: %v", err)
	}

	m, _, err := chunks.Lookup(ctx, fp)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.UsageCount != 0 {
		t.Fatalf("expected mode none to skip accounting, got usage %d", m.UsageCount)
	}
}

func newTestLog(t *testing.T) *oplog.Log {
	t.Helper()
	log, err := oplog.Open(t.TempDir(), oplog.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestIdleTickDrainsZeroUsageCandidate(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-f"))
	commitChunk(t, chunks, fp)
	candidates := memhash.New()
	if err := candidates.Put(ctx, fp.Bytes(), encodeCandidate(1)); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	log := newTestLog(t)
	g := New(Options{Chunks: chunks, Candidates: candidates, Log: log})

	g.IdleStart(ctx)
	g.IdleTick(ctx)

	if _, ok, err := chunks.Lookup(ctx, fp); err != nil || ok {
		t.Fatalf("expected mapping reclaimed, ok=%v err=%v", ok, err)
	}
	if _, err := candidates.Lookup(ctx, fp.Bytes()); err == nil {
		t.Fatalf("expected candidate entry removed after drain")
	}
}

func TestIdleTickNoopWithoutIdleStart(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	fp := domain.ComputeFingerprint([]byte("chunk-g"))
	commitChunk(t, chunks, fp)
	candidates := memhash.New()
	if err := candidates.Put(ctx, fp.Bytes(), encodeCandidate(1)); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	log := newTestLog(t)
	g := New(Options{Chunks: chunks, Candidates: candidates, Log: log})
	g.IdleTick(ctx)

	if _, ok, err := chunks.Lookup(ctx, fp); err != nil || !ok {
		t.Fatalf("expected mapping untouched without an active idle period, ok=%v err=%v", ok, err)
	}
}

func TestInCombatCandidateSurvivesDrain(t *testing.T) {
	ctx := context.Background()
	bf := bloom.New(1000, 0.01)
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New(), Bloom: bf})
	fp := domain.ComputeFingerprint([]byte("chunk-h"))
	commitChunk(t, chunks, fp)
	bf.Add(fp.Bytes())

	candidates := memhash.New()
	if err := candidates.Put(ctx, fp.Bytes(), encodeCandidate(1)); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	log := newTestLog(t)
	g := New(Options{Chunks: chunks, Candidates: candidates, Log: log})
	g.IdleStart(ctx)
	g.IdleTick(ctx)

	if _, ok, err := chunks.Lookup(ctx, fp); err != nil || !ok {
		t.Fatalf("expected in-combat chunk to survive drain, ok=%v err=%v", ok, err)
	}
	if _, err := candidates.Lookup(ctx, fp.Bytes()); err == nil {
		t.Fatalf("expected candidate record dropped even though the chunk survived")
	}
}

// An idle tick over an empty candidate set must return rather than
// block.
func TestDrainDoesNotBlockOnEmptyCandidates(t *testing.T) {
	ctx := context.Background()
	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})
	log := newTestLog(t)
	g := New(Options{Chunks: chunks, Candidates: memhash.New(), Log: log})
	g.IdleStart(ctx)

	done := make(chan struct{})
	go func() {
		g.IdleTick(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("idle tick on empty candidate set did not return")
	}
}

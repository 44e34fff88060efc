package volume

import (
	"bytes"
	"context"
	"testing"

	"dedupvol/internal/blockindex"
	"dedupvol/internal/chunkindex"
	"dedupvol/internal/chunkstore"
	"dedupvol/internal/domain"
	"dedupvol/internal/errctx"
	"dedupvol/internal/kvindex/memhash"
	"dedupvol/internal/oplog"
)

type harness struct {
	vol    *Volume
	vol2   *Volume
	log    *oplog.Log
	blocks *blockindex.Index
	chunks *chunkindex.Index
	store  *chunkstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	log, err := oplog.Open(dir, oplog.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	store, err := chunkstore.Open(chunkstore.Options{Dir: dir, Log: log})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	chunks := chunkindex.New(chunkindex.Options{Backend: memhash.New()})

	blocks := blockindex.New(blockindex.Options{Backend: memhash.New()})
	t.Cleanup(func() { blocks.Close() })
	if err := log.RegisterConsumer(ctx, blocks, 0); err != nil {
		t.Fatalf("register block index: %v", err)
	}

	vol := New(Options{
		ID:          1,
		LogicalSize: 1 << 20,
		BlockSize:   4096,
		ChunkSize:   512,
		Blocks:      blocks,
		Chunks:      chunks,
		Store:       store,
		Log:         log,
	})
	vol2 := New(Options{
		ID:          2,
		LogicalSize: 1 << 20,
		BlockSize:   4096,
		ChunkSize:   512,
		Blocks:      blocks,
		Chunks:      chunks,
		Store:       store,
		Log:         log,
	})

	return &harness{vol: vol, vol2: vol2, log: log, blocks: blocks, chunks: chunks, store: store}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("duplicate-me-"), 200)[:4096]
	res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, data, nil)
	if !res.OK() {
		t.Fatalf("write failed: %+v", res)
	}

	out := make([]byte, 4096)
	res = h.vol.MakeRequest(ctx, OpRead, 0, 4096, out, nil)
	if !res.OK() {
		t.Fatalf("read failed: %+v", res)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReadOfUnwrittenBlockReturnsZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := bytes.Repeat([]byte{0xff}, 4096)
	res := h.vol.MakeRequest(ctx, OpRead, 0, 4096, out, nil)
	if !res.OK() {
		t.Fatalf("read failed: %+v", res)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d not zero: %x", i, b)
		}
	}
}

func TestPartialBlockWritePreservesRestOfBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	full := bytes.Repeat([]byte("A"), 4096)
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, full, nil); !res.OK() {
		t.Fatalf("initial write failed")
	}

	patch := bytes.Repeat([]byte("B"), 512)
	if res := h.vol.MakeRequest(ctx, OpWrite, 512, 512, patch, nil); !res.OK() {
		t.Fatalf("patch write failed")
	}

	out := make([]byte, 4096)
	if res := h.vol.MakeRequest(ctx, OpRead, 0, 4096, out, nil); !res.OK() {
		t.Fatalf("read failed")
	}
	if !bytes.Equal(out[:512], full[:512]) {
		t.Fatalf("prefix corrupted")
	}
	if !bytes.Equal(out[512:1024], patch) {
		t.Fatalf("patched region mismatch")
	}
	if !bytes.Equal(out[1024:], full[1024:]) {
		t.Fatalf("suffix corrupted")
	}
}

func TestMisalignedRequestIsIllegal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := make([]byte, 100)
	res := h.vol.MakeRequest(ctx, OpRead, 10, 100, buf, nil)
	if res.Status != StatusCheckCondition || res.Sense != SenseIllegalRequest {
		t.Fatalf("expected illegal request, got %+v", res)
	}
}

func TestRequestPastLogicalSizeIsIllegal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buf := make([]byte, 512)
	res := h.vol.MakeRequest(ctx, OpRead, h.vol.LogicalSize(), 512, buf, nil)
	if res.Status != StatusCheckCondition || res.Sense != SenseIllegalRequest {
		t.Fatalf("expected illegal request, got %+v", res)
	}
}

func TestWriteAllZeroBlockStoresNoChunkData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	zeros := make([]byte, 4096)
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, zeros, nil); !res.OK() {
		t.Fatalf("write failed")
	}

	mapping, ok, err := h.blocks.Lookup(ctx, h.vol.blockID(0))
	if err != nil || !ok {
		t.Fatalf("expected mapping, ok=%v err=%v", ok, err)
	}
	for _, fp := range mapping.Chunks {
		if fp != domain.ZeroFingerprint {
			t.Fatalf("expected every chunk to be the zero fingerprint, got %s", fp)
		}
	}

	out := make([]byte, 4096)
	if res := h.vol.MakeRequest(ctx, OpRead, 0, 4096, out, nil); !res.OK() {
		t.Fatalf("read failed")
	}
	if !bytes.Equal(out, zeros) {
		t.Fatalf("zero round trip mismatch")
	}
}

func TestRewritingSameDataReadsBackUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("stable-content-"), 300)[:4096]
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, data, nil); !res.OK() {
		t.Fatalf("first write failed")
	}
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, data, nil); !res.OK() {
		t.Fatalf("second write failed")
	}

	out := make([]byte, 4096)
	if res := h.vol.MakeRequest(ctx, OpRead, 0, 4096, out, nil); !res.OK() {
		t.Fatalf("read failed")
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch after rewrite")
	}
}

func TestFastCopyToClonesBlockMappingWithoutCopyingData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("copy-source-"), 350)[:4096]
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, data, nil); !res.OK() {
		t.Fatalf("source write failed")
	}

	if err := h.vol2.FastCopyTo(ctx, h.vol, 0, 0, 4096); err != nil {
		t.Fatalf("fast copy: %v", err)
	}

	out := make([]byte, 4096)
	if res := h.vol2.MakeRequest(ctx, OpRead, 0, 4096, out, nil); !res.OK() {
		t.Fatalf("target read failed")
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("fast copy produced wrong bytes")
	}

	srcMapping, ok, err := h.blocks.Lookup(ctx, h.vol.blockID(0))
	if err != nil || !ok {
		t.Fatalf("expected source mapping")
	}
	dstMapping, ok, err := h.blocks.Lookup(ctx, h.vol2.blockID(0))
	if err != nil || !ok {
		t.Fatalf("expected dest mapping")
	}
	if len(srcMapping.Chunks) != len(dstMapping.Chunks) {
		t.Fatalf("chunk count mismatch between source and copy")
	}
	for i := range srcMapping.Chunks {
		if srcMapping.Chunks[i] != dstMapping.Chunks[i] {
			t.Fatalf("chunk %d fingerprint diverged after fast copy", i)
		}
	}
}

func TestContentDefinedChunkingRoundTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.vol.chunkerMode = ChunkerContentDefined

	data := bytes.Repeat([]byte("rolling-hash-content-"), 200)[:4096]
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, data, nil); !res.OK() {
		t.Fatalf("write failed: %+v", res)
	}

	out := make([]byte, 4096)
	if res := h.vol.MakeRequest(ctx, OpRead, 0, 4096, out, nil); !res.OK() {
		t.Fatalf("read failed: %+v", res)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("content-defined round trip mismatch")
	}
}

func TestContentDefinedChunkingProducesVariableBoundaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.vol.chunkerMode = ChunkerContentDefined

	data := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz012345"), 128)[:4096]
	if res := h.vol.MakeRequest(ctx, OpWrite, 0, 4096, data, nil); !res.OK() {
		t.Fatalf("write failed: %+v", res)
	}

	mapping, ok, err := h.blocks.Lookup(ctx, h.vol.blockID(0))
	if err != nil || !ok {
		t.Fatalf("expected mapping, ok=%v err=%v", ok, err)
	}
	if len(mapping.Chunks) < 2 {
		t.Fatalf("expected content-defined chunking to produce more than one chunk, got %d", len(mapping.Chunks))
	}

	sizes := make(map[uint32]struct{})
	for _, fp := range mapping.Chunks {
		cm, ok, err := h.chunks.Lookup(ctx, fp)
		if err != nil || !ok {
			t.Fatalf("expected chunk mapping for %s, ok=%v err=%v", fp, ok, err)
		}
		sizes[cm.Size] = struct{}{}
	}
	if len(sizes) < 2 {
		t.Fatalf("expected variable chunk sizes under content-defined chunking, got uniform sizes %v", sizes)
	}
}

func TestIllegalRequestRecordsNoErrCtxError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ec errctx.Context
	buf := make([]byte, 100)
	res := h.vol.MakeRequest(ctx, OpRead, 10, 100, buf, &ec)
	if res.Status != StatusCheckCondition {
		t.Fatalf("expected a non-good status")
	}
	if ec.HasError() {
		t.Fatalf("illegal request should not record an error, only a bad result")
	}
}

package filterchain

import (
	"bytes"
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"

	"dedupvol/internal/bloom"
	"dedupvol/internal/chunkindex"
	"dedupvol/internal/container"
	"dedupvol/internal/domain"
)

// ZeroChunkFilter matches the reserved empty-chunk fingerprint without
// touching any index.
type ZeroChunkFilter struct{}

func NewZeroChunkFilter() *ZeroChunkFilter { return &ZeroChunkFilter{} }

func (*ZeroChunkFilter) Name() string { return "zero-chunk" }

func (*ZeroChunkFilter) Check(_ context.Context, req *Request) (Result, error) {
	if req.Fingerprint == domain.ZeroFingerprint {
		req.Address = domain.ContainerAddress{}
		return Existing, nil
	}
	return WeakMaybe, nil
}

func (*ZeroChunkFilter) ExistingCapable() bool { return true }
func (*ZeroChunkFilter) Update(context.Context, *Request) error          { return nil }
func (*ZeroChunkFilter) Abort(context.Context, *Request) error           { return nil }
func (*ZeroChunkFilter) UpdateKnownChunk(context.Context, *Request) error { return nil }

// BloomFilter gates the rest of the chain on Bloom-set membership: a
// negative lookup conclusively proves the chunk is new.
type BloomFilter struct {
	bf *bloom.Filter
}

func NewBloomFilter(bf *bloom.Filter) *BloomFilter {
	return &BloomFilter{bf: bf}
}

func (*BloomFilter) Name() string { return "bloom" }

func (f *BloomFilter) Check(_ context.Context, req *Request) (Result, error) {
	if !f.bf.MightContain(req.Fingerprint.Bytes()) {
		return NotExisting, nil
	}
	return WeakMaybe, nil
}

func (*BloomFilter) ExistingCapable() bool { return false }

func (f *BloomFilter) Update(_ context.Context, req *Request) error {
	f.bf.Add(req.Fingerprint.Bytes())
	return nil
}

func (*BloomFilter) Abort(context.Context, *Request) error { return nil }

func (f *BloomFilter) UpdateKnownChunk(_ context.Context, req *Request) error {
	f.bf.Add(req.Fingerprint.Bytes())
	return nil
}

// SamplingFilter never resolves the chain; it only tags Request.Indexed
// so a downstream writer knows whether this fingerprint should be
// durably indexed (anchor-only / sampled indexing).
type SamplingFilter struct {
	mask uint64
}

// NewSamplingFilter creates a sampling filter. A zero mask indexes every
// chunk.
func NewSamplingFilter(mask uint64) *SamplingFilter {
	return &SamplingFilter{mask: mask}
}

func (*SamplingFilter) Name() string { return "sampling" }

func (f *SamplingFilter) Check(_ context.Context, req *Request) (Result, error) {
	if f.mask == 0 {
		req.Indexed = true
	} else {
		req.Indexed = xxhash.Sum64(req.Fingerprint.Bytes())&f.mask == 0
	}
	return WeakMaybe, nil
}

func (*SamplingFilter) ExistingCapable() bool { return false }
func (*SamplingFilter) Update(context.Context, *Request) error          { return nil }
func (*SamplingFilter) Abort(context.Context, *Request) error           { return nil }
func (*SamplingFilter) UpdateKnownChunk(context.Context, *Request) error { return nil }

// BlockIndexFilter searches the current block's prior mapping for a
// fingerprint match, backed by a small per-session cache that learns
// addresses as the block is rewritten (an optional per-block chunk
// cache). Not safe for concurrent use: one BlockIndexFilter
// per in-flight block-write session, matching the chunker's thread-
// affine session model.
type BlockIndexFilter struct {
	prior   map[domain.Fingerprint]struct{}
	cache   map[domain.Fingerprint]domain.ContainerAddress
	resolve func(context.Context, domain.Fingerprint) (domain.ContainerAddress, bool, error)
}

// NewBlockIndexFilter creates a block-index filter seeded from the
// block's prior mapping (nil if the block has none yet). resolve looks
// up a fingerprint's address (typically chunkindex.Index.Lookup) the
// first time a prior-mapping fingerprint is seen; subsequent lookups hit
// the session-local cache.
func NewBlockIndexFilter(prior *domain.BlockMapping, resolve func(context.Context, domain.Fingerprint) (domain.ContainerAddress, bool, error)) *BlockIndexFilter {
	f := &BlockIndexFilter{
		prior:   make(map[domain.Fingerprint]struct{}),
		cache:   make(map[domain.Fingerprint]domain.ContainerAddress),
		resolve: resolve,
	}
	if prior != nil {
		for _, fp := range prior.Chunks {
			f.prior[fp] = struct{}{}
		}
	}
	return f
}

func (*BlockIndexFilter) Name() string { return "block-index" }

func (f *BlockIndexFilter) Check(ctx context.Context, req *Request) (Result, error) {
	if addr, ok := f.cache[req.Fingerprint]; ok {
		req.Address = addr
		return StrongMaybe, nil
	}
	if _, ok := f.prior[req.Fingerprint]; !ok {
		return WeakMaybe, nil
	}
	addr, ok, err := f.resolve(ctx, req.Fingerprint)
	if err != nil {
		return WeakMaybe, err
	}
	if !ok {
		return WeakMaybe, nil
	}
	f.cache[req.Fingerprint] = addr
	req.Address = addr
	return StrongMaybe, nil
}

func (*BlockIndexFilter) ExistingCapable() bool { return false }
func (*BlockIndexFilter) Update(context.Context, *Request) error { return nil }
func (*BlockIndexFilter) Abort(context.Context, *Request) error  { return nil }

func (f *BlockIndexFilter) UpdateKnownChunk(_ context.Context, req *Request) error {
	f.cache[req.Fingerprint] = req.Address
	return nil
}

// ChunkIndexFilter performs the authoritative fingerprint lookup. It
// acquires the fingerprint's chunk lock in Check and releases it in
// whichever of Update or Abort is called next, so the rest of the chain
// (and the caller's own byte-compare confirmation) runs with the
// fingerprint's index entry stable.
type ChunkIndexFilter struct {
	idx    *chunkindex.Index
	unlock func()
}

func NewChunkIndexFilter(idx *chunkindex.Index) *ChunkIndexFilter {
	return &ChunkIndexFilter{idx: idx}
}

func (*ChunkIndexFilter) Name() string { return "chunk-index" }

func (f *ChunkIndexFilter) Check(ctx context.Context, req *Request) (Result, error) {
	f.unlock = f.idx.Lock(req.Fingerprint)

	m, ok, err := f.idx.Lookup(ctx, req.Fingerprint)
	if err != nil {
		return WeakMaybe, err
	}
	if !ok {
		return WeakMaybe, nil
	}
	req.Address = m.Address
	return StrongMaybe, nil
}

func (*ChunkIndexFilter) ExistingCapable() bool { return false }

func (f *ChunkIndexFilter) Update(_ context.Context, req *Request) error {
	defer f.release()
	// Stage re-derives Indexed from its own sampling mask rather than
	// trusting req.Indexed outright, so this still behaves correctly
	// against a chain assembled without a sampling filter (req.Indexed
	// left at its zero value).
	f.idx.Stage(domain.ChunkMapping{
		Fingerprint: req.Fingerprint,
		Address:     req.Address,
		Size:        req.Size,
		Indexed:     req.Indexed,
	})
	return nil
}

func (f *ChunkIndexFilter) Abort(context.Context, *Request) error {
	f.release()
	return nil
}

func (f *ChunkIndexFilter) release() {
	if f.unlock != nil {
		f.unlock()
		f.unlock = nil
	}
}

func (*ChunkIndexFilter) UpdateKnownChunk(context.Context, *Request) error { return nil }

// ChunkReader reads a previously stored chunk's payload back, as
// implemented by internal/chunkstore.Store.
type ChunkReader interface {
	Read(ctx context.Context, addr domain.ContainerAddress) (payload []byte, rawLen uint32, codec container.Compression, err error)
}

// ByteCompareFilter reads the candidate chunk named by Request.Address
// and compares it byte-for-byte against Request.Data, the only filter
// that can prove Existing on a hash collision-free match after a
// StrongMaybe candidate has been found.
type ByteCompareFilter struct {
	store ChunkReader
}

func NewByteCompareFilter(store ChunkReader) *ByteCompareFilter {
	return &ByteCompareFilter{store: store}
}

func (*ByteCompareFilter) Name() string { return "byte-compare" }

func (f *ByteCompareFilter) Check(ctx context.Context, req *Request) (Result, error) {
	if req.Address == (domain.ContainerAddress{}) {
		return WeakMaybe, errors.New("filterchain: byte-compare ran without a candidate address")
	}
	payload, rawLen, codec, err := f.store.Read(ctx, req.Address)
	if err != nil {
		return WeakMaybe, err
	}
	raw, err := container.DecodePayload(codec, payload, rawLen)
	if err != nil {
		return WeakMaybe, err
	}
	if bytes.Equal(raw, req.Data) {
		return Existing, nil
	}
	return NotExisting, nil
}

func (*ByteCompareFilter) ExistingCapable() bool { return true }
func (*ByteCompareFilter) Update(context.Context, *Request) error          { return nil }
func (*ByteCompareFilter) Abort(context.Context, *Request) error           { return nil }
func (*ByteCompareFilter) UpdateKnownChunk(context.Context, *Request) error { return nil }

// Package volume implements the per-volume request pipeline:
// MakeRequest binds a chunker session, a filter chain, and the block and
// chunk indexes into a single read/write path, and FastCopyTo clones
// block mappings between volumes without moving chunk data.
//
// A Volume owns no goroutines of its own; MakeRequest runs synchronously
// on the caller's goroutine, with concurrency bounded by a
// golang.org/x/sync/semaphore.Weighted session pool.
package volume

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"dedupvol/internal/blockindex"
	"dedupvol/internal/chunker"
	"dedupvol/internal/chunkindex"
	"dedupvol/internal/chunkstore"
	"dedupvol/internal/container"
	"dedupvol/internal/domain"
	"dedupvol/internal/errctx"
	"dedupvol/internal/filterchain"
	"dedupvol/internal/oplog"
)

// SectorSize is the alignment MakeRequest enforces on every offset and
// size.
const SectorSize = 512

// DefaultBlockSize is the logical block size a volume chunks and
// deduplicates at. It must be a multiple of SectorSize.
const DefaultBlockSize = 64 << 10

// DefaultChunkSize is the fixed sub-chunk size used when no content-
// defined chunker is configured (the fixed-size session, used here as
// the block reconstruction granularity; see DESIGN.md).
const DefaultChunkSize = 4096

// DefaultMaxSessions bounds how many MakeRequest calls may run
// concurrently against one volume.
const DefaultMaxSessions = 32

// RequestRecorder receives a latency sample for every completed
// MakeRequest call, success or failure. internal/idle implements this to
// track request throughput without internal/volume importing it.
type RequestRecorder interface {
	RecordRequest(latency time.Duration)
}

// ChunkerMode selects how chunkBlock splits a rewritten block into
// sub-chunks.
type ChunkerMode int

const (
	// ChunkerFixed splits at fixed ChunkSize boundaries.
	ChunkerFixed ChunkerMode = iota
	// ChunkerContentDefined uses a rolling-hash cut mask (see
	// internal/chunker), anchoring boundaries to content instead of
	// offset.
	ChunkerContentDefined
)

// ChainFactory builds a fresh filter chain for one block write, seeded
// with that block's prior mapping (nil if the block is unwritten). A
// Volume calls this once per block write (in chunkBlock) since BlockIndexFilter and
// ChunkIndexFilter carry per-request state.
type ChainFactory func(prior *domain.BlockMapping) *filterchain.Chain

// Options configures New.
type Options struct {
	ID          uint16
	LogicalSize uint64
	BlockSize   uint32 // defaults to DefaultBlockSize
	ChunkSize   uint32 // defaults to DefaultChunkSize
	MaxSessions int64  // defaults to DefaultMaxSessions
	Codec       container.Compression

	// ChunkerMode selects fixed-size or content-defined sub-chunking,
	// defaults to ChunkerFixed. ChunkerPolicy configures the
	// content-defined chunker's min/avg/max sizes; zero-value defaults
	// to chunker.DefaultPolicy() with Avg set from ChunkSize.
	ChunkerMode   ChunkerMode
	ChunkerPolicy chunker.Policy

	Blocks    *blockindex.Index
	Chunks    *chunkindex.Index
	Store     *chunkstore.Store
	Log       *oplog.Log
	NewChain  ChainFactory
	Activity  RequestRecorder // optional
}

// Volume is one logical disk: a fixed-size address space backed by the
// shared block index, chunk index, chunk store and operation log.
type Volume struct {
	id          uint16
	logicalSize uint64
	blockSize   uint32
	chunkSize   uint32
	codec       container.Compression

	chunkerMode   ChunkerMode
	chunkerPolicy chunker.Policy

	sem *semaphore.Weighted

	blocks   *blockindex.Index
	chunks   *chunkindex.Index
	store    *chunkstore.Store
	log      *oplog.Log
	newChain ChainFactory
	activity RequestRecorder
}

// New creates a volume bound to the shared indexes and store in opts.
func New(opts Options) *Volume {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	chunkerPolicy := opts.ChunkerPolicy
	if chunkerPolicy.Min == 0 && chunkerPolicy.Avg == 0 && chunkerPolicy.Max == 0 {
		chunkerPolicy = chunker.DefaultPolicy()
		chunkerPolicy.Avg = chunkSize
		if chunkerPolicy.Min > chunkerPolicy.Avg {
			chunkerPolicy.Min = chunkerPolicy.Avg
		}
		if chunkerPolicy.Max < chunkerPolicy.Avg {
			chunkerPolicy.Max = chunkerPolicy.Avg * 4
		}
	}
	newChain := opts.NewChain
	if newChain == nil {
		resolve := func(ctx context.Context, fp domain.Fingerprint) (domain.ContainerAddress, bool, error) {
			cm, ok, err := opts.Chunks.Lookup(ctx, fp)
			return cm.Address, ok, err
		}
		newChain = func(prior *domain.BlockMapping) *filterchain.Chain {
			return filterchain.New(
				filterchain.NewZeroChunkFilter(),
				filterchain.NewBlockIndexFilter(prior, resolve),
				filterchain.NewChunkIndexFilter(opts.Chunks),
				filterchain.NewByteCompareFilter(opts.Store),
			)
		}
	}

	return &Volume{
		id:            opts.ID,
		logicalSize:   opts.LogicalSize,
		blockSize:     blockSize,
		chunkSize:     chunkSize,
		codec:         opts.Codec,
		chunkerMode:   opts.ChunkerMode,
		chunkerPolicy: chunkerPolicy,
		sem:           semaphore.NewWeighted(maxSessions),
		blocks:        opts.Blocks,
		chunks:        opts.Chunks,
		store:         opts.Store,
		log:           opts.Log,
		newChain:      newChain,
		activity:      opts.Activity,
	}
}

// ID returns the volume's 16-bit identifier.
func (v *Volume) ID() uint16 { return v.id }

// LogicalSize returns the volume's byte size.
func (v *Volume) LogicalSize() uint64 { return v.logicalSize }

// Op identifies a MakeRequest direction.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// MakeRequest services one read or write, byte-aligned to SectorSize
// buf must be exactly size bytes for both directions: on a
// read it receives the reconstructed bytes, on a write it supplies them.
func (v *Volume) MakeRequest(ctx context.Context, op Op, offset, size uint64, buf []byte, errCtx *errctx.Context) Result {
	if offset%SectorSize != 0 || size%SectorSize != 0 {
		return ResultIllegalRequest()
	}
	if size == 0 || offset+size > v.logicalSize {
		return ResultIllegalRequest()
	}
	if uint64(len(buf)) != size {
		return ResultIllegalRequest()
	}

	if err := v.sem.Acquire(ctx, 1); err != nil {
		return ResultBusy()
	}
	defer v.sem.Release(1)

	start := time.Now()
	defer func() {
		if v.activity != nil {
			v.activity.RecordRequest(time.Since(start))
		}
	}()

	switch op {
	case OpRead:
		if err := v.read(ctx, offset, size, buf); err != nil {
			if errCtx != nil {
				errCtx.RecordRead(err)
			}
			return ResultReadError()
		}
		return ResultOK()
	case OpWrite:
		if err := v.write(ctx, offset, size, buf); err != nil {
			if errCtx != nil {
				errCtx.RecordWrite(err)
				if errCtx.Full {
					return ResultFull()
				}
			}
			return ResultWriteError()
		}
		return ResultOK()
	default:
		return ResultIllegalRequest()
	}
}

// blockSpan is one block-aligned slice of a (possibly multi-block)
// request.
type blockSpan struct {
	blockID       uint64
	inBlockOffset uint32
	length        uint32
	bufOffset     uint64
}

// blockID derives the global block identifier for a byte offset within
// this volume: the volume's 16-bit id in the high bits, the block index
// within the volume in the low bits, so block ids never collide across
// volumes sharing one block index.
func (v *Volume) blockID(offset uint64) uint64 {
	return uint64(v.id)<<48 | (offset / uint64(v.blockSize))
}

func (v *Volume) spans(offset, size uint64) []blockSpan {
	var spans []blockSpan
	bs := uint64(v.blockSize)
	for pos := offset; pos < offset+size; {
		blockStart := (pos / bs) * bs
		inBlockOff := uint32(pos - blockStart)
		avail := uint32(bs) - inBlockOff
		remaining := offset + size - pos
		n := avail
		if remaining < uint64(n) {
			n = uint32(remaining)
		}
		spans = append(spans, blockSpan{
			blockID:       v.blockID(pos),
			inBlockOffset: inBlockOff,
			length:        n,
			bufOffset:     pos - offset,
		})
		pos += uint64(n)
	}
	return spans
}

func (v *Volume) read(ctx context.Context, offset, size uint64, dst []byte) error {
	for _, sp := range v.spans(offset, size) {
		mapping, ok, err := v.blocks.Lookup(ctx, sp.blockID)
		if err != nil {
			return fmt.Errorf("volume: read block %d: %w", sp.blockID, err)
		}
		region := dst[sp.bufOffset : sp.bufOffset+uint64(sp.length)]
		if !ok {
			continue // unwritten block reads as zero, region is already zeroed
		}
		if err := v.readBlockRange(ctx, mapping, sp.inBlockOffset, sp.length, region); err != nil {
			return fmt.Errorf("volume: read block %d: %w", sp.blockID, err)
		}
	}
	return nil
}

// readBlockRange reconstructs [inOff, inOff+length) of the block
// described by m into dst, resolving each chunk's logical size from the
// chunk index rather than trusting m.ChunkSize, since a chunker session
// plugged in via Options.NewChain may produce content-defined (variable
// size) sub-chunks.
func (v *Volume) readBlockRange(ctx context.Context, m domain.BlockMapping, inOff, length uint32, dst []byte) error {
	spanStart, spanEnd := inOff, inOff+length
	pos := uint32(0)
	for _, fp := range m.Chunks {
		isZero := fp == domain.ZeroFingerprint

		var chunkLen uint32
		var addr domain.ContainerAddress
		if isZero {
			chunkLen = m.ChunkSize
			if chunkLen == 0 {
				chunkLen = v.blockSize
			}
		} else {
			cm, ok, err := v.chunks.Lookup(ctx, fp)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: chunk %s referenced by block is missing from the chunk index", errctx.ErrIntegrity, fp)
			}
			chunkLen = cm.Size
			addr = cm.Address
		}

		chunkStart, chunkEnd := pos, pos+chunkLen
		pos = chunkEnd
		if chunkEnd <= spanStart || chunkStart >= spanEnd {
			continue
		}
		if isZero {
			continue // dst already zero-valued
		}

		overlapStart := maxU32(chunkStart, spanStart)
		overlapEnd := minU32(chunkEnd, spanEnd)

		payload, rawLen, codec, err := v.store.Read(ctx, addr)
		if err != nil {
			return err
		}
		raw, err := container.DecodePayload(codec, payload, rawLen)
		if err != nil {
			return err
		}
		copy(dst[overlapStart-spanStart:overlapEnd-spanStart], raw[overlapStart-chunkStart:overlapEnd-chunkStart])
	}
	return nil
}

func (v *Volume) write(ctx context.Context, offset, size uint64, data []byte) error {
	for _, sp := range v.spans(offset, size) {
		region := data[sp.bufOffset : sp.bufOffset+uint64(sp.length)]
		if err := v.writeBlockSpan(ctx, sp, region); err != nil {
			return fmt.Errorf("volume: write block %d: %w", sp.blockID, err)
		}
	}
	return nil
}

// writeBlockSpan rewrites the whole block sp.blockID belongs to: it
// reads the block's current content, overlays the new span's bytes, and
// re-chunks the result from scratch. A BlockMapping has no sub-range
// update operation (BlockMapping is the unit the log and CAS versioning
// both operate on), so a sub-block write is always a read-modify-write of
// its containing block.
func (v *Volume) writeBlockSpan(ctx context.Context, sp blockSpan, data []byte) error {
	return v.blocks.WithBlockLock(sp.blockID, func() error {
		prior, ok, err := v.blocks.Lookup(ctx, sp.blockID)
		if err != nil {
			return err
		}
		var priorPtr *domain.BlockMapping
		full := make([]byte, v.blockSize)
		if ok {
			priorPtr = &prior
			if err := v.readBlockRange(ctx, prior, 0, v.blockSize, full); err != nil {
				return err
			}
		}
		copy(full[sp.inBlockOffset:], data)

		newMapping, newContainers, err := v.chunkBlock(ctx, sp.blockID, priorPtr, full)
		if err != nil {
			return err
		}

		pair := domain.BlockMappingPair{Old: priorPtr, New: newMapping}
		if _, err := v.log.Append(ctx, domain.LogEvent{Type: domain.LogBlockWrite, BlockPair: &pair}); err != nil {
			return err
		}
		if len(newContainers) > 0 {
			v.blocks.Track(sp.blockID, newContainers)
		}
		return nil
	})
}

// chunkBlock splits full into sub-chunks with a fresh chunker session
// (fixed-size or content-defined, per v.chunkerMode), classifies each one
// through a fresh filter chain seeded with prior, and stores any that are
// genuinely new. It returns
// the resulting mapping and the set of containers new chunk data landed
// in, still uncommitted, for the caller to register with the block
// index.
func (v *Volume) chunkBlock(ctx context.Context, blockID uint64, prior *domain.BlockMapping, full []byte) (domain.BlockMapping, []domain.ContainerID, error) {
	var sess chunker.Session
	if v.chunkerMode == ChunkerContentDefined {
		sess = chunker.NewRollingSession(v.chunkerPolicy)
	} else {
		sess = chunker.NewFixedSession(v.chunkSize)
	}
	chunks := sess.ChunkData(full, 0, true)

	chain := v.newChain(prior)

	var fps []domain.Fingerprint
	var newContainers []domain.ContainerID

	for _, c := range chunks {
		// The all-zero shortcut skips physical storage entirely, but it
		// relies on every zero chunk in a block sharing one recorded
		// size (BlockMapping.ChunkSize): true under fixed-size chunking,
		// not under content-defined, where chunk length varies. Under
		// ChunkerContentDefined a zero chunk instead takes the normal
		// content-addressed path below, which records its real size in
		// the chunk index and still dedups (one physical copy per
		// distinct zero-run length) rather than none at all.
		if v.chunkerMode == ChunkerFixed && isAllZero(c.Data) {
			fps = append(fps, domain.ZeroFingerprint)
			continue
		}

		fp := domain.ComputeFingerprint(c.Data)
		req := &filterchain.Request{
			Fingerprint: fp,
			Data:        c.Data,
			Size:        uint32(len(c.Data)),
			BlockID:     blockID,
			ChunkOffset: uint32(c.Offset),
		}

		res, err := chain.Match(ctx, req)
		if err != nil {
			_ = chain.Abort(ctx, req)
			return domain.BlockMapping{}, nil, err
		}

		switch res {
		case filterchain.Existing, filterchain.StrongMaybe:
			if err := chain.Abort(ctx, req); err != nil {
				return domain.BlockMapping{}, nil, err
			}
		default:
			compressed, err := container.Encode(v.codec, c.Data)
			if err != nil {
				return domain.BlockMapping{}, nil, err
			}
			addr, err := v.store.Append(ctx, fp, compressed, uint32(len(c.Data)), v.codec)
			if err != nil {
				_ = chain.Abort(ctx, req)
				return domain.BlockMapping{}, nil, err
			}
			req.Address = addr
			if err := chain.Update(ctx, req); err != nil {
				return domain.BlockMapping{}, nil, err
			}
			newContainers = append(newContainers, addr.ContainerID)
		}

		if err := chain.UpdateKnownChunk(ctx, req); err != nil {
			return domain.BlockMapping{}, nil, err
		}
		fps = append(fps, fp)
	}

	version := uint64(1)
	if prior != nil {
		version = prior.Version + 1
	}
	mapping := domain.BlockMapping{
		BlockID:   blockID,
		Version:   version,
		Chunks:    fps,
		ChunkSize: v.chunkSize,
	}
	return mapping, dedupeContainers(newContainers), nil
}

// FastCopyTo clones size bytes from src at srcOff into this volume at
// dstOff without copying chunk data: it builds new
// BlockMappingPairs whose items reference src's fingerprints and emits
// them through the log, so usage counts increase the same way a direct
// write's Update would. Both offsets and size must be block-aligned
// (FastCopyTo only ever moves whole blocks; a partial-block copy falls
// back to a normal read then write, which the caller can perform with
// MakeRequest).
func (v *Volume) FastCopyTo(ctx context.Context, src *Volume, srcOff uint64, dstOff, size uint64) error {
	if srcOff%uint64(src.blockSize) != 0 || dstOff%uint64(v.blockSize) != 0 || size%uint64(v.blockSize) != 0 {
		return fmt.Errorf("%w: FastCopyTo requires block-aligned offsets and size", errctx.ErrProgramming)
	}
	if src.blockSize != v.blockSize {
		return fmt.Errorf("%w: FastCopyTo requires matching block sizes", errctx.ErrProgramming)
	}

	blocks := size / uint64(v.blockSize)
	for i := uint64(0); i < blocks; i++ {
		srcBlockID := src.blockID(srcOff + i*uint64(v.blockSize))
		dstBlockID := v.blockID(dstOff + i*uint64(v.blockSize))

		srcMapping, ok, err := src.blocks.Lookup(ctx, srcBlockID)
		if err != nil {
			return err
		}
		if !ok {
			continue // unwritten source block, nothing to clone
		}

		if err := v.blocks.WithBlockLock(dstBlockID, func() error {
			priorDst, hasDst, err := v.blocks.Lookup(ctx, dstBlockID)
			if err != nil {
				return err
			}
			var priorPtr *domain.BlockMapping
			if hasDst {
				priorPtr = &priorDst
			}

			version := uint64(1)
			if priorPtr != nil {
				version = priorPtr.Version + 1
			}
			newMapping := domain.BlockMapping{
				BlockID:   dstBlockID,
				Version:   version,
				Chunks:    append([]domain.Fingerprint(nil), srcMapping.Chunks...),
				ChunkSize: srcMapping.ChunkSize,
			}

			pair := domain.BlockMappingPair{Old: priorPtr, New: newMapping}
			_, err = v.log.Append(ctx, domain.LogEvent{Type: domain.LogBlockWrite, BlockPair: &pair})
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func dedupeContainers(ids []domain.ContainerID) []domain.ContainerID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[domain.ContainerID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

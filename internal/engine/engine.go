// Package engine wires every subsystem (operation log, block index,
// chunk index, chunk store, garbage collector, idle detector, volumes)
// into one process lifecycle, generalized from
// internal/orchestrator/lifecycle.go's mutex-guarded running flag,
// cancellable sub-context, and ordered Start/Stop.
//
// Construction happens in two steps: New allocates an Engine from
// Options without touching disk; Init opens every backend and subsystem
// and registers the oplog/idle consumer graph, replaying any log
// history a consumer has not yet acknowledged. Start then begins
// background ticking (the idle detector's scheduler); Stop reverses it,
// always draining the chunk store's committer queue and the block
// index's ready queue regardless of fast, since those two drains are
// what keep a persistent mapping from ever pointing at a chunk that was
// never actually written.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"dedupvol/internal/blockindex"
	"dedupvol/internal/bloom"
	"dedupvol/internal/chunkindex"
	"dedupvol/internal/chunkstore"
	"dedupvol/internal/config"
	"dedupvol/internal/container"
	"dedupvol/internal/domain"
	"dedupvol/internal/filterchain"
	"dedupvol/internal/gc"
	"dedupvol/internal/idle"
	"dedupvol/internal/kvindex/boltkv"
	"dedupvol/internal/logging"
	"dedupvol/internal/oplog"
	"dedupvol/internal/statestore"
	"dedupvol/internal/volume"
)

var (
	// ErrAlreadyRunning is returned when Start is called on a running engine.
	ErrAlreadyRunning = errors.New("engine: already running")
	// ErrNotRunning is returned when Stop is called on a stopped engine.
	ErrNotRunning = errors.New("engine: not running")
	// ErrNotInitialized is returned when Start is called before Init.
	ErrNotInitialized = errors.New("engine: not initialized")
	// ErrVolumeExists is returned when CreateVolume is called with an ID
	// already in use.
	ErrVolumeExists = errors.New("engine: volume id already exists")
	// ErrUnknownVolume is returned when Volume is called with an
	// unregistered ID.
	ErrUnknownVolume = errors.New("engine: unknown volume id")
)

const checkpointName = "oplog-checkpoint"

// Options configures New.
type Options struct {
	// Dir is the data directory root. Every subsystem's on-disk state
	// lives under it, one file or subdirectory per subsystem.
	Dir    string
	Config *config.Config
	Logger *slog.Logger
}

// Engine owns every subsystem bound to one data directory and exposes
// the Init/Start/Stop lifecycle.
type Engine struct {
	dir    string
	cfg    *config.Config
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	running     bool
	cancel      context.CancelFunc

	closers []closer
	log          *oplog.Log
	bloomFilter  *bloom.Filter
	blocks       *blockindex.Index
	chunks       *chunkindex.Index
	store        *chunkstore.Store
	collector    *gc.GC
	idleDetector *idle.Detector
	configStore  *config.Store
	states       *statestore.Store

	volMu   sync.Mutex
	volumes map[uint16]*volume.Volume
}

// closer avoids importing io just for this one method set; named
// lowercase since it is never used outside this package.
type closer interface {
	Close() error
}

// New allocates an Engine. It performs no I/O; call Init to open backing
// stores and wire subsystems together.
func New(opts Options) *Engine {
	return &Engine{
		dir:     opts.Dir,
		cfg:     opts.Config,
		logger:  logging.Default(opts.Logger).With("component", "engine"),
		volumes: make(map[uint16]*volume.Volume),
	}
}

// Init opens every backend, constructs every subsystem, and registers
// the consumer graph against the operation log and the idle detector.
// It must be called exactly once, before Start.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return fmt.Errorf("engine: already initialized")
	}

	log, err := oplog.Open(filepath.Join(e.dir, "log"), oplog.Options{
		SegmentSize: int64(e.cfg.Log.MaxLogSize),
		Logger:      e.logger,
	})
	if err != nil {
		return fmt.Errorf("engine: open log: %w", err)
	}
	e.log = log
	e.closers = append(e.closers, log)

	stateBackend, err := boltkv.Open(filepath.Join(e.dir, "state.db"))
	if err != nil {
		return fmt.Errorf("engine: open state store: %w", err)
	}
	e.closers = append(e.closers, stateBackend)
	e.states = statestore.New(stateBackend)

	configBackend, err := boltkv.Open(filepath.Join(e.dir, "config.db"))
	if err != nil {
		return fmt.Errorf("engine: open config store: %w", err)
	}
	e.closers = append(e.closers, configBackend)
	e.configStore = config.NewStore(configBackend, e.log)

	bloomFilter := bloom.New(e.cfg.ChunkIndex.InCombat.Capacity, e.cfg.ChunkIndex.InCombat.ErrorRate)
	e.bloomFilter = bloomFilter

	chunkBackend, err := boltkv.Open(filepath.Join(e.dir, "chunkindex.db"))
	if err != nil {
		return fmt.Errorf("engine: open chunk index: %w", err)
	}
	e.closers = append(e.closers, chunkBackend)
	e.chunks = chunkindex.New(chunkindex.Options{
		Backend:     chunkBackend,
		LockStripes: e.cfg.ChunkIndex.ChunkLockCount,
		Bloom:       bloomFilter,
		SampleMask:  samplingMask(e.cfg.ChunkIndex),
	})

	blockBackend, err := boltkv.Open(filepath.Join(e.dir, "blockindex.db"))
	if err != nil {
		return fmt.Errorf("engine: open block index: %w", err)
	}
	e.closers = append(e.closers, blockBackend)
	e.blocks = blockindex.New(blockindex.Options{
		Backend:     blockBackend,
		LockStripes: e.cfg.BlockIndex.LockCount,
		Logger:      e.logger,
	})

	// Validate the configured default codec eagerly so a bad
	// configuration value (compression: "bz2") is caught at Init rather
	// than on the first write through a volume using DefaultCodec.
	if _, err := e.DefaultCodec(); err != nil {
		return fmt.Errorf("engine: chunk store: %w", err)
	}
	store, err := chunkstore.Open(chunkstore.Options{
		Dir:            filepath.Join(e.dir, "containers"),
		ContainerSize:  uint32(e.cfg.ChunkStore.ContainerSize),
		ContainerCount: e.cfg.ChunkStore.ContainerCount,
		OpenSlots:      e.cfg.ChunkStore.WriteCacheSize,
		WriteStrategy:  writeStrategyFromConfig(e.cfg.ChunkStore.WriteCacheStrategy),
		Committers:     e.cfg.ChunkStore.CommitterThreadCount,
		Log:            e.log,
		Logger:         e.logger,
	})
	if err != nil {
		return fmt.Errorf("engine: open chunk store: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, store)

	gcBackend, err := boltkv.Open(filepath.Join(e.dir, "gc-candidates.db"))
	if err != nil {
		return fmt.Errorf("engine: open gc candidates: %w", err)
	}
	e.closers = append(e.closers, gcBackend)
	e.collector = gc.New(gc.Options{
		Mode:       gcModeFromConfig(e.cfg.GC.Concept),
		Chunks:     e.chunks,
		Candidates: gcBackend,
		Log:        e.log,
		Limiter:    throttleLimiter(e.cfg.GC.Throttle),
		Logger:     e.logger,
	})

	detector, err := idle.New(idle.Options{Logger: e.logger})
	if err != nil {
		return fmt.Errorf("engine: create idle detector: %w", err)
	}
	e.idleDetector = detector

	checkpoint, err := e.loadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("engine: load checkpoint: %w", err)
	}

	if err := e.log.RegisterConsumer(ctx, e.chunks, checkpoint); err != nil {
		return fmt.Errorf("engine: register chunkindex consumer: %w", err)
	}
	if err := e.log.RegisterConsumer(ctx, e.blocks, checkpoint); err != nil {
		return fmt.Errorf("engine: register blockindex consumer: %w", err)
	}
	if err := e.log.RegisterConsumer(ctx, e.collector, checkpoint); err != nil {
		return fmt.Errorf("engine: register gc consumer: %w", err)
	}
	e.idleDetector.Register(ctx, e.collector)

	e.initialized = true
	return nil
}

// Start begins background ticking (the idle detector's scheduler).
// Every subsystem that reacts to it was already wired in Init.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	if e.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.idleDetector.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("engine: start idle detector: %w", err)
	}
	e.cancel = cancel
	e.running = true
	e.logger.Info("engine started", "dir", e.dir)
	return nil
}

// Stop reverses Start and tears every subsystem down. fast abandons
// non-essential background work (one last idle-triggered gc drain
// pass) but still drains the chunk store's committer queue and the
// block index's ready queue, since those never have a fast variant:
// skipping them could leave a durable mapping pointing at a chunk that
// was never actually committed to disk.
func (e *Engine) Stop(ctx context.Context, fast bool) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel := e.cancel
	e.mu.Unlock()

	if !fast {
		e.collector.IdleTick(ctx)
	}

	if err := e.idleDetector.Stop(); err != nil {
		e.logger.Warn("idle detector stop failed", "error", err)
	}
	cancel()

	if err := e.blocks.Close(); err != nil {
		e.logger.Warn("block index close failed", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("chunk store close failed", "error", err)
	}

	if err := e.saveCheckpoint(ctx); err != nil {
		e.logger.Warn("checkpoint save failed", "error", err)
	}

	if err := e.log.Close(); err != nil {
		e.logger.Warn("log close failed", "error", err)
	}

	var firstErr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	e.logger.Info("engine stopped", "fast", fast)
	return firstErr
}

// Config returns the configuration the engine was initialized with.
func (e *Engine) Config() *config.Config { return e.cfg }

// ConfigStore returns the persisted configuration store.
func (e *Engine) ConfigStore() *config.Store { return e.configStore }

// DefaultCodec translates the configured chunk-store compression codec
// to container.Compression, for callers building volume.Options.
func (e *Engine) DefaultCodec() (container.Compression, error) {
	return codecFromConfig(e.cfg.ChunkStore.Compression)
}

// Codec translates a volume-specific compression codec name to
// container.Compression, for callers that let a per-volume config entry
// override the chunk store's default codec.
func (e *Engine) Codec(c config.CompressionCodec) (container.Compression, error) {
	return codecFromConfig(c)
}

// ResetBloom discards the contents of the shared in-combat bloom filter.
// Until a fingerprint is added back, the filter chain's bloom stage
// answers NotExisting for it, so a chunk already stored is stored again
// rather than deduplicated.
func (e *Engine) ResetBloom() {
	e.bloomFilter.Reset()
}

// CreateVolume registers a new volume bound to this engine's shared
// subsystems (block index, chunk index, chunk store, log, idle
// activity recorder). The caller supplies the per-volume fields of opts
// (ID, LogicalSize, BlockSize, ChunkSize, MaxSessions, Codec); DefaultCodec
// returns the config-driven codec if the caller has no opinion of its own.
func (e *Engine) CreateVolume(opts volume.Options) (*volume.Volume, error) {
	opts.Blocks = e.blocks
	opts.Chunks = e.chunks
	opts.Store = e.store
	opts.Log = e.log
	opts.Activity = e.idleDetector
	if opts.NewChain == nil {
		opts.NewChain = e.defaultChain(samplingMask(e.cfg.ChunkIndex))
	}

	e.volMu.Lock()
	defer e.volMu.Unlock()
	if _, exists := e.volumes[opts.ID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrVolumeExists, opts.ID)
	}
	v := volume.New(opts)
	e.volumes[opts.ID] = v
	return v, nil
}

// defaultChain builds the production filter chain: a sampling filter
// first (so Request.Indexed is always set before anything else can
// short-circuit the chain), then the in-combat bloom filter, then the
// usual block-index/chunk-index/byte-compare path. mask is the same
// sampling mask chunkindex.Index enforces on staging, so both agree on
// which fingerprints are indexed.
func (e *Engine) defaultChain(mask uint64) volume.ChainFactory {
	resolve := func(ctx context.Context, fp domain.Fingerprint) (domain.ContainerAddress, bool, error) {
		cm, ok, err := e.chunks.Lookup(ctx, fp)
		return cm.Address, ok, err
	}
	return func(prior *domain.BlockMapping) *filterchain.Chain {
		return filterchain.New(
			filterchain.NewSamplingFilter(mask),
			filterchain.NewZeroChunkFilter(),
			filterchain.NewBloomFilter(e.bloomFilter),
			filterchain.NewBlockIndexFilter(prior, resolve),
			filterchain.NewChunkIndexFilter(e.chunks),
			filterchain.NewByteCompareFilter(e.store),
		)
	}
}

// Volume returns a previously created volume by ID.
func (e *Engine) Volume(id uint16) (*volume.Volume, error) {
	e.volMu.Lock()
	defer e.volMu.Unlock()
	v, ok := e.volumes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVolume, id)
	}
	return v, nil
}

func (e *Engine) loadCheckpoint(ctx context.Context) (uint64, error) {
	payload, ok, err := e.states.Load(ctx, checkpointName)
	if err != nil {
		return 0, err
	}
	if !ok || len(payload) != 8 {
		return 0, nil
	}
	return decodeUint64(payload), nil
}

func (e *Engine) saveCheckpoint(ctx context.Context) error {
	return e.states.Save(ctx, checkpointName, encodeUint64(e.log.LeastNonProcessedID()))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

// samplingMask translates the declarative sampling config into the
// bitmask internal/chunkindex consults directly. "full" indexing is a
// zero mask; "sampling" picks the smallest power-of-two mask whose
// selectivity is at or below the requested factor, since chunkindex's
// mask check only supports power-of-two selectivity.
func samplingMask(cfg config.ChunkIndexConfig) uint64 {
	if cfg.SamplingStrategy != config.SamplingSampling || cfg.SamplingFactor <= 0 || cfg.SamplingFactor >= 1 {
		return 0
	}
	var bits uint
	mask := uint64(0)
	for bits < 63 {
		bits++
		mask = (uint64(1) << bits) - 1
		if 1.0/float64(uint64(1)<<bits) <= cfg.SamplingFactor {
			break
		}
	}
	return mask
}

// writeStrategyFromConfig maps the config surface's write-cache strategy
// name to chunkstore.WriteStrategy. An unrecognized or empty value falls
// back to StrategyEarliestFree, chunkstore's default.
func writeStrategyFromConfig(s config.WriteCacheStrategy) chunkstore.WriteStrategy {
	if s == config.WriteCacheRoundRobin {
		return chunkstore.StrategyRoundRobin
	}
	return chunkstore.StrategyEarliestFree
}

// codecFromConfig maps the config surface's string codec name to
// container.Compression. CompressionBZ2 is accepted as a value (see
// container.go and DESIGN.md) but always rejected here: no bzip2
// encoder exists anywhere in the retrieved corpus.
func codecFromConfig(c config.CompressionCodec) (container.Compression, error) {
	switch c {
	case "", config.CompressionNone:
		return container.CompressionNone, nil
	case config.CompressionDeflate:
		return container.CompressionDeflate, nil
	case config.CompressionSnappy:
		return container.CompressionSnappy, nil
	case config.CompressionLZ4:
		return container.CompressionLZ4, nil
	case config.CompressionZstd:
		return container.CompressionZstd, nil
	case config.CompressionBZ2:
		return 0, fmt.Errorf("engine: compression %q has no encoder in this build", c)
	default:
		return 0, fmt.Errorf("engine: unknown compression codec %q", c)
	}
}

// gcModeFromConfig maps the config surface's GCConcept to gc.Mode.
// GCConceptMarkAndSweep is accepted as a config value alongside
// usage-count and none, but has no backing implementation: mark-and-
// sweep reclamation was never built, only the reference-count path was
// (see DESIGN.md), so it falls back to ModeNone rather than silently
// behaving like ModeUsage.
func gcModeFromConfig(c config.GCConcept) gc.Mode {
	switch c {
	case config.GCConceptUsageCount:
		return gc.ModeUsage
	default:
		return gc.ModeNone
	}
}

func throttleLimiter(cfg config.ThrottleConfig) *rate.Limiter {
	if !cfg.Enabled || cfg.Factor <= 0 {
		return nil
	}
	burst := int(cfg.SoftLimit)
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Factor), burst)
}

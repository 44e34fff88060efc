// Package config defines the persisted system configuration surface and
// a Store that loads and saves it. Config describes the desired shape of
// every subsystem (chunk store, block index, chunk index, log, gc); it
// is declarative and is not hot-reloaded — a running engine instance
// reads it once at Init.
package config

import "time"

// Config is the full persisted configuration surface.
type Config struct {
	ChunkStore ChunkStoreConfig `json:"chunk_store"`
	BlockIndex BlockIndexConfig `json:"block_index"`
	ChunkIndex ChunkIndexConfig `json:"chunk_index"`
	Log        LogConfig        `json:"log"`
	GC         GCConfig         `json:"gc"`
	Volumes    []VolumeConfig   `json:"volumes"`
}

// VolumeConfig declares one volume the daemon creates at startup. Volumes
// created later through an admin interface are out of scope here; this
// list only covers what a fresh daemon process should bring up on its own.
type VolumeConfig struct {
	ID               uint16           `json:"id"`
	LogicalSize      uint64           `json:"logical_size"`
	BlockSize        uint32           `json:"block_size"`
	ChunkSize        uint32           `json:"chunk_size"`
	MaxSessions      int64            `json:"max_sessions"`
	Compression      CompressionCodec `json:"compression"`
	ChunkingStrategy ChunkingStrategy `json:"chunking_strategy"`
}

// ChunkingStrategy selects how a volume splits a rewritten block into
// sub-chunks before dedup lookup.
type ChunkingStrategy string

const (
	// ChunkingFixed splits a block into ChunkSize-byte sub-chunks. It is
	// the default: a single-byte insertion anywhere in a block shifts
	// every following sub-chunk's boundary, so dedup only benefits
	// whole-block-aligned rewrites.
	ChunkingFixed ChunkingStrategy = "fixed"
	// ChunkingContentDefined uses a rolling-hash cut mask so sub-chunk
	// boundaries are anchored to content rather than offset: an
	// insertion shifts only the chunk it lands in, so the rest of the
	// block's chunks still dedup against what was already stored.
	ChunkingContentDefined ChunkingStrategy = "content-defined"
)

// WriteCacheStrategy selects how the chunk store assigns the next item
// to one of its open container slots (chunkstore.WriteStrategy).
type WriteCacheStrategy string

const (
	WriteCacheRoundRobin   WriteCacheStrategy = "round-robin"
	WriteCacheEarliestFree WriteCacheStrategy = "earliest-free"
)

// CompressionCodec mirrors container.Compression by name, so the config
// surface does not need to import the container package's numeric enum
// directly into persisted JSON.
type CompressionCodec string

const (
	CompressionNone    CompressionCodec = "none"
	CompressionDeflate CompressionCodec = "deflate"
	CompressionSnappy  CompressionCodec = "snappy"
	CompressionLZ4     CompressionCodec = "lz4"
	CompressionZstd    CompressionCodec = "zstd"
	CompressionBZ2     CompressionCodec = "bz2"
)

// ChunkStoreConfig configures internal/chunkstore.
type ChunkStoreConfig struct {
	ContainerSize        uint64             `json:"container_size"`
	ContainerCount       int                `json:"container_count"`
	WriteCacheSize       int                `json:"write_cache_size"`
	WriteCacheStrategy   WriteCacheStrategy `json:"write_cache_strategy"`
	CommitterThreadCount int                `json:"committer_thread_count"`
	Compression          CompressionCodec   `json:"compression"`
	Checksum             bool               `json:"checksum"`
}

// BlockIndexConfig configures internal/blockindex.
type BlockIndexConfig struct {
	LockCount          int      `json:"lock_count"`
	PersistentType     string   `json:"persistent_type"`
	PersistentFilename []string `json:"persistent_filename"`
	CacheSize          int      `json:"cache_size"`
}

// SamplingStrategy selects whether every chunk fingerprint is written to
// the chunk index (full) or only a sampled subset of them (sampling,
// sized by SamplingFactor).
type SamplingStrategy string

const (
	SamplingFull     SamplingStrategy = "full"
	SamplingSampling SamplingStrategy = "sampling"
)

// InCombatConfig sizes the bloom filter the chunk index and filter chain
// share to approximate "this fingerprint may still be in flight."
type InCombatConfig struct {
	Capacity  uint64  `json:"capacity"`
	K         uint    `json:"k"`
	ErrorRate float64 `json:"error_rate"`
}

// ChunkIndexConfig configures internal/chunkindex.
type ChunkIndexConfig struct {
	PersistentType     string           `json:"persistent_type"`
	PersistentFilename []string         `json:"persistent_filename"`
	ChunkLockCount     int              `json:"chunk_lock_count"`
	SamplingStrategy   SamplingStrategy `json:"sampling_strategy"`
	SamplingFactor     float64          `json:"sampling_factor"`
	InCombat           InCombatConfig   `json:"in_combat"`
}

// LogConfig configures internal/oplog.
type LogConfig struct {
	Filename            []string      `json:"filename"`
	MaxLogSize          uint64        `json:"max_log_size"`
	ReplayThreadCount   int           `json:"replay_thread_count"`
	ReplayCheckInterval time.Duration `json:"replay_check_interval"`
}

// GCConcept selects the garbage collector's reclamation strategy.
type GCConcept string

const (
	GCConceptNone         GCConcept = "none"
	GCConceptUsageCount   GCConcept = "usage-count"
	GCConceptMarkAndSweep GCConcept = "mark-and-sweep"
)

// ThrottleConfig bounds how aggressively the garbage collector drains
// candidates relative to live request load.
type ThrottleConfig struct {
	Factor    float64 `json:"factor"`
	SoftLimit uint64  `json:"soft_limit"`
	HardLimit uint64  `json:"hard_limit"`
	Enabled   bool    `json:"enabled"`
}

// GCConfig configures internal/gc.
type GCConfig struct {
	Concept                 GCConcept      `json:"concept"`
	CandidatePersistentType string         `json:"candidate_persistent_type"`
	Throttle                ThrottleConfig `json:"throttle"`
}

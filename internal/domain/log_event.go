package domain

import "fmt"

// LogEventType identifies the kind of event recorded in the operation log.
type LogEventType byte

const (
	// LogEmpty carries no payload. oplog.Open does not append it: a
	// brand new log starts with LogNew.
	LogEmpty LogEventType = iota
	// LogNew is synthesized once, the first time a brand new log is
	// created on disk.
	LogNew
	// LogBlockWrite records a committed BlockMappingPair.
	LogBlockWrite
	// LogBlockDelete records the removal of a block mapping.
	LogBlockDelete
	// LogContainerCommit records that a container has been sealed and
	// fsynced and its chunk mappings are now durable.
	LogContainerCommit
	// LogGCUsageUpdate records a usage-count delta applied by the garbage
	// collector, CAS-gated on LogID.
	LogGCUsageUpdate
	// LogConfigUpdate records a full replacement of the persisted system
	// configuration.
	LogConfigUpdate
)

func (t LogEventType) String() string {
	switch t {
	case LogEmpty:
		return "empty"
	case LogNew:
		return "new"
	case LogBlockWrite:
		return "block_write"
	case LogBlockDelete:
		return "block_delete"
	case LogContainerCommit:
		return "container_commit"
	case LogGCUsageUpdate:
		return "gc_usage_update"
	case LogConfigUpdate:
		return "config_update"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// LogEvent is one record of the append-only operation log.
type LogEvent struct {
	ID   uint64 // monotonically increasing, assigned on append
	Type LogEventType

	BlockPair     *BlockMappingPair // set for LogBlockWrite / LogBlockDelete
	ContainerID   ContainerID       // set for LogContainerCommit
	GCDelta       *GCUsageDelta     // set for LogGCUsageUpdate
	ConfigPayload []byte            // set for LogConfigUpdate; an encoded config.Config
}

// GCUsageDelta is the payload of a LogGCUsageUpdate event: a batch of
// per-fingerprint reference-count adjustments.
type GCUsageDelta struct {
	Added   []Fingerprint
	Removed []Fingerprint
}

// ContainerTracker records the commit state of a single container while it
// is still open in the chunk store's write cache: which chunk mappings
// are staged against it and whether it has been durably sealed.
type ContainerTracker struct {
	ContainerID ContainerID
	Committed   bool
	Fingerprints []Fingerprint
}

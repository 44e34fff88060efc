package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"dedupvol/internal/domain"
	"dedupvol/internal/kvindex"
	"dedupvol/internal/oplog"
)

const configKey = "config"
const currentVersion = 1

// envelope is the versioned on-disk format ({"version": N, "config":
// {...}}), stored as a kvindex value instead of a standalone JSON file.
type envelope struct {
	Version int     `json:"version"`
	Config  *Config `json:"config"`
}

// Store persists and loads the system configuration. Every Save appends
// a LogEvent through the operation log before updating the backend, so
// the log remains the source of truth for "what configuration was in
// effect as of log_id N" even though config itself is load-on-start,
// not hot-reloaded.
type Store struct {
	backend kvindex.Index
	log     *oplog.Log

	mu sync.Mutex
}

// NewStore wraps backend (typically boltkv) as a Store. log may be nil,
// in which case Save skips the log append — used for short-lived
// configuration tools that never run alongside the daemon's own log.
func NewStore(backend kvindex.Index, log *oplog.Log) *Store {
	return &Store{backend: backend, log: log}
}

// Load reads the persisted configuration. Returns nil, nil if none has
// ever been saved.
func (s *Store) Load(ctx context.Context) (*Config, error) {
	raw, err := s.backend.Lookup(ctx, []byte(configKey))
	if errors.Is(err, kvindex.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("config: parse stored config: %w", err)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config: stored version %d is newer than supported version %d", env.Version, currentVersion)
	}
	return env.Config, nil
}

// Save persists cfg, overwriting whatever was there before.
func (s *Store) Save(ctx context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if s.log != nil {
		if _, err := s.log.Append(ctx, domain.LogEvent{Type: domain.LogConfigUpdate, ConfigPayload: data}); err != nil {
			return fmt.Errorf("config: append log: %w", err)
		}
	}

	if err := s.backend.Put(ctx, []byte(configKey), data); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	return nil
}

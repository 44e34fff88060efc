package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dedupvol/internal/config"
	"dedupvol/internal/container"
	"dedupvol/internal/engine"
	"dedupvol/internal/logging"
)

func TestResolveDataDirUsesFlagWhenSet(t *testing.T) {
	got, err := resolveDataDir("/srv/dedupvold")
	if err != nil {
		t.Fatalf("resolveDataDir: %v", err)
	}
	if got != "/srv/dedupvold" {
		t.Fatalf("expected flag value passed through, got %q", got)
	}
}

func TestResolveDataDirDefaultsUnderHome(t *testing.T) {
	got, err := resolveDataDir("")
	if err != nil {
		t.Fatalf("resolveDataDir: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}
	want := filepath.Join(home, ".dedupvold")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer func() { _ = first.Close() }()

	if _, err := acquireLock(dir); err == nil {
		t.Fatalf("expected second lock attempt to fail")
	}
}

func TestLoadConfigWithoutBootstrapFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadConfig(context.Background(), logging.Discard(), dir, false); err == nil {
		t.Fatalf("expected an error when no config exists and bootstrap is false")
	}
}

func TestLoadConfigBootstrapsDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(context.Background(), logging.Discard(), dir, true)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Volumes) == 0 {
		t.Fatalf("expected the default config to declare at least one volume")
	}

	// A second call against the same directory should find the
	// already-bootstrapped config rather than bootstrapping again.
	cfg2, err := loadConfig(context.Background(), logging.Discard(), dir, false)
	if err != nil {
		t.Fatalf("second loadConfig: %v", err)
	}
	if len(cfg2.Volumes) != len(cfg.Volumes) {
		t.Fatalf("expected the persisted config to round-trip, got %d volumes vs %d", len(cfg2.Volumes), len(cfg.Volumes))
	}
}

func TestVolumeCodecFallsBackToEngineDefault(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ChunkStore: config.ChunkStoreConfig{Compression: config.CompressionLZ4},
		ChunkIndex: config.ChunkIndexConfig{InCombat: config.InCombatConfig{Capacity: 1024, ErrorRate: 0.01}},
	}
	e := engine.New(engine.Options{Dir: dir, Config: cfg})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = e.Stop(context.Background(), true) }()

	codec, err := volumeCodec(e, config.VolumeConfig{})
	if err != nil {
		t.Fatalf("volumeCodec: %v", err)
	}
	if codec != container.CompressionLZ4 {
		t.Fatalf("expected fallback to the chunk store default codec, got %v", codec)
	}
}

func TestVolumeCodecHonorsPerVolumeOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ChunkStore: config.ChunkStoreConfig{Compression: config.CompressionLZ4},
		ChunkIndex: config.ChunkIndexConfig{InCombat: config.InCombatConfig{Capacity: 1024, ErrorRate: 0.01}},
	}
	e := engine.New(engine.Options{Dir: dir, Config: cfg})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = e.Stop(context.Background(), true) }()

	codec, err := volumeCodec(e, config.VolumeConfig{Compression: config.CompressionNone})
	if err != nil {
		t.Fatalf("volumeCodec: %v", err)
	}
	if codec != container.CompressionNone {
		t.Fatalf("expected per-volume override to win, got %v", codec)
	}
}

func TestCreateConfiguredVolumesCreatesEachDeclaredVolume(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ChunkIndex: config.ChunkIndexConfig{InCombat: config.InCombatConfig{Capacity: 1024, ErrorRate: 0.01}},
		Volumes: []config.VolumeConfig{
			{ID: 0, LogicalSize: 1 << 20, BlockSize: 4096, ChunkSize: 512},
			{ID: 1, LogicalSize: 1 << 20, BlockSize: 4096, ChunkSize: 512},
		},
	}
	e := engine.New(engine.Options{Dir: dir, Config: cfg})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = e.Stop(context.Background(), true) }()

	if err := createConfiguredVolumes(e, cfg); err != nil {
		t.Fatalf("createConfiguredVolumes: %v", err)
	}
	for _, id := range []uint16{0, 1} {
		if _, err := e.Volume(id); err != nil {
			t.Fatalf("expected volume %d to exist: %v", id, err)
		}
	}
}

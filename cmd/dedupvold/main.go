// Command dedupvold runs the inline block-level deduplicating storage
// engine.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to the engine via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof is intentionally available when --pprof flag is set
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dedupvol/internal/config"
	"dedupvol/internal/container"
	"dedupvol/internal/engine"
	"dedupvol/internal/kvindex/boltkv"
	"dedupvol/internal/logging"
	"dedupvol/internal/volume"
)

var version = "dev"

const lockFileName = ".lock"

// ErrDirectoryLocked is returned when another process already holds the
// data directory's advisory lock.
var ErrDirectoryLocked = errors.New("dedupvold: data directory is locked by another process")

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "dedupvold",
		Short: "Inline block-level deduplicating storage engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					pprofSrv := &http.Server{Addr: pprofAddr, Handler: nil, ReadHeaderTimeout: 10 * time.Second}
					if err := pprofSrv.ListenAndServe(); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("dir", "", "data directory (default: $HOME/.dedupvold)")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps — bind to loopback only, never expose publicly")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the dedupvold service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirFlag, _ := cmd.Flags().GetString("dir")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")
			fastStop, _ := cmd.Flags().GetBool("fast-stop")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, dirFlag, bootstrap, fastStop)
		},
	}

	serverCmd.Flags().Bool("bootstrap", false, "bootstrap with default configuration and a single default volume if none exists")
	serverCmd.Flags().Bool("fast-stop", false, "skip the final idle-triggered gc drain pass on shutdown")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dirFlag string, bootstrap, fastStop bool) error {
	dir, err := resolveDataDir(dirFlag)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	logger.Info("data directory", "path", dir)

	lock, err := acquireLock(dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	cfg, err := loadConfig(ctx, logger, dir, bootstrap)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("loaded config",
		"volumes", len(cfg.Volumes),
		"gc_concept", cfg.GC.Concept,
		"compression", cfg.ChunkStore.Compression)

	e := engine.New(engine.Options{Dir: dir, Config: cfg, Logger: logger})
	if err := e.Init(ctx); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	logger.Info("starting engine")
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("engine started")

	if err := createConfiguredVolumes(e, cfg); err != nil {
		_ = e.Stop(ctx, true)
		return fmt.Errorf("create volumes: %w", err)
	}

	<-ctx.Done()

	logger.Info("shutting down engine", "fast", fastStop)
	if err := e.Stop(context.Background(), fastStop); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// loadConfig opens a short-lived config store against the data
// directory's config.db, loads the persisted config, bootstraps a
// default one if requested and none exists, then closes that store
// before returning: internal/engine.Init opens config.db itself and
// expects to be the only open handle to it.
func loadConfig(ctx context.Context, logger *slog.Logger, dir string, bootstrap bool) (*config.Config, error) {
	backend, err := boltkv.Open(filepath.Join(dir, "config.db"))
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	defer func() { _ = backend.Close() }()

	store := config.NewStore(backend, nil)
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	if !bootstrap {
		return nil, errors.New("no config found (pass --bootstrap to create a default one)")
	}

	logger.Info("no config found, bootstrapping default configuration")
	if err := config.Bootstrap(ctx, store); err != nil {
		return nil, fmt.Errorf("bootstrap config: %w", err)
	}
	cfg, err = store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bootstrapped config: %w", err)
	}
	return cfg, nil
}

// createConfiguredVolumes creates every volume declared in cfg.Volumes
// against the already-initialized engine. A volume with no explicit
// compression codec of its own falls back to the chunk store's default.
func createConfiguredVolumes(e *engine.Engine, cfg *config.Config) error {
	for _, vc := range cfg.Volumes {
		codec, err := volumeCodec(e, vc)
		if err != nil {
			return fmt.Errorf("volume %d: %w", vc.ID, err)
		}
		if _, err := e.CreateVolume(volume.Options{
			ID:          vc.ID,
			LogicalSize: vc.LogicalSize,
			BlockSize:   vc.BlockSize,
			ChunkSize:   vc.ChunkSize,
			MaxSessions: vc.MaxSessions,
			Codec:       codec,
			ChunkerMode: chunkerMode(vc),
		}); err != nil {
			return fmt.Errorf("volume %d: %w", vc.ID, err)
		}
	}
	return nil
}

func volumeCodec(e *engine.Engine, vc config.VolumeConfig) (container.Compression, error) {
	if vc.Compression == "" {
		return e.DefaultCodec()
	}
	return e.Codec(vc.Compression)
}

// chunkerMode maps a volume's configured chunking strategy to the
// volume package's selector. An empty or unrecognized value defaults to
// ChunkerFixed.
func chunkerMode(vc config.VolumeConfig) volume.ChunkerMode {
	if vc.ChunkingStrategy == config.ChunkingContentDefined {
		return volume.ChunkerContentDefined
	}
	return volume.ChunkerFixed
}

// resolveDataDir returns flagValue if set, else $HOME/.dedupvold.
func resolveDataDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dedupvold"), nil
}

// acquireLock takes an advisory exclusive lock on dir, so only one
// dedupvold instance can run against a given data directory at a time.
func acquireLock(dir string) (*os.File, error) {
	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, dir)
	}
	return f, nil
}

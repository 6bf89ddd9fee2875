package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"blockremote/internal/bus"
	"blockremote/internal/config"
	"blockremote/internal/logging"
	"blockremote/internal/metrics"
	"blockremote/internal/storage"
	"blockremote/internal/trust"
)

const version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "blockremote",
	Short:         "Remote-control fraud detection: trust scoring and agent kill switch",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BLOCKREMOTE_CONFIG"), "config file (YAML or JSON); defaults plus environment when empty")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(tokenCmd)
}

// runtime is the state shared by the serve and worker commands.
type runtime struct {
	cfg     *config.Manager
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *metrics.Metrics
	store   storage.Store
	bus     bus.Bus
	cache   trust.Cache
}

func openRuntime(ctx context.Context) (*runtime, error) {
	mgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger, level := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	rt := &runtime{cfg: mgr, logger: logger, level: level, metrics: metrics.New()}

	rt.store, err = storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := rt.store.Init(ctx); err != nil {
		_ = rt.store.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	rt.bus, err = bus.New(ctx, cfg.Bus)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open bus: %w", err)
	}
	rt.cache, err = trust.NewCache(cfg.TrustCache)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open trust cache: %w", err)
	}
	logger.Info("blockremote starting",
		"version", version,
		"config", mgr.Path(),
		"storage", cfg.Storage.Driver,
		"bus", cfg.Bus.Driver,
		"trust_cache", cfg.TrustCache.Driver,
	)
	return rt, nil
}

// watchConfig applies reloaded configs until ctx ends. Only hot-swappable
// settings take effect; connections are not reopened.
func (rt *runtime) watchConfig(ctx context.Context, apply func(*config.Config)) {
	rt.cfg.Watch(2*time.Second, func(cfg *config.Config) {
		rt.level.Set(logging.ParseLevel(cfg.LogLevel))
		if apply != nil {
			apply(cfg)
		}
		rt.logger.Info("config reloaded", "path", rt.cfg.Path())
	}, func(err error) {
		rt.logger.Warn("config reload failed", "err", err)
	}, ctx.Done())
}

func (rt *runtime) Close() {
	if rt.cache != nil {
		_ = rt.cache.Close()
	}
	if rt.bus != nil {
		_ = rt.bus.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

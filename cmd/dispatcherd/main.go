package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetworks/dispatcher/internal/config"
	"github.com/fleetworks/dispatcher/internal/dispatcher"
	"github.com/fleetworks/dispatcher/internal/ingest"
	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/registry"
	"github.com/fleetworks/dispatcher/internal/repopool"
	"github.com/fleetworks/dispatcher/internal/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "dispatcherd",
		Short: "Task dispatcher for agent runner pools",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("dispatcherd")

	reg, err := registry.NewFileStore(cfg.Dispatcher.TaskRegistryDir)
	if err != nil {
		return fmt.Errorf("open task registry: %w", err)
	}

	repos := make(map[string]repopool.RepoConfig, len(cfg.RepoPool.Repos))
	for name, rc := range cfg.RepoPool.Repos {
		repos[name] = repopool.RepoConfig{
			URL:     rc.URL,
			Slots:   rc.Slots,
			BaseDir: cfg.RepoPool.BaseDir,
		}
	}
	slots := repopool.NewPool(repos)

	core := dispatcher.New(cfg, reg, slots)
	core.Start()

	srv := server.New(cfg.Server, core)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("observability server failed")
		}
	}()

	var listener *ingest.Listener
	if cfg.Redis.Addr != "" {
		listener = ingest.NewListener(cfg.Redis, core, core.RunnerMonitor())
		if err := listener.Start(context.Background()); err != nil {
			log.Error().Err(err).Msg("runner signal listener failed to start, continuing without it")
			listener = nil
		}
	}

	// Interrupt and terminate both trigger graceful shutdown exactly once.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	signal.Stop(sigCh)
	core.Stop(cfg.Dispatcher.GracefulShutdownTimeout)

	if listener != nil {
		listener.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("observability server shutdown failed")
	}

	return nil
}

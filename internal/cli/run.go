package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/evtc-relay/internal/feed"
	"github.com/ChuLiYu/evtc-relay/internal/metrics"
	"github.com/ChuLiYu/evtc-relay/internal/server"
	"github.com/ChuLiYu/evtc-relay/internal/snapshot"
	"github.com/ChuLiYu/evtc-relay/internal/watcher"
)

func buildRunCommand() *cobra.Command {
	var dirs []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start watching log folders and uploading new logs",
		Long:  "Watch the configured folders for finished logs and push each one through parse, report upload and stats upload until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if len(dirs) > 0 {
				cfg.Watch.Dirs = dirs
			}
			logger, cleanup := commandLogger(cfg)
			defer cleanup()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			return runRelay(cfg, logger, sigChan)
		},
	}

	cmd.Flags().StringSliceVarP(&dirs, "dir", "d", nil, "log folder to watch, overrides watch.dirs (repeatable)")
	return cmd
}

// runRelay runs until stop delivers a value.
func runRelay(cfg *Config, logger *slog.Logger, stop <-chan os.Signal) error {
	p, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}
	coord := p.coord

	// workCtx is handed to stage calls, bgCtx to the followers and servers.
	// Followers outlive the coordinator so they see its final view.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var wg sync.WaitGroup

	if err := coord.Start(workCtx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	logger.Info("relay started", "session", coord.Session(), "config", configFile)

	var paths <-chan string
	if len(cfg.Watch.Dirs) > 0 {
		paths, err = watcher.Watch(bgCtx, watcher.Config{
			Roots:       cfg.Watch.Dirs,
			Exts:        cfg.Watch.Exts,
			InitialScan: cfg.Watch.InitialScan,
			Debounce:    cfg.Watch.Debounce,
		}, logger)
		if err != nil {
			coord.Shutdown()
			return fmt.Errorf("failed to watch log folders: %w", err)
		}
	} else {
		logger.Warn("no watch.dirs configured, only re-arm requests will be processed")
	}

	if cfg.Status.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Status.GRPCAddr)
		if err != nil {
			coord.Shutdown()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Status.GRPCAddr, err)
		}
		logger.Info("status service listening", "addr", lis.Addr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.NewStatusServer(coord).Serve(bgCtx, lis); err != nil {
				logger.Error("status service failed", "error", err)
			}
		}()
	}

	if cfg.Status.HTTPAddr != "" {
		lis, err := net.Listen("tcp", cfg.Status.HTTPAddr)
		if err != nil {
			coord.Shutdown()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Status.HTTPAddr, err)
		}
		deps := server.RouterDeps{Source: coord, Logger: logger}
		if cfg.Metrics.Enabled {
			deps.Metrics = metrics.Handler(p.registry)
		}
		logger.Info("http server listening", "addr", lis.Addr().String(), "metrics", cfg.Metrics.Enabled)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(bgCtx, lis, server.NewRouter(deps)); err != nil {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	var snapshots *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		snapshots = snapshot.NewManager(cfg.Snapshot.Path)
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshots.Follow(bgCtx, cfg.Snapshot.Interval, coord.Snapshot, logger)
		}()
	}

	if cfg.Feed.Enabled {
		pub, err := feed.NewPublisher(cfg.Feed.RedisURL, cfg.Feed.TTL, logger)
		if err != nil {
			coord.Shutdown()
			return fmt.Errorf("failed to create feed publisher: %w", err)
		}
		defer pub.Close()
		pingCtx, cancel := context.WithTimeout(bgCtx, 2*time.Second)
		if err := pub.Ping(pingCtx); err != nil {
			logger.Warn("redis feed unreachable, will keep trying", "url", cfg.Feed.RedisURL, "error", err)
		}
		cancel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Follow(bgCtx, cfg.Feed.Interval, coord.Snapshot)
		}()
	}

	ticker := time.NewTicker(cfg.Pipeline.TickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case sig := <-stop:
			logger.Info("received shutdown signal, stopping gracefully", "signal", sig.String())
			break loop
		case path, ok := <-paths:
			if !ok {
				paths = nil
				continue
			}
			coord.Submit(path)
		case <-ticker.C:
			coord.Tick()
		}
	}

	// in-flight calls finish, queued ones are dropped
	shutdownErr := coord.Shutdown()
	cancelWork()
	cancelBg()
	wg.Wait()

	if snapshots != nil {
		if err := snapshots.WriteWithBackup(coord.Snapshot(), cfg.Snapshot.Keep); err != nil {
			logger.Error("final snapshot failed", "error", err)
		}
	}
	view := coord.Snapshot()
	logger.Info("relay stopped", "jobs", len(view.Rows), "settled", view.Settled())
	return shutdownErr
}

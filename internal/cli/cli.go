// ============================================================================
// evtc-relay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that wire the pipeline to the outside world
//
// Command Structure:
//   evtc-relay                     # Root command
//   ├── run                        # Watch log folders and upload continuously
//   ├── upload FILE...             # Upload the given logs and print the result
//   ├── status                     # Show the job table of a running relay
//   │   └── --json                 # Print the raw view
//   ├── history                    # Replay the transition journal
//   │   ├── --job                  # Only one job
//   │   └── --summary              # Aggregate counts instead of entries
//   ├── rearm JOB STAGE            # Re-arm a failed stage of a running relay
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML file (see config.go). A missing file means defaults. The report
//   token may also come from EVTC_RELAY_TOKEN.
//
// run Command:
//   1. Load config and set up logging
//   2. Build the coordinator with its stage workers
//   3. Start the gRPC status service and the HTTP router (/metrics, /api/v1)
//   4. Follow the view into the summary snapshot and, if enabled, Redis
//   5. Feed discovered logs into the coordinator and tick until a signal
//   6. Shut down: in-flight calls finish, queued tasks are dropped, then the
//      final snapshot is written
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/evtc-relay/internal/coordinator"
	"github.com/ChuLiYu/evtc-relay/internal/evtc"
	"github.com/ChuLiYu/evtc-relay/internal/metrics"
	"github.com/ChuLiYu/evtc-relay/internal/storage/journal"
	"github.com/ChuLiYu/evtc-relay/internal/upload"
)

// Version is reported by --version.
var Version = "0.3.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "evtc-relay",
		Short: "evtc-relay: parse combat logs and upload them to dps.report and Wingman",
		Long: `evtc-relay watches arcdps log folders and, for every finished log:
- parses the encounter and recording account
- uploads it to the report service with bounded retries
- uploads it to the stats aggregator
and serves the job table over gRPC and HTTP.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildUploadCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildRearmCommand())

	return rootCmd
}

// ============================================================================
// Pipeline wiring
// ============================================================================

// pipeline is a coordinator with its ambient services.
type pipeline struct {
	coord    *coordinator.Coordinator
	registry *prometheus.Registry
	journal  *journal.Journal // nil when disabled
}

func buildPipeline(cfg *Config, logger *slog.Logger) (*pipeline, error) {
	client := upload.NewHTTPClient(cfg.Report.ReadTimeout, cfg.Report.WriteTimeout)
	registry := prometheus.NewRegistry()

	deps := coordinator.Deps{
		Parser:  evtc.NewParser(cfg.Pipeline.MaxLogSize),
		Report:  upload.NewReportClient(cfg.Report.Endpoint, client, logger),
		Stats:   upload.NewStatsClient(cfg.Stats.Endpoint, client, logger),
		Logger:  logger,
		Metrics: metrics.NewCollector(registry),
	}

	p := &pipeline{registry: registry}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
			MaxBytes:      cfg.Journal.MaxBytes,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		p.journal = j
		deps.Journal = j
	}

	coord, err := coordinator.New(coordinator.Config{
		Eligibility:      cfg.eligibility(),
		ReportBackoff:    cfg.Report.Backoff,
		MaxReportRetries: cfg.Report.MaxRetries,
		Token:            cfg.Report.Token,
		Account:          cfg.Pipeline.Account,
		StatsViewURL:     cfg.Stats.ViewURL,
		ParseTimeout:     cfg.Pipeline.ParseTimeout,
	}, deps)
	if err != nil {
		if p.journal != nil {
			p.journal.Close()
		}
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	p.coord = coord
	return p, nil
}

// commandLogger loads the config and installs the process logger.
func commandLogger(cfg *Config) (*slog.Logger, func() error) {
	level, _ := parseLevel(cfg.Log.Level)
	logger, cleanup := setupLogger(cfg.Log.File, level)
	slog.SetDefault(logger)
	return logger, cleanup
}

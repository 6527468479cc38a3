package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/evtc-relay/internal/server"
	"github.com/ChuLiYu/evtc-relay/internal/snapshot"
	"github.com/ChuLiYu/evtc-relay/internal/storage/journal"
	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// ============================================================================
// upload
// ============================================================================

func buildUploadCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload the given logs and wait until every one is settled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, cleanup := commandLogger(cfg)
			defer cleanup()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			view, err := uploadFiles(cfg, logger, args, sigChan)
			if err != nil {
				return err
			}
			return printView(cmd.OutOrStdout(), view, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final view as JSON")
	return cmd
}

// uploadFiles submits files and ticks until the ledger settles or stop fires.
func uploadFiles(cfg *Config, logger *slog.Logger, files []string, stop <-chan os.Signal) (types.View, error) {
	p, err := buildPipeline(cfg, logger)
	if err != nil {
		return types.View{}, err
	}
	coord := p.coord

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		return types.View{}, fmt.Errorf("failed to start coordinator: %w", err)
	}
	for _, f := range files {
		coord.Submit(f)
	}

	ticker := time.NewTicker(cfg.Pipeline.TickInterval)
	defer ticker.Stop()
	for !coord.Settled() {
		select {
		case <-stop:
			logger.Info("interrupted, abandoning queued uploads")
			if err := coord.Shutdown(); err != nil {
				return types.View{}, err
			}
			return coord.Snapshot(), fmt.Errorf("interrupted with %d logs unsettled", countUnsettled(coord.Snapshot()))
		case <-ticker.C:
			coord.Tick()
		}
	}

	if err := coord.Shutdown(); err != nil {
		return types.View{}, err
	}
	view := coord.Snapshot()
	if cfg.Snapshot.Path != "" {
		if err := snapshot.NewManager(cfg.Snapshot.Path).Write(view); err != nil {
			logger.Warn("failed to write summary snapshot", "error", err)
		}
	}
	return view, nil
}

func countUnsettled(v types.View) int {
	n := 0
	for _, r := range v.Rows {
		if !r.Settled() {
			n++
		}
	}
	return n
}

func printView(w io.Writer, v types.View, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return renderView(w, v, time.Now(), isTerminal(w))
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the job table of a running relay",
		Long:  "Ask a running relay for its current view. When none answers, the last summary snapshot is shown instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = cfg.Status.GRPCAddr
			}
			view, err := fetchView(addr, cfg.Snapshot.Path, timeout)
			if err != nil {
				return err
			}
			return printView(cmd.OutOrStdout(), view, asJSON)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status service address (default: status.grpc_addr)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the view as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "status service timeout")
	return cmd
}

// fetchView asks the status service and falls back to the snapshot file.
func fetchView(addr, snapshotPath string, timeout time.Duration) (types.View, error) {
	var liveErr error
	if addr != "" {
		view, err := liveView(addr, timeout)
		if err == nil {
			return view, nil
		}
		liveErr = err
		slog.Debug("status service unavailable, reading snapshot", "addr", addr, "error", err)
	}
	if snapshotPath == "" {
		return types.View{}, fmt.Errorf("no running relay at %s and no snapshot configured: %w", addr, liveErr)
	}
	m := snapshot.NewManager(snapshotPath)
	if !m.Exists() {
		return types.View{}, fmt.Errorf("no running relay at %s and no snapshot at %s yet", addr, m.Path())
	}
	view, err := m.Load()
	if err != nil {
		return types.View{}, fmt.Errorf("no running relay at %s and no usable snapshot: %w", addr, err)
	}
	return view, nil
}

func liveView(addr string, timeout time.Duration) (types.View, error) {
	conn, err := server.Dial(addr)
	if err != nil {
		return types.View{}, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.NewStatusClient(conn).Snapshot(ctx)
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var job int
	var summary bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the transition journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Journal.Path == "" {
				return fmt.Errorf("journal.path is not configured")
			}
			out := cmd.OutOrStdout()
			if summary {
				return printJournalSummary(out, cfg.Journal.Path)
			}
			return printJournal(out, cfg.Journal.Path, job)
		},
	}

	cmd.Flags().IntVar(&job, "job", -1, "only show transitions of this job id")
	cmd.Flags().BoolVar(&summary, "summary", false, "print aggregate counts")
	return cmd
}

func printJournal(w io.Writer, path string, job int) error {
	err := journal.Replay(path, func(e journal.Entry) error {
		if job >= 0 && int(e.JobID) != job {
			return nil
		}
		line := fmt.Sprintf("%6d  %s  %-8s  job %-4d %-6s  %s -> %s",
			e.Seq, e.At.Local().Format("2006-01-02 15:04:05"), shortSession(e.Session), e.JobID, e.Stage, e.From, e.To)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	return nil
}

func printJournalSummary(w io.Writer, path string) error {
	s, err := journal.Summarize(path)
	if err != nil {
		return fmt.Errorf("failed to summarize journal: %w", err)
	}
	fmt.Fprintf(w, "Journal:     %s\n", path)
	fmt.Fprintf(w, "Entries:     %d (seq %d..%d)\n", s.Entries, s.FirstSeq, s.LastSeq)
	fmt.Fprintf(w, "Sessions:    %d\n", len(s.Sessions))
	if s.Entries > 0 {
		fmt.Fprintf(w, "Time range:  %s .. %s\n",
			s.TimeRange[0].Local().Format(time.RFC3339), s.TimeRange[1].Local().Format(time.RFC3339))
	}

	states := make([]string, 0, len(s.ByState))
	for st := range s.ByState {
		states = append(states, string(st))
	}
	sort.Strings(states)
	for _, st := range states {
		fmt.Fprintf(w, "  -> %-8s %d\n", st, s.ByState[types.StepState(st)])
	}
	if s.Corrupted {
		fmt.Fprintln(w, "Warning: journal has a corrupted tail, later entries were skipped")
	}
	return nil
}

func shortSession(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ============================================================================
// rearm
// ============================================================================

func buildRearmCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "rearm JOB STAGE",
		Short: "Re-arm a failed stage of a job in a running relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id < 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			stage, err := types.ParseStage(args[1])
			if err != nil {
				return err
			}
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = cfg.Status.GRPCAddr
			}

			conn, err := server.Dial(addr)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.NewStatusClient(conn).Rearm(ctx, types.JobID(id), stage); err != nil {
				return fmt.Errorf("failed to re-arm job %d %s: %w", id, stage, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-arm of job %d %s requested\n", id, stage)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status service address (default: status.grpc_addr)")
	return cmd
}

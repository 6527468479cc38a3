// ============================================================================
// evtc-relay Coordinator - Pipeline Core
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Function: Owns the job ledger and drives every job through parse, report
//           upload and stats upload
//
// Architecture:
//   The coordinator is the only code that mutates jobs. It is driven by an
//   external tick from the host goroutine and never blocks that tick:
//   - Ledger: append-only job list, JobID == index
//   - Pool: one worker goroutine per stage, unbounded input queues, one
//     shared result queue
//   - Policy: pure classification of stage outcomes and upload eligibility
//
// Tick (3 phases, in order):
//   1. Drain    - take every queued worker result, classify it, apply it to
//                 the job with the same JobID
//   2. Expire   - report steps whose retry deadline has passed go back to
//                 Pending and bump the job's retry count
//   3. Dispatch - walk the ledger in order; parse gates everything, report
//                 and stats are dispatched independently once parse is Done
//
// Observers:
//   Snapshot() returns the last published immutable View through an atomic
//   pointer. Any goroutine may call it; it never touches the ledger.
//
// Shutdown:
//   Close worker input queues, join workers (the task in hand finishes),
//   drain the last results, publish a final view, close the journal.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/evtc-relay/internal/ledger"
	"github.com/ChuLiYu/evtc-relay/internal/policy"
	"github.com/ChuLiYu/evtc-relay/internal/upload"
	"github.com/ChuLiYu/evtc-relay/internal/worker"
	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

var (
	ErrShutdown     = errors.New("coordinator is shut down")
	ErrMissingStage = errors.New("stage implementation missing")
)

// ============================================================================
// Collaborators
// ============================================================================

// Parser decodes a log file.
type Parser interface {
	ParseFile(ctx context.Context, path string) (types.Encounter, error)
}

// ReportUploader posts a log to the report service.
type ReportUploader interface {
	Upload(ctx context.Context, req types.ReportRequest) types.HTTPOutcome
}

// StatsUploader posts a log to the stats aggregator.
type StatsUploader interface {
	Upload(ctx context.Context, req types.StatsRequest) types.HTTPOutcome
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordSubmitted()
	RecordDispatched(stage types.Stage)
	RecordTransition(stage types.Stage, to types.StepState)
	RecordRetry()
	RecordStageLatency(stage types.Stage, d time.Duration)
	SetLedgerStats(stats map[string]int)
}

// Journal persists stage transitions.
type Journal interface {
	Record(t types.Transition) error
	Close() error
}

// ============================================================================
// Configuration
// ============================================================================

// Config holds pipeline policy.
type Config struct {
	Eligibility      policy.Eligibility // which uploads run for which categories
	ReportBackoff    time.Duration      // wait after a transient report failure
	MaxReportRetries int                // Retry -> Pending transitions before giving up
	Token            string             // initial report service token, may be empty
	Account          string             // overrides the parsed recording account when set
	StatsViewURL     string             // link template, {account} and {log} are substituted
	ParseTimeout     time.Duration      // per-file parse limit, zero for none
	Session          string             // session id, generated when empty
}

// Deps are the stage implementations and ambient services.
type Deps struct {
	Parser  Parser
	Report  ReportUploader
	Stats   StatsUploader
	Clock   Clock        // SystemClock when nil
	Logger  *slog.Logger // slog.Default() when nil
	Metrics Recorder     // optional
	Journal Journal      // optional
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator drives the pipeline. Submit, Tick, Rearm, Settled and Shutdown
// must be called from a single goroutine. Snapshot and RequestRearm are safe
// from any goroutine.
type Coordinator struct {
	cfg     Config
	ledger  *ledger.Ledger
	pool    *worker.Pool
	parseW  *worker.Worker[types.ParseRequest]
	reportW *worker.Worker[types.ReportRequest]
	statsW  *worker.Worker[types.StatsRequest]
	results *worker.Queue[worker.Result]
	rearms  *worker.Queue[rearmRequest] // requests from other goroutines

	clock   Clock
	log     *slog.Logger
	metrics Recorder
	journal Journal

	token   string   // current report token, updated from responses
	secrets []string // every token seen this session, for redaction
	dirty   bool     // ledger changed since the last publish
	version uint64   // publish counter
	view    atomic.Pointer[types.View]
	started bool
	closed  bool
}

type rearmRequest struct {
	id    types.JobID
	stage types.Stage
}

// New wires the stage workers. Workers start running on Start.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Parser == nil || deps.Report == nil || deps.Stats == nil {
		return nil, ErrMissingStage
	}
	if cfg.ReportBackoff <= 0 {
		cfg.ReportBackoff = policy.DefaultReportBackoff
	}
	if cfg.MaxReportRetries <= 0 {
		cfg.MaxReportRetries = policy.DefaultMaxReportRetries
	}
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	logger := deps.Logger.With("session", cfg.Session)

	pool := worker.NewPool(logger)
	parseW, err := worker.Register(pool, types.StageParse, func(ctx context.Context, req types.ParseRequest) any {
		enc, err := deps.Parser.ParseFile(ctx, req.Path)
		return types.ParseOutcome{Encounter: enc, Err: err}
	}, cfg.ParseTimeout)
	if err != nil {
		return nil, err
	}
	reportW, err := worker.Register(pool, types.StageReport, func(ctx context.Context, req types.ReportRequest) any {
		return deps.Report.Upload(ctx, req)
	}, 0)
	if err != nil {
		return nil, err
	}
	statsW, err := worker.Register(pool, types.StageStats, func(ctx context.Context, req types.StatsRequest) any {
		return deps.Stats.Upload(ctx, req)
	}, 0)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:     cfg,
		ledger:  ledger.New(),
		pool:    pool,
		parseW:  parseW,
		reportW: reportW,
		statsW:  statsW,
		results: pool.Results(),
		rearms:  worker.NewQueue[rearmRequest](),
		clock:   deps.Clock,
		log:     logger,
		metrics: deps.Metrics,
		journal: deps.Journal,
		token:   cfg.Token,
	}
	c.remember(cfg.Token)
	c.publish(c.clock.Now())
	return c, nil
}

// Session returns the session id.
func (c *Coordinator) Session() string { return c.cfg.Session }

// Start launches the stage workers. ctx is handed to every stage call.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed {
		return ErrShutdown
	}
	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	c.started = true
	c.log.Info("coordinator started", "workers", c.pool.WorkerCount())
	return nil
}

// Submit appends a job for path with every stage Pending. Paths are not deduplicated.
func (c *Coordinator) Submit(path string) types.JobID {
	earlier := c.ledger.Find(path)
	id := c.ledger.Append(path, c.clock.Now())
	c.dirty = true
	c.metrics.RecordSubmitted()
	if len(earlier) > 0 {
		c.log.Warn("log submitted again, uploading as a new job", "job", id, "path", path, "earlier_jobs", earlier)
	} else {
		c.log.Info("log submitted", "job", id, "path", path)
	}
	return id
}

// Tick runs one drain, expire, dispatch cycle. It never blocks.
func (c *Coordinator) Tick() {
	if c.closed {
		return
	}
	now := c.clock.Now()
	c.applyRearmRequests()
	c.drain(now)
	c.expire(now)
	if c.started {
		c.dispatch(now)
	}
	if c.dirty {
		c.publish(now)
	}
}

// Snapshot returns the last published view.
func (c *Coordinator) Snapshot() types.View {
	return *c.view.Load()
}

// Settled reports whether every job is settled.
func (c *Coordinator) Settled() bool {
	return c.ledger.Pending() == 0
}

// Token returns the report token currently threaded into uploads.
func (c *Coordinator) Token() string { return c.token }

// Rearm moves an Error stage back to Pending. Re-arming the report stage also
// resets its retry count.
func (c *Coordinator) Rearm(id types.JobID, stage types.Stage) error {
	job, err := c.ledger.Get(id)
	if err != nil {
		return err
	}
	from := job.StageState(stage)
	switch stage {
	case types.StageParse:
		err = job.Parse.Rearm()
	case types.StageReport:
		if err = job.Report.Rearm(); err == nil {
			job.ReportRetries = 0
		}
	case types.StageStats:
		err = job.Stats.Rearm()
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		return fmt.Errorf("rearm job %d %s: %w", id, stage, err)
	}
	c.recordTransition(job, stage, from, types.StatePending, "manual re-arm", c.clock.Now())
	return nil
}

// RequestRearm queues a re-arm to be applied on the next tick.
func (c *Coordinator) RequestRearm(id types.JobID, stage types.Stage) error {
	return c.rearms.Push(rearmRequest{id: id, stage: stage})
}

func (c *Coordinator) applyRearmRequests() {
	for _, r := range c.rearms.Drain() {
		if err := c.Rearm(r.id, r.stage); err != nil {
			c.log.Warn("re-arm rejected", "job", r.id, "stage", string(r.stage), "error", err)
		}
	}
}

// Shutdown stops the workers and publishes a final view. Work still queued is
// dropped; jobs whose task was dropped stay Active in the final view.
func (c *Coordinator) Shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.rearms.Close()
	c.pool.Stop()

	now := c.clock.Now()
	c.drain(now)
	c.publish(now)

	c.log.Info("coordinator stopped", "jobs", c.ledger.Len(), "unsettled", c.ledger.Pending())
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
	}
	return nil
}

// remember adds a token to the redaction list.
func (c *Coordinator) remember(token string) {
	if token == "" {
		return
	}
	for _, t := range c.secrets {
		if t == token {
			return
		}
	}
	c.secrets = append(c.secrets, token)
}

// redact removes every token this session has seen.
func (c *Coordinator) redact(s string) string {
	for _, t := range c.secrets {
		s = upload.Redact(s, t)
	}
	return s
}

// nopRecorder discards metrics.
type nopRecorder struct{}

func (nopRecorder) RecordSubmitted()                              {}
func (nopRecorder) RecordDispatched(types.Stage)                  {}
func (nopRecorder) RecordTransition(types.Stage, types.StepState) {}
func (nopRecorder) RecordRetry()                                  {}
func (nopRecorder) RecordStageLatency(types.Stage, time.Duration) {}
func (nopRecorder) SetLedgerStats(map[string]int)                 {}

package coordinator

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/evtc-relay/internal/policy"
	"github.com/ChuLiYu/evtc-relay/internal/worker"
	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// ============================================================================
// Phase 1: drain
// ============================================================================

func (c *Coordinator) drain(now time.Time) {
	for _, res := range c.results.Drain() {
		c.applyResult(res, now)
	}
}

func (c *Coordinator) applyResult(res worker.Result, now time.Time) {
	job, err := c.ledger.Get(res.ID)
	if err != nil {
		c.log.Warn("result for unknown job dropped", "job", res.ID, "stage", string(res.Stage))
		return
	}
	if st := job.StageState(res.Stage); st != types.StateActive {
		c.log.Warn("result for inactive stage dropped", "job", res.ID, "stage", string(res.Stage), "state", string(st))
		return
	}
	c.metrics.RecordStageLatency(res.Stage, res.Duration)

	switch res.Stage {
	case types.StageParse:
		d := policy.ClassifyParse(parseOutcome(res))
		applyStep(c, job, types.StageParse, &job.Parse, d, now)

	case types.StageReport:
		d := policy.ClassifyReport(httpOutcome(res), c.cfg.ReportBackoff)
		d = policy.ApplyRetryCap(d, job.ReportRetries, c.cfg.MaxReportRetries)
		if d.Kind == policy.KindSuccess && d.Value.UserToken != "" && d.Value.UserToken != c.token {
			c.token = d.Value.UserToken
			c.remember(c.token)
			c.log.Info("report token updated from response")
		}
		applyStep(c, job, types.StageReport, &job.Report, d, now)

	case types.StageStats:
		d := policy.ClassifyStats(httpOutcome(res))
		if d.Kind == policy.KindSuccess && d.Value.Accepted {
			d.Value.URL = c.statsURL(job)
		}
		applyStep(c, job, types.StageStats, &job.Stats, d, now)
	}
}

// parseOutcome recovers the parse result, turning a handler panic into a failure.
func parseOutcome(res worker.Result) types.ParseOutcome {
	if res.Err != nil {
		return types.ParseOutcome{Err: res.Err}
	}
	out, ok := res.Outcome.(types.ParseOutcome)
	if !ok {
		return types.ParseOutcome{Err: fmt.Errorf("unexpected parse outcome %T", res.Outcome)}
	}
	return out
}

// httpOutcome recovers an upload result, turning a handler panic into a transport failure.
func httpOutcome(res worker.Result) types.HTTPOutcome {
	if res.Err != nil {
		return types.HTTPOutcome{Err: res.Err}
	}
	out, ok := res.Outcome.(types.HTTPOutcome)
	if !ok {
		return types.HTTPOutcome{Err: fmt.Errorf("unexpected upload outcome %T", res.Outcome)}
	}
	return out
}

// applyStep writes a disposition into an Active step and records the transition.
func applyStep[T any](c *Coordinator, job *types.Job, stage types.Stage, step *types.Step[T], d policy.Disposition[T], now time.Time) {
	if d.Cause != nil {
		d.Cause = redactedError{msg: c.redact(d.Cause.Error()), err: d.Cause}
	}
	if err := policy.Apply(step, d, now); err != nil {
		c.log.Error("apply result failed", "job", job.ID, "stage", string(stage), "error", err)
		return
	}

	var detail string
	switch d.Kind {
	case policy.KindSuccess:
		detail = "ok"
	case policy.KindTransient:
		detail = fmt.Sprintf("retry in %s: %v", d.Backoff, d.Cause)
	case policy.KindFatal:
		detail = d.Cause.Error()
	}
	c.recordTransition(job, stage, types.StateActive, step.State(), detail, now)
}

// redactedError hides secrets in the message but keeps the chain for errors.Is.
type redactedError struct {
	msg string
	err error
}

func (e redactedError) Error() string { return e.msg }
func (e redactedError) Unwrap() error { return e.err }

// ============================================================================
// Phase 2: expire
// ============================================================================

func (c *Coordinator) expire(now time.Time) {
	c.ledger.Each(func(job *types.Job) {
		if !job.Report.Expire(now) {
			return
		}
		job.ReportRetries++
		c.metrics.RecordRetry()
		c.recordTransition(job, types.StageReport, types.StateRetry, types.StatePending,
			fmt.Sprintf("retry %d of %d", job.ReportRetries, c.cfg.MaxReportRetries), now)
	})
}

// ============================================================================
// Phase 3: dispatch
// ============================================================================

func (c *Coordinator) dispatch(now time.Time) {
	c.ledger.Each(func(job *types.Job) {
		switch job.Parse.State() {
		case types.StatePending:
			c.activate(job, types.StageParse, job.Parse.Activate, func() error {
				return c.parseW.Submit(job.ID, types.ParseRequest{Path: job.Location})
			}, now)
			return
		case types.StateDone:
		default:
			// Active gates downstream stages, Error ends the job.
			return
		}

		enc, _ := job.Parse.Value()
		if c.cfg.Account != "" {
			enc.Account = c.cfg.Account
		}

		if job.Report.State() == types.StatePending {
			if c.cfg.Eligibility.AllowReport(enc) {
				c.activate(job, types.StageReport, job.Report.Activate, func() error {
					return c.reportW.Submit(job.ID, types.ReportRequest{Path: job.Location, Token: c.token})
				}, now)
			} else if err := job.Report.Skip(); err == nil {
				c.recordTransition(job, types.StageReport, types.StatePending, types.StateSkipped, c.skipReason(enc, types.StageReport), now)
			}
		}

		if job.Stats.State() == types.StatePending {
			if c.cfg.Eligibility.AllowStats(enc) {
				c.activate(job, types.StageStats, job.Stats.Activate, func() error {
					return c.statsW.Submit(job.ID, types.StatsRequest{Path: job.Location, Account: enc.Account, Category: enc.Category})
				}, now)
			} else if err := job.Stats.Skip(); err == nil {
				c.recordTransition(job, types.StageStats, types.StatePending, types.StateSkipped, c.skipReason(enc, types.StageStats), now)
			}
		}
	})
}

// activate moves a Pending step to Active and hands the task to its worker.
// The step stays Pending if the worker refuses the task.
func (c *Coordinator) activate(job *types.Job, stage types.Stage, activate func() error, submit func() error, now time.Time) {
	if err := submit(); err != nil {
		c.log.Error("dispatch failed", "job", job.ID, "stage", string(stage), "error", err)
		return
	}
	if err := activate(); err != nil {
		c.log.Error("activate failed", "job", job.ID, "stage", string(stage), "error", err)
		return
	}
	c.metrics.RecordDispatched(stage)
	c.recordTransition(job, stage, types.StatePending, types.StateActive, "", now)
}

func (c *Coordinator) skipReason(enc types.Encounter, stage types.Stage) string {
	switch {
	case stage == types.StageStats && enc.Category == c.cfg.Eligibility.ReservedCategory:
		return "reserved category"
	case stage == types.StageStats && enc.Account == "":
		return "no account"
	}
	return "disabled or excluded"
}

// ============================================================================
// Transitions and publishing
// ============================================================================

func (c *Coordinator) recordTransition(job *types.Job, stage types.Stage, from, to types.StepState, detail string, now time.Time) {
	c.dirty = true
	c.metrics.RecordTransition(stage, to)

	attrs := []any{"job", job.ID, "stage", string(stage), "from", string(from), "to", string(to)}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	if to == types.StateError {
		c.log.Warn("stage failed", attrs...)
	} else {
		c.log.Debug("stage transition", attrs...)
	}

	if c.journal == nil {
		return
	}
	t := types.Transition{
		Session:  c.cfg.Session,
		JobID:    job.ID,
		Location: job.Location,
		Stage:    stage,
		From:     from,
		To:       to,
		Detail:   detail,
		At:       now,
	}
	if err := c.journal.Record(t); err != nil {
		c.log.Error("journal write failed", "error", err)
	}
}

// statsURL fills the configured link template for an accepted stats upload.
func (c *Coordinator) statsURL(job *types.Job) string {
	if c.cfg.StatsViewURL == "" {
		return ""
	}
	enc, _ := job.Parse.Value()
	account := enc.Account
	if c.cfg.Account != "" {
		account = c.cfg.Account
	}
	stem := strings.TrimSuffix(filepath.Base(job.Location), filepath.Ext(job.Location))
	r := strings.NewReplacer(
		"{account}", url.PathEscape(account),
		"{log}", url.PathEscape(stem),
	)
	return r.Replace(c.cfg.StatsViewURL)
}

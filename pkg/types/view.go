package types

import "time"

// ViewSchemaVersion is bumped whenever Row changes shape.
const ViewSchemaVersion = 1

// StageView is the presentation of one stage of one job.
type StageView struct {
	State   StepState  `json:"state"`
	Error   string     `json:"error,omitempty"`    // redacted cause of an Error step
	RetryAt *time.Time `json:"retry_at,omitempty"` // deadline of a Retry step
}

// Row is the read-only presentation of one job.
type Row struct {
	ID            JobID     `json:"id"`
	Location      string    `json:"location"`
	Encounter     string    `json:"encounter,omitempty"` // label, empty until parsed
	Category      uint16    `json:"category,omitempty"`
	Parse         StageView `json:"parse"`
	Report        StageView `json:"report"`
	Stats         StageView `json:"stats"`
	ReportURL     string    `json:"report_url,omitempty"`
	StatsURL      string    `json:"stats_url,omitempty"`
	StatsAccepted *bool     `json:"stats_accepted,omitempty"`
	ReportRetries int       `json:"report_retries"`
}

// Settled mirrors Job.Settled for a row.
func (r Row) Settled() bool {
	switch r.Parse.State {
	case StateError:
		return true
	case StateDone:
		return r.Report.State.Terminal() && r.Stats.State.Terminal()
	}
	return false
}

// Stage returns the view of one stage.
func (r Row) Stage(st Stage) StageView {
	switch st {
	case StageParse:
		return r.Parse
	case StageReport:
		return r.Report
	}
	return r.Stats
}

// RetryIn returns the remaining wait of a report retry relative to now, clamped at zero.
func (r Row) RetryIn(now time.Time) (time.Duration, bool) {
	if r.Report.RetryAt == nil {
		return 0, false
	}
	d := r.Report.RetryAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// View is an immutable snapshot of the whole ledger.
type View struct {
	Session   string    `json:"session"`
	Version   uint64    `json:"version"` // incremented on every rebuild
	TakenAt   time.Time `json:"taken_at"`
	SchemaVer int       `json:"schema_ver"`
	Rows      []Row     `json:"rows"`
}

// Settled reports whether every row is settled. An empty view is settled.
func (v View) Settled() bool {
	for _, r := range v.Rows {
		if !r.Settled() {
			return false
		}
	}
	return true
}

// Counts tallies rows per state for one stage.
func (v View) Counts(st Stage) map[StepState]int {
	out := make(map[StepState]int)
	for _, r := range v.Rows {
		switch st {
		case StageParse:
			out[r.Parse.State]++
		case StageReport:
			out[r.Report.State]++
		case StageStats:
			out[r.Stats.State]++
		}
	}
	return out
}

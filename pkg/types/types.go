// Package types defines the domain model shared by the evtc-relay pipeline.
package types

import (
	"errors"
	"fmt"
	"time"
)

// JobID is the index of a job in the session ledger. It is assigned once and never reused.
type JobID int

// Stage identifies one of the three per-job pipeline stages.
type Stage string

const (
	StageParse  Stage = "parse"  // binary combat-log parse
	StageReport Stage = "report" // upload to the report service
	StageStats  Stage = "stats"  // upload to the statistics aggregator
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageParse, StageReport, StageStats}

// ParseStage accepts a stage name as used on the command line.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// ReservedWvWCategory is the category id the game uses for World vs World logs.
const ReservedWvWCategory uint16 = 1

// Job is one discovered log file and its three stage state machines.
type Job struct {
	// Identity
	ID        JobID     `json:"id"`         // ledger index
	Location  string    `json:"location"`   // path of the log file
	CreatedAt time.Time `json:"created_at"` // when the job was submitted

	// Stage state
	Parse  Step[Encounter]
	Report Step[ReportResponse]
	Stats  Step[StatsResult]

	// ReportRetries counts Retry -> Pending transitions of the report stage.
	ReportRetries int `json:"report_retries"`
}

// NewJob builds a job with every stage Pending.
func NewJob(id JobID, location string, now time.Time) *Job {
	return &Job{ID: id, Location: location, CreatedAt: now}
}

// StageState returns the current state of the given stage.
func (j *Job) StageState(st Stage) StepState {
	switch st {
	case StageParse:
		return j.Parse.State()
	case StageReport:
		return j.Report.State()
	case StageStats:
		return j.Stats.State()
	}
	return ""
}

// Settled reports whether nothing more will happen to the job without a manual re-arm.
func (j *Job) Settled() bool {
	switch j.Parse.State() {
	case StateError:
		return true
	case StateDone:
		return j.Report.State().Terminal() && j.Stats.State().Terminal()
	}
	return false
}

// ============================================================================
// Worker inputs (copied by value at dispatch time)
// ============================================================================

// ParseRequest is the input of the parse stage.
type ParseRequest struct {
	Path string
}

// ReportRequest is the input of the report-upload stage.
type ReportRequest struct {
	Path  string
	Token string // session token, may be empty
}

// StatsRequest is the input of the stats-upload stage.
type StatsRequest struct {
	Path     string
	Account  string
	Category uint16
}

// ============================================================================
// Raw stage outcomes (classified by the coordinator)
// ============================================================================

// ParseOutcome is what the parse worker returns.
type ParseOutcome struct {
	Encounter Encounter
	Err       error
}

// ErrLogUnreadable marks an upload that failed before any request was sent
// because the log could not be read. It is never retried.
var ErrLogUnreadable = errors.New("log file unreadable")

// HTTPOutcome is what an upload worker returns: either a transport error or a status and body.
type HTTPOutcome struct {
	StatusCode int
	Body       []byte
	Err        error // transport failure, already redacted
}

// StatsResult is the Done value of the stats stage.
type StatsResult struct {
	Accepted  bool   `json:"accepted"`      // result flag returned by the service
	Duplicate bool   `json:"duplicate"`     // service reported the log as already known
	URL       string `json:"url,omitempty"` // link to the aggregated view, when configured
}

// Transition records one stage state change for the journal.
type Transition struct {
	Session  string    `json:"session"`
	JobID    JobID     `json:"job_id"`
	Location string    `json:"location"`
	Stage    Stage     `json:"stage"`
	From     StepState `json:"from"`
	To       StepState `json:"to"`
	Detail   string    `json:"detail,omitempty"` // redacted error text or result summary
	At       time.Time `json:"at"`
}

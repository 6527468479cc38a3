// ============================================================================
// evtc-relay Job Ledger
// ============================================================================
//
// Package: internal/ledger
// File: ledger.go
// Function: Ordered, index-stable collection of every job of a session
//
// Layout:
//   jobs []*types.Job - append-only, JobID == position in the slice
//   ├─ Append() assigns the next index, nothing is ever removed or reordered
//   └─ Get() is a bounds check plus an index
//
// Ownership:
//   The ledger has no lock. It belongs to the coordinator goroutine, which is
//   the only code that reads or writes jobs. Other goroutines see the ledger
//   only through immutable views built by the coordinator.
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

var (
	// ErrJobNotFound is returned for an id that was never appended.
	ErrJobNotFound = errors.New("job not found")
)

// Ledger stores the jobs of one session in submission order.
type Ledger struct {
	jobs []*types.Job
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{jobs: make([]*types.Job, 0, 64)}
}

// Append creates a job with every stage Pending and returns its id.
// The same location may be appended more than once.
func (l *Ledger) Append(location string, now time.Time) types.JobID {
	id := types.JobID(len(l.jobs))
	l.jobs = append(l.jobs, types.NewJob(id, location, now))
	return id
}

// Get returns the job stored at id.
func (l *Ledger) Get(id types.JobID) (*types.Job, error) {
	if id < 0 || int(id) >= len(l.jobs) {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return l.jobs[id], nil
}

// Len returns the number of jobs.
func (l *Ledger) Len() int {
	return len(l.jobs)
}

// Each calls fn for every job in ledger order. fn may mutate the job.
func (l *Ledger) Each(fn func(*types.Job)) {
	for _, j := range l.jobs {
		fn(j)
	}
}

// Find returns the ids of every job submitted for location, oldest first.
func (l *Ledger) Find(location string) []types.JobID {
	var ids []types.JobID
	for _, j := range l.jobs {
		if j.Location == location {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// Stats counts jobs per stage and state, keyed "<stage>_<state>", plus "total".
func (l *Ledger) Stats() map[string]int {
	out := map[string]int{"total": len(l.jobs)}
	for _, j := range l.jobs {
		for _, st := range types.Stages {
			out[string(st)+"_"+string(j.StageState(st))]++
		}
	}
	return out
}

// Pending returns how many jobs still have work outstanding.
func (l *Ledger) Pending() int {
	n := 0
	for _, j := range l.jobs {
		if !j.Settled() {
			n++
		}
	}
	return n
}

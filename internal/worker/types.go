package worker

import (
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// Task is one unit of work handed to a stage worker.
type Task[In any] struct {
	ID    types.JobID // correlation key, echoed on the result
	Input In          // copied by value at dispatch time
}

// Result is what a stage worker reports for one task.
type Result struct {
	ID       types.JobID   // same id as the task
	Stage    types.Stage   // stage that produced the result
	Outcome  any           // types.ParseOutcome or types.HTTPOutcome
	Err      error         // set when the handler panicked, Outcome is nil then
	Duration time.Duration // time spent in the handler
}

// ============================================================================
// evtc-relay Stage Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine per pipeline stage that runs the stage's blocking call
//
// How it works:
//   Each Worker owns an unbounded input queue and shares one result queue with
//   the other stages. It runs the following loop:
//   1. Pop a task from its input queue (blocking wait)
//   2. Run the stage handler once (parse a file, or POST a file)
//   3. Push exactly one Result tagged with the task's JobID
//   4. Repeat until the input queue is closed
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Worker Goroutine                    │
//   │  ┌───────────────────────────────┐   │
//   │  │ for task, ok := in.Pop(); ok  │   │
//   │  │   ├─ optional timeout ctx     │   │
//   │  │   ├─ handler(ctx, input)      │   │
//   │  │   └─ results.Push(result)     │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Rules:
//   - A worker never retries. Retry is decided by the coordinator.
//   - A worker never sees the ledger, only the copied input of a task.
//   - A panicking handler is reported as a failed Result, the loop keeps going.
//   - Closing the input queue drops queued tasks; the task in hand finishes.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// Handler performs the stage's single synchronous unit of work.
type Handler[In any] func(ctx context.Context, in In) any

// Worker runs one stage.
type Worker[In any] struct {
	stage   types.Stage      // stage label, copied onto every result
	in      *Queue[Task[In]] // private input queue
	results *Queue[Result]   // shared output queue
	handler Handler[In]      // stage work
	timeout time.Duration    // per-task limit, zero for none
	logger  *slog.Logger     // stage-scoped logger
}

// newWorker creates a worker with its own input queue.
func newWorker[In any](stage types.Stage, results *Queue[Result], h Handler[In], timeout time.Duration, logger *slog.Logger) *Worker[In] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker[In]{
		stage:   stage,
		in:      NewQueue[Task[In]](),
		results: results,
		handler: h,
		timeout: timeout,
		logger:  logger.With("stage", string(stage)),
	}
}

// Stage returns the stage this worker runs.
func (w *Worker[In]) Stage() types.Stage { return w.stage }

// Submit enqueues a task. It never blocks.
func (w *Worker[In]) Submit(id types.JobID, input In) error {
	if err := w.in.Push(Task[In]{ID: id, Input: input}); err != nil {
		return fmt.Errorf("%s worker: %w", w.stage, err)
	}
	return nil
}

// Run is the worker loop. It returns once the input queue is closed.
func (w *Worker[In]) Run(ctx context.Context) {
	for {
		task, ok := w.in.Pop()
		if !ok {
			return
		}
		res := w.execute(ctx, task)
		if err := w.results.Push(res); err != nil {
			w.logger.Warn("result dropped", "job", task.ID, "error", err)
		}
	}
}

// execute runs the handler for one task and wraps its outcome.
func (w *Worker[In]) execute(ctx context.Context, task Task[In]) (res Result) {
	start := time.Now()
	res = Result{ID: task.ID, Stage: w.stage}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = nil
			res.Err = fmt.Errorf("%s handler panic: %v", w.stage, r)
			w.logger.Error("handler panic", "job", task.ID, "panic", r)
		}
		res.Duration = time.Since(start)
		w.logger.Debug("task finished", "job", task.ID, "duration", res.Duration)
	}()

	res.Outcome = w.handler(ctx, task.Input)
	return res
}

// close stops the input queue and reports how many queued tasks were dropped.
func (w *Worker[In]) close() int {
	return len(w.in.Close())
}

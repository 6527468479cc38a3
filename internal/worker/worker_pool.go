package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrPoolClosed is returned when registering on a stopped pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted is returned when registering after Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// stageRunner is the type-erased view of a Worker[In] the pool needs.
type stageRunner interface {
	Stage() types.Stage
	Run(ctx context.Context)
	close() int
}

// Pool owns the stage workers and the shared result queue.
type Pool struct {
	mu      sync.Mutex
	runners []stageRunner  // one per stage
	results *Queue[Result] // shared output queue
	wg      sync.WaitGroup // joins worker goroutines
	started bool           // Start was called
	stopped bool           // Stop was called
	logger  *slog.Logger
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		results: NewQueue[Result](),
		logger:  logger,
	}
}

// Register adds a stage worker to the pool. It must be called before Start.
func Register[In any](p *Pool, stage types.Stage, h Handler[In], timeout time.Duration) (*Worker[In], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrPoolClosed
	}
	if p.started {
		return nil, ErrPoolStarted
	}
	w := newWorker(stage, p.results, h, timeout, p.logger)
	p.runners = append(p.runners, w)
	return w, nil
}

// Start launches one goroutine per registered worker.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	for _, r := range p.runners {
		p.wg.Add(1)
		go func(r stageRunner) {
			defer p.wg.Done()
			r.Run(ctx)
		}(r)
	}
	p.started = true
	return nil
}

// Results returns the shared result queue.
func (p *Pool) Results() *Queue[Result] {
	return p.results
}

// WorkerCount returns the number of registered workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}

// Stop closes every input queue and waits for the workers to finish their
// current task. Results pushed before the workers exit stay in Results.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	runners := p.runners
	p.mu.Unlock()

	for _, r := range runners {
		if n := r.close(); n > 0 {
			p.logger.Info("dropped queued tasks on shutdown", "stage", string(r.Stage()), "count", n)
		}
	}
	if started {
		p.wg.Wait()
	}
}

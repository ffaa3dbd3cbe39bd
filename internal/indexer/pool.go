package indexer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
)

var (
	// ErrQueueFull is returned when the job queue cannot take more work.
	ErrQueueFull = errors.New("indexer: job queue full")

	// ErrStopped is returned when scheduling after shutdown began.
	ErrStopped = errors.New("indexer: pool stopped")
)

// Processor handles one indexing job. Implemented by Pipeline.
type Processor interface {
	Process(ctx context.Context, job knowledge.IndexJob)
}

// Pool feeds indexing jobs to a fixed set of workers through a bounded
// queue. Scheduling never blocks: a full queue is reported to the
// caller, which marks the source instead of waiting.
type Pool struct {
	proc    Processor
	jobs    chan knowledge.IndexJob
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue size.
func NewPool(proc Processor, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		proc:    proc,
		jobs:    make(chan knowledge.IndexJob, queueSize),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. ctx cancellation aborts in-flight jobs
// but workers keep draining the queue until Stop closes it.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("indexing pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.jobs)))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		QueueDepth.Dec()
		p.proc.Process(ctx, job)
	}
	p.logger.Debug("indexing worker exited", zap.Int("worker", id))
}

// Schedule queues one job. It implements knowledge.Scheduler.
func (p *Pool) Schedule(_ context.Context, job knowledge.IndexJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		QueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain it, bounded
// by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("indexing pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ knowledge.Scheduler = (*Pool)(nil)

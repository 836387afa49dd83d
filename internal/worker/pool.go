package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/smart-kids/graph-sub000/internal/pkg/metrics"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

const DefaultQueueSize = 1024

type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines. Submit never blocks: a full
// queue is reported to the caller instead.
type Pool struct {
	wg     sync.WaitGroup
	jobs   chan Task
	ctx    context.Context
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

func NewPool(n, queueSize int, logger *zap.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		jobs:   make(chan Task, queueSize),
		ctx:    context.Background(),
		logger: logger,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
				p.run(job)
			}
		}()
	}
	return p
}

func (p *Pool) run(job Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	job(p.ctx)
}

func (p *Pool) Submit(f Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- f:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		metrics.WorkerRejected.Inc()
		return ErrQueueFull
	}
}

// Stop rejects new work and waits for queued tasks to finish, or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package worker provides the bounded pool that executes verification
// jobs in the background.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned when the pool's backlog is at capacity.
var ErrQueueFull = errors.New("worker queue full")

// ErrStopped is returned when work is submitted after shutdown began.
var ErrStopped = errors.New("worker pool stopped")

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines with a bounded
// backlog. Submissions never block: a full backlog is an error the
// caller surfaces instead of queueing unbounded work.
type Pool struct {
	queue  chan Task
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool starts a pool with the given number of workers and backlog.
func NewPool(workers, backlog int, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, backlog),
		logger: logger,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(ctx, i)
	}
	return p
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker panic recovered", "worker", id, "panic", r)
				}
			}()
			task(ctx)
		}()
	}
}

// Submit enqueues a task. It returns ErrQueueFull when the backlog is at
// capacity and ErrStopped after shutdown began.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for in-flight and queued tasks
// to finish, up to the context deadline. Past the deadline, running
// tasks are canceled through their context.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
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
		p.cancel()
		<-done
		return ctx.Err()
	}
}

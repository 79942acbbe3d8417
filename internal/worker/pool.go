// Package worker runs background jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Common errors.
var (
	ErrPoolClosed = errors.New("worker pool is shutting down")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Task is a function that represents a background job.
type Task func(ctx context.Context) error

// Pool executes submitted tasks on a fixed number of workers.
type Pool struct {
	tasks  chan Task
	wg     sync.WaitGroup
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closing bool
}

// NewPool starts size workers sharing a queue of the given capacity.
func NewPool(size, queue int, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		tasks:  make(chan Task, queue),
		logger: logger.With().Str("component", "worker").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	for range size {
		p.wg.Add(1)

		go p.work()
	}

	return p
}

func (p *Pool) work() {
	defer p.wg.Done()

	for task := range p.tasks {
		if err := task(p.ctx); err != nil {
			p.logger.Error().Err(err).Msg("task failed")
		}
	}
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closing {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx expires first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closing {
		p.closing = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()

		return nil
	case <-ctx.Done():
		p.cancel()
		<-done

		return ctx.Err()
	}
}

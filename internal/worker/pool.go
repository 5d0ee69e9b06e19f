// Package worker runs blocking jobs on a fixed number of slots so that slow
// inference calls cannot starve the rest of the service.
//
// A job that has started always runs to completion. If the submitter's context
// ends first, the submitter gets the context error and the job's result is
// dropped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/rewired-gh/agrolens/internal/logger"
)

var (
	// ErrClosed is returned by Submit after Close has been called.
	ErrClosed = errors.New("worker pool is closed")
	// ErrPanicked is returned when a job panics.
	ErrPanicked = errors.New("job panicked")
)

// Observer is notified when jobs start and finish.
type Observer interface {
	InFlight(delta float64)
}

// Pool bounds the number of concurrently executing jobs.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	wg       conc.WaitGroup
	observer Observer

	mu     sync.RWMutex
	closed bool
}

// New creates a pool with size slots. Sizes below one are raised to one.
func New(size int, observer Observer) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:     int64(size),
		sem:      semaphore.NewWeighted(int64(size)),
		observer: observer,
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// Submit waits for a free slot, runs fn on it and waits for the result. fn
// receives a context that carries ctx's values but is never cancelled.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return zero, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.mu.RUnlock()
		return zero, fmt.Errorf("failed to acquire worker slot: %w", err)
	}

	done := make(chan struct{})
	var (
		result T
		err    = ErrPanicked
	)
	jobCtx := context.WithoutCancel(ctx)

	p.wg.Go(func() {
		defer p.sem.Release(1)
		defer close(done)
		if p.observer != nil {
			p.observer.InFlight(1)
			defer p.observer.InFlight(-1)
		}
		result, err = fn(jobCtx)
	})
	p.mu.RUnlock()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		logger.Warn("[Worker] caller gave up waiting, job keeps running: %v", ctx.Err())
		return zero, ctx.Err()
	}
}

// Close stops accepting jobs and waits for running ones to finish. A job panic
// is logged and returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if r := p.wg.WaitAndRecover(); r != nil {
		logger.Error("[Worker] job panicked: %v", r.Value)
		return fmt.Errorf("%w: %v", ErrPanicked, r.Value)
	}
	return nil
}

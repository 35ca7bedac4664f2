// ============================================================================
// searchq Worker Pool - several loops in one process
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Runs N worker loops against the same task. Each loop claims on its
//          own, so the pool behaves exactly like N separate processes.
//
// Lifecycle:
//   1. NewPool(workers...) - collect the loops
//   2. Run(ctx)            - start all of them, wait for every one to exit
//
//   The first loop that fails cancels the others; Run returns that error.
//   A normal exit (task no longer active) does not affect the other loops,
//   they observe the same task state on their next check.
//
// ============================================================================

package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ErrEmptyPool is returned by Run when the pool has no workers.
var ErrEmptyPool = errors.New("worker pool is empty")

// Pool runs several workers concurrently.
type Pool struct {
	workers []*Worker
}

// NewPool groups workers into a pool.
func NewPool(workers ...*Worker) *Pool {
	return &Pool{workers: workers}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Workers returns the pooled workers.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Processed is the number of points completed by all workers.
func (p *Pool) Processed() int64 {
	var n int64
	for _, w := range p.workers {
		n += w.Processed()
	}
	return n
}

// Run starts every worker and blocks until all of them returned.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 0 {
		return ErrEmptyPool
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

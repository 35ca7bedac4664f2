// ============================================================================
// searchq Worker - point evaluation loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Stateless poller. Claims one WAITING point, evaluates it, writes the
//          result back, repeats until the task leaves SOLVING.
//
// Loop:
//   ┌──────────────────────────────────────────────┐
//   │ for {                                        │
//   │   IsTaskActive? ── no ──▶ return nil         │
//   │   ClaimPoint                                 │
//   │     ├─ nil   ──▶ idle wait (grows), continue │
//   │     └─ point ──▶ Calculate ─▶ CompletePoint  │
//   │ }                                            │
//   └──────────────────────────────────────────────┘
//
// Termination:
//   The task state is checked before every claim, so a worker that sees
//   SOLVED or ERROR never claims again. In-flight claims held by other
//   workers are left alone.
//
// Idle wait:
//   An empty claim is not a reason to exit; points may appear later. The wait
//   between empty claims grows from IdleWait to MaxIdleWait and resets after
//   the next successful claim.
//
// Failure:
//   Store and evaluation errors end the loop. A point whose evaluation failed
//   stays CALCULATING until an operator requeues it.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/ChuLiYu/searchq/internal/metrics"
)

var log = slog.Default()

const (
	DefaultIdleWait    = 10 * time.Millisecond
	DefaultMaxIdleWait = 500 * time.Millisecond
)

// Config tunes a Worker.
type Config struct {
	// ID identifies the worker in logs and on claimed points. A random one is
	// generated when empty.
	ID          string
	IdleWait    time.Duration
	MaxIdleWait time.Duration
	Metrics     *metrics.Collector
}

// Worker evaluates points claimed from a PointSource.
type Worker struct {
	id        string
	source    PointSource
	eval      Evaluator
	idle      *backoff.Backoff
	metrics   *metrics.Collector
	processed atomic.Int64
}

// NewID returns a fresh worker identity.
func NewID() string {
	return "worker-" + uuid.NewString()
}

// New creates a worker. It does not start polling until Run.
func New(source PointSource, eval Evaluator, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.MaxIdleWait < cfg.IdleWait {
		cfg.MaxIdleWait = max(DefaultMaxIdleWait, cfg.IdleWait)
	}
	return &Worker{
		id:      cfg.ID,
		source:  source,
		eval:    eval,
		idle:    &backoff.Backoff{Min: cfg.IdleWait, Max: cfg.MaxIdleWait, Factor: 2},
		metrics: cfg.Metrics,
	}
}

func (w *Worker) ID() string { return w.id }

// Processed is the number of points this worker completed.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Run polls until the task is no longer active. It returns nil on a normal
// exit, ctx.Err() when cancelled, and the first store or evaluation error
// otherwise.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("Worker started", "worker", w.id)
	defer func() {
		log.Info("Worker stopped", "worker", w.id, "processed", w.Processed())
	}()

	for {
		active, err := w.source.IsTaskActive(ctx)
		if err != nil {
			return fmt.Errorf("worker %s: failed to read task state: %w", w.id, err)
		}
		if !active {
			return nil
		}

		done, err := w.step(ctx)
		if err != nil {
			return err
		}
		if done {
			w.idle.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.idle.Duration()):
		}
	}
}

// step claims and evaluates at most one point. It reports whether a point
// was processed.
func (w *Worker) step(ctx context.Context) (bool, error) {
	p, err := w.source.ClaimPoint(ctx, w.eval.NumberOfFunctions())
	if err != nil {
		return false, fmt.Errorf("worker %s: claim failed: %w", w.id, err)
	}
	if p == nil {
		return false, nil
	}
	log.Debug("Point claimed", "worker", w.id, "point_id", p.ID)

	start := time.Now()
	if err := w.eval.Calculate(ctx, p); err != nil {
		return false, fmt.Errorf("worker %s: evaluation of point %d failed: %w", w.id, p.ID, err)
	}
	elapsed := time.Since(start)

	if err := w.source.CompletePoint(ctx, p); err != nil {
		return false, fmt.Errorf("worker %s: complete of point %d failed: %w", w.id, p.ID, err)
	}
	w.processed.Add(1)
	w.metrics.RecordCompleted(elapsed)
	log.Debug("Point completed", "worker", w.id, "point_id", p.ID, "z", p.Z, "duration", elapsed)
	return true, nil
}

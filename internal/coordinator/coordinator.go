// ============================================================================
// searchq Coordinator - drives the method against the shared queue
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Owns the optimization method. Keeps the configured number of
//          points in flight, consumes completed ones and folds them back into
//          the method, decides whether the task ends SOLVED or ERROR.
//
// Cycle:
//
//   first cycle   ─▶ FirstIteration (method seeds itself)
//
//   later cycles:
//     1. deficit = ParallelPoints - CountUnfinishedPoints
//        for each unit: CalculateIterationPoint ─▶ InsertPoint
//                       pending[id] = predecessor (blocked)
//     2. DrainCalculatedPoints
//        for each trial, in store order:
//            pending[id] ─▶ unblock, delete
//            UpdateOptimum ─▶ RenewSearchData ─▶ FinalizeIteration
//     3. listeners.OnEndIteration
//
// Accounting:
//   The unfinished count always comes from the store. The pending map is only
//   used to find the predecessor of a returned trial. A trial without an
//   entry (inserted by an earlier coordinator of the same task) is still
//   folded into the method, with a nil predecessor.
//
// Termination:
//   Run repeats cycles until CheckStopCondition holds and marks the task
//   SOLVED. Any error out of a cycle, cancellation included, marks the task
//   ERROR so that workers stop polling. A panic inside the method is
//   recovered and treated the same way. The failure is reported in Outcome;
//   Run itself only fails when the terminal state could not be recorded.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/searchq/internal/client"
	"github.com/ChuLiYu/searchq/internal/metrics"
	"github.com/ChuLiYu/searchq/pkg/types"
)

var log = slog.Default()

// ErrMethodPanic wraps a panic recovered from the method or a listener.
var ErrMethodPanic = errors.New("method panicked")

const (
	DefaultPollInterval = 20 * time.Millisecond

	// finishTimeout bounds recording the terminal state after the run
	// context is gone.
	finishTimeout = 5 * time.Second
)

// Config tunes a Coordinator.
type Config struct {
	// ParallelPoints is the target number of WAITING+CALCULATING points.
	ParallelPoints int
	// PollInterval is the pause after a cycle that drained nothing.
	PollInterval time.Duration
	Metrics      *metrics.Collector
}

// Outcome is how a run ended.
type Outcome struct {
	Status   StopStatus
	Solution types.Solution
	// Err is the failure that stopped the run when Status is StopError.
	Err error
}

// Coordinator drives one Method for one task.
type Coordinator struct {
	client    *client.Client
	method    Method
	listeners []Listener
	config    Config
	metrics   *metrics.Collector

	pending    map[types.PointID]Predecessor
	started    bool
	iterations int
	trials     int
	startTime  time.Time
}

// New creates a coordinator. c must be the task owner's client.
func New(c *client.Client, m Method, config Config, listeners ...Listener) (*Coordinator, error) {
	if config.ParallelPoints <= 0 {
		return nil, fmt.Errorf("coordinator: parallel points must be positive, got %d", config.ParallelPoints)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Coordinator{
		client:    c,
		method:    m,
		listeners: listeners,
		config:    config,
		metrics:   config.Metrics,
		pending:   make(map[types.PointID]Predecessor),
	}, nil
}

// Pending is the number of inserted points not yet reconciled.
func (c *Coordinator) Pending() int {
	return len(c.pending)
}

// Run drives the method until it stops or fails and records the outcome in
// the task state.
func (c *Coordinator) Run(ctx context.Context) (Outcome, error) {
	c.startTime = time.Now()
	log.Info("Coordinator started",
		"task", c.client.TaskName(),
		"task_id", c.client.TaskID(),
		"parallel_points", c.config.ParallelPoints)

	runErr := c.drive(ctx)
	return c.finish(ctx, runErr)
}

// drive repeats cycles until the method's stop condition holds.
func (c *Coordinator) drive(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMethodPanic, r)
			log.Error("Recovered panic in coordinator",
				"task_id", c.client.TaskID(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	for _, l := range c.listeners {
		l.BeforeMethodStart(ctx, c.method)
	}

	for !c.method.CheckStopCondition() {
		if err := ctx.Err(); err != nil {
			return err
		}
		drained, err := c.Cycle(ctx)
		if err != nil {
			return err
		}
		if drained == 0 && !c.method.CheckStopCondition() {
			select {
			case <-ctx.Done():
			case <-time.After(c.config.PollInterval):
			}
		}
	}
	return nil
}

// Cycle runs one coordinator cycle and returns the number of trials it
// consumed from the store.
func (c *Coordinator) Cycle(ctx context.Context) (int, error) {
	if !c.started {
		c.started = true
		return c.bootstrap(ctx)
	}

	if err := c.topUp(ctx); err != nil {
		return 0, err
	}

	drained, err := c.client.DrainCalculatedPoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to drain calculated points: %w", err)
	}
	trials := make([]*types.Point, 0, len(drained))
	for _, p := range drained {
		pred, ok := c.pending[p.ID]
		if ok {
			delete(c.pending, p.ID)
		} else {
			log.Info("Folding drained point without a pending entry", "task_id", c.client.TaskID(), "point_id", p.ID)
		}
		if pred != nil {
			pred.SetBlocked(false)
		}

		c.method.UpdateOptimum(p)
		if err := c.method.RenewSearchData(p, pred); err != nil {
			return len(trials), fmt.Errorf("failed to renew search data with point %d: %w", p.ID, err)
		}
		c.method.FinalizeIteration()
		trials = append(trials, p)
	}
	c.metrics.SetBookkeeping(len(c.pending))

	if len(trials) > 0 {
		c.iterations++
		c.trials += len(trials)
		c.notifyIteration(ctx, trials)
	}
	log.Debug("Cycle finished",
		"task_id", c.client.TaskID(),
		"drained", len(drained),
		"pending", len(c.pending))
	return len(drained), nil
}

func (c *Coordinator) bootstrap(ctx context.Context) (int, error) {
	trials, err := c.method.FirstIteration(ctx, c.client)
	if err != nil {
		return 0, fmt.Errorf("first iteration failed: %w", err)
	}
	c.iterations++
	c.trials += len(trials)
	c.notifyIteration(ctx, trials)
	log.Info("First iteration done", "task_id", c.client.TaskID(), "trials", len(trials))
	return len(trials), nil
}

func (c *Coordinator) topUp(ctx context.Context) error {
	unfinished, err := c.client.CountUnfinishedPoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to count unfinished points: %w", err)
	}
	c.metrics.SetUnfinished(unfinished)

	for i := unfinished; i < c.config.ParallelPoints; i++ {
		p, pred, err := c.method.CalculateIterationPoint()
		if err != nil {
			return fmt.Errorf("failed to calculate iteration point: %w", err)
		}
		if p == nil {
			break
		}
		id, err := c.client.InsertPoint(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to insert point: %w", err)
		}
		p.ID = id
		p.TaskID = c.client.TaskID()
		c.pending[id] = pred
		if pred != nil {
			pred.SetBlocked(true)
		}
	}
	c.metrics.SetBookkeeping(len(c.pending))
	return nil
}

func (c *Coordinator) notifyIteration(ctx context.Context, trials []*types.Point) {
	solution := c.solution()
	for _, l := range c.listeners {
		l.OnEndIteration(ctx, trials, solution)
	}
}

func (c *Coordinator) solution() types.Solution {
	s := c.method.Results()
	if s.Iterations == 0 {
		s.Iterations = c.iterations
	}
	if s.Trials == 0 {
		s.Trials = c.trials
	}
	if !c.startTime.IsZero() {
		s.Elapsed = time.Since(c.startTime)
	}
	return s
}

// safeSolution is solution for a method that may already have panicked; it
// falls back to the coordinator's own counters.
func (c *Coordinator) safeSolution() (s types.Solution) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("Method results unavailable", "task_id", c.client.TaskID(), "panic", r)
			s = types.Solution{Iterations: c.iterations, Trials: c.trials}
			if !c.startTime.IsZero() {
				s.Elapsed = time.Since(c.startTime)
			}
		}
	}()
	return c.solution()
}

// finish records the terminal task state and notifies listeners.
func (c *Coordinator) finish(ctx context.Context, runErr error) (Outcome, error) {
	out := Outcome{Status: StopSolved, Err: runErr}
	if runErr != nil {
		out.Status = StopError
	}

	// The run context may already be cancelled; the task state must still
	// be recorded or workers would poll forever.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}

	var recordErr error
	switch out.Status {
	case StopSolved:
		recordErr = c.client.SetTaskSolved(ctx)
		if recordErr != nil {
			recordErr = fmt.Errorf("failed to mark task solved: %w", recordErr)
		}
	default:
		log.Error("Coordinator failed, marking task as error",
			"task", c.client.TaskName(),
			"task_id", c.client.TaskID(),
			"error", runErr)
		recordErr = c.client.SetTaskError(ctx)
		if recordErr != nil {
			recordErr = fmt.Errorf("failed to mark task error: %w", recordErr)
		}
	}

	out.Solution = c.safeSolution()
	for _, l := range c.listeners {
		l.OnMethodStop(ctx, out.Solution, out.Status)
	}

	if recordErr != nil {
		return out, multierr.Append(runErr, recordErr)
	}
	log.Info("Coordinator stopped",
		"task", c.client.TaskName(),
		"status", out.Status,
		"iterations", out.Solution.Iterations,
		"trials", out.Solution.Trials,
		"elapsed", out.Solution.Elapsed)
	return out, nil
}

// IsCancelled reports whether an outcome was caused by context cancellation.
func (o Outcome) IsCancelled() bool {
	return errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded)
}

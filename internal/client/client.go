// ============================================================================
// searchq Client - store operations bound to one task
// ============================================================================
//
// Package: internal/client
// File: client.go
// Purpose: The operations the coordinator and the workers issue against the
//          shared store. A Client is bound to exactly one task, resolved once
//          by Open.
//
// Registration:
//
//   owner:   CreateTask ──ErrTaskExists──▶ FindTask        (logged, not fatal)
//   worker:  FindTask ──ErrTaskNotFound──▶ wait, retry     (bounded attempts)
//
//   A worker started right after its coordinator may look the task up before
//   the owner's insert is visible, so lookups are retried with a fixed delay.
//   Exhausting the budget is a configuration error and is not retried further.
//
// Every method is one store transaction; nothing mutable is cached here.
//
// ============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ChuLiYu/searchq/internal/metrics"
	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/pkg/types"
)

var log = slog.Default()

// ErrTaskLookupExhausted is returned by Open when a worker could not find its
// task within the lookup budget. It wraps store.ErrTaskNotFound.
var ErrTaskLookupExhausted = fmt.Errorf("client: task lookup attempts exhausted: %w", store.ErrTaskNotFound)

const (
	DefaultLookupAttempts = 10
	DefaultLookupDelay    = time.Second
)

// Options configures Open.
type Options struct {
	TaskName string
	// Owner creates the task; non-owners only look it up.
	Owner          bool
	LookupAttempts int
	LookupDelay    time.Duration
	// WorkerID is recorded on every point this client claims.
	WorkerID string
	Metrics  *metrics.Collector
}

// Client is the store client for one task.
type Client struct {
	store    store.Store
	taskID   types.TaskID
	taskName string
	workerID string
	metrics  *metrics.Collector
}

// Open resolves the task named in opts, creating it when opts.Owner is set.
func Open(ctx context.Context, s store.Store, opts Options) (*Client, error) {
	if opts.TaskName == "" {
		return nil, errors.New("client: task name is required")
	}
	if opts.LookupAttempts <= 0 {
		opts.LookupAttempts = DefaultLookupAttempts
	}
	if opts.LookupDelay <= 0 {
		opts.LookupDelay = DefaultLookupDelay
	}

	c := &Client{
		store:    s,
		taskName: opts.TaskName,
		workerID: opts.WorkerID,
		metrics:  opts.Metrics,
	}

	var err error
	if opts.Owner {
		c.taskID, err = c.register(ctx)
	} else {
		c.taskID, err = c.attach(ctx, opts.LookupAttempts, opts.LookupDelay)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) register(ctx context.Context) (types.TaskID, error) {
	id, err := c.store.CreateTask(ctx, c.taskName)
	if err == nil {
		log.Info("Task registered", "task", c.taskName, "task_id", id)
		return id, nil
	}
	if !errors.Is(err, store.ErrTaskExists) {
		return 0, fmt.Errorf("failed to create task %q: %w", c.taskName, err)
	}

	log.Warn("Task already exists, attaching", "task", c.taskName, "error", err)
	id, err = c.store.FindTask(ctx, c.taskName)
	if err != nil {
		return 0, fmt.Errorf("failed to find task %q: %w", c.taskName, err)
	}
	return id, nil
}

func (c *Client) attach(ctx context.Context, attempts int, delay time.Duration) (types.TaskID, error) {
	b := &backoff.Backoff{Min: delay, Max: delay, Factor: 1}

	for attempt := 1; ; attempt++ {
		id, err := c.store.FindTask(ctx, c.taskName)
		if err == nil {
			log.Info("Attached to task", "task", c.taskName, "task_id", id, "attempt", attempt)
			return id, nil
		}
		if !errors.Is(err, store.ErrTaskNotFound) {
			return 0, fmt.Errorf("failed to find task %q: %w", c.taskName, err)
		}
		if attempt >= attempts {
			return 0, fmt.Errorf("%w: %q after %d attempts", ErrTaskLookupExhausted, c.taskName, attempts)
		}

		c.metrics.RecordLookupRetry()
		wait := b.Duration()
		log.Debug("Task not visible yet, retrying", "task", c.taskName, "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) TaskID() types.TaskID { return c.taskID }

func (c *Client) TaskName() string { return c.taskName }

// WithWorker returns a copy of c that records id on the points it claims.
// The task is not looked up again.
func (c *Client) WithWorker(id string) *Client {
	cp := *c
	cp.workerID = id
	return &cp
}

func (c *Client) WorkerID() string { return c.workerID }

// Store returns the underlying store.
func (c *Client) Store() store.Store { return c.store }

func (c *Client) observe(op string, start time.Time) {
	c.metrics.ObserveStoreOp(op, time.Since(start))
}

// ============================================================================
// Task state
// ============================================================================

// SetTaskSolved marks the task SOLVED. Re-applying is a no-op.
func (c *Client) SetTaskSolved(ctx context.Context) error {
	defer c.observe("set_task_state", time.Now())
	return c.store.SetTaskState(ctx, c.taskID, types.TaskSolved)
}

// SetTaskError marks the task ERROR. Re-applying is a no-op.
func (c *Client) SetTaskError(ctx context.Context) error {
	defer c.observe("set_task_state", time.Now())
	return c.store.SetTaskState(ctx, c.taskID, types.TaskError)
}

func (c *Client) TaskState(ctx context.Context) (types.TaskState, error) {
	defer c.observe("get_task", time.Now())
	task, err := c.store.GetTask(ctx, c.taskID)
	if err != nil {
		return 0, err
	}
	return task.State, nil
}

// IsTaskActive reports whether the task is still SOLVING. Workers exit as
// soon as it returns false, whichever terminal state was reached.
func (c *Client) IsTaskActive(ctx context.Context) (bool, error) {
	state, err := c.TaskState(ctx)
	if err != nil {
		return false, err
	}
	return state == types.TaskSolving, nil
}

// ============================================================================
// Points
// ============================================================================

// InsertPoint stores p in state WAITING and returns its identifier.
func (c *Client) InsertPoint(ctx context.Context, p *types.Point) (types.PointID, error) {
	defer c.observe("insert_point", time.Now())
	id, err := c.store.InsertPoint(ctx, c.taskID, p)
	if err != nil {
		return 0, err
	}
	c.metrics.RecordInsert()
	return id, nil
}

// CountUnfinishedPoints counts WAITING and CALCULATING points.
func (c *Client) CountUnfinishedPoints(ctx context.Context) (int, error) {
	defer c.observe("count_unfinished", time.Now())
	return c.store.CountUnfinished(ctx, c.taskID)
}

// ClaimPoint claims one WAITING point with nFunc empty result slots. A nil
// point with a nil error means nothing is waiting right now.
func (c *Client) ClaimPoint(ctx context.Context, nFunc int) (*types.Point, error) {
	defer c.observe("claim_point", time.Now())
	p, err := c.store.ClaimPoint(ctx, c.taskID, c.workerID, nFunc)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordClaim(p != nil)
	return p, nil
}

// CompletePoint writes the results of a claimed point. It must be called once
// per claim.
func (c *Client) CompletePoint(ctx context.Context, p *types.Point) error {
	defer c.observe("complete_point", time.Now())
	return c.store.CompletePoint(ctx, p)
}

// DrainCalculatedPoints consumes every CALCULATED point of the task.
func (c *Client) DrainCalculatedPoints(ctx context.Context) ([]*types.Point, error) {
	defer c.observe("drain_calculated", time.Now())
	points, err := c.store.DrainCalculated(ctx, c.taskID)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordDrained(len(points))
	return points, nil
}

func (c *Client) Stats(ctx context.Context) (types.TaskStats, error) {
	defer c.observe("task_stats", time.Now())
	return c.store.TaskStats(ctx, c.taskID)
}

// EvaluateBatch has workers evaluate points and copies index, z and results
// back onto them. It inserts every point, polls until nothing is unfinished,
// then drains. Points drained that were not part of the batch are returned
// as leftovers for the caller to reconcile.
func (c *Client) EvaluateBatch(ctx context.Context, points []*types.Point, pollInterval time.Duration) ([]*types.Point, error) {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}

	pending := make(map[types.PointID]*types.Point, len(points))
	for _, p := range points {
		id, err := c.InsertPoint(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to insert batch point: %w", err)
		}
		p.ID = id
		p.TaskID = c.taskID
		pending[id] = p
	}

	var leftovers []*types.Point
	for len(pending) > 0 {
		n, err := c.CountUnfinishedPoints(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		drained, err := c.DrainCalculatedPoints(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range drained {
			p, ok := pending[r.ID]
			if !ok {
				leftovers = append(leftovers, r)
				continue
			}
			p.Index = r.Index
			p.Z = r.Z
			p.FunctionValues = r.FunctionValues
			p.State = r.State
			p.Worker = r.Worker
			delete(pending, r.ID)
		}
		if len(pending) > 0 {
			// Nothing is unfinished, so the rest were drained elsewhere.
			return leftovers, fmt.Errorf("client: %d batch points were drained by another consumer", len(pending))
		}
	}
	return leftovers, nil
}

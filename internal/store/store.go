// ============================================================================
// searchq Store - shared coordination repository
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The repository contract every backend implements. The store is at
//          once the work queue, the result store and the liveness signal.
//
// Point lifecycle (strictly forward, no skipping):
//
//   WAITING ──ClaimPoint──▶ CALCULATING ──CompletePoint──▶ CALCULATED
//                                                              │
//                                                     DrainCalculated
//                                                              ▼
//                                                          COMPLETE
//
// Every method runs as a single transaction and commits before returning.
// Implementations must not cache mutable fields on the client side.
//
// ============================================================================

package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/searchq/pkg/types"
)

var (
	// ErrTaskExists is returned by CreateTask when the name is taken.
	ErrTaskExists = errors.New("store: task already exists")
	// ErrTaskNotFound is returned when no task matches a name or id.
	ErrTaskNotFound = errors.New("store: task not found")
	// ErrPointNotFound is returned when no point matches an id.
	ErrPointNotFound = errors.New("store: point not found")
	// ErrIllegalTransition marks a violated state precondition. It is a
	// programming error and must not be retried.
	ErrIllegalTransition = errors.New("store: illegal state transition")
)

// Store is the transactional repository shared by the coordinator and workers.
type Store interface {
	// CreateTask inserts a task in state SOLVING. A name conflict returns
	// ErrTaskExists.
	CreateTask(ctx context.Context, name string) (types.TaskID, error)
	// FindTask looks a task up by name.
	FindTask(ctx context.Context, name string) (types.TaskID, error)
	GetTask(ctx context.Context, id types.TaskID) (types.Task, error)
	// SetTaskState moves a SOLVING task to SOLVED or ERROR. Re-applying the
	// current terminal state is a no-op.
	SetTaskState(ctx context.Context, id types.TaskID, state types.TaskState) error
	// DeleteTask removes a task and, by cascade, its points. Administrative.
	DeleteTask(ctx context.Context, id types.TaskID) error

	// InsertPoint stores p with its variables in state WAITING.
	InsertPoint(ctx context.Context, taskID types.TaskID, p *types.Point) (types.PointID, error)
	// CountUnfinished counts WAITING and CALCULATING points.
	CountUnfinished(ctx context.Context, taskID types.TaskID) (int, error)
	// ClaimPoint moves one WAITING point to CALCULATING and returns it with
	// nFunc empty result slots. It returns (nil, nil) when nothing is waiting.
	// Concurrent callers never receive the same point.
	ClaimPoint(ctx context.Context, taskID types.TaskID, worker string, nFunc int) (*types.Point, error)
	// CompletePoint attaches results, index and z to a CALCULATING point and
	// moves it to CALCULATED.
	CompletePoint(ctx context.Context, p *types.Point) error
	// DrainCalculated moves every CALCULATED point to COMPLETE and returns them
	// fully materialized, in one transaction.
	DrainCalculated(ctx context.Context, taskID types.TaskID) ([]*types.Point, error)

	TaskStats(ctx context.Context, taskID types.TaskID) (types.TaskStats, error)
	// RequeueStuck moves CALCULATING points back to WAITING. Administrative
	// recovery after a worker crash, never called by the protocol.
	RequeueStuck(ctx context.Context, taskID types.TaskID) (int, error)

	Close() error
}

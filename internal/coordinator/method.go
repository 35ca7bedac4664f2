package coordinator

import (
	"context"
	"time"

	"github.com/ChuLiYu/searchq/pkg/types"
)

// Predecessor is the search-tree context a candidate point was generated
// from. The coordinator holds it blocked while the candidate is in flight.
type Predecessor interface {
	SetBlocked(blocked bool)
}

// BatchEvaluator evaluates a batch of points through the workers. It is what
// a method may use to seed itself in FirstIteration; *client.Client
// implements it.
type BatchEvaluator interface {
	EvaluateBatch(ctx context.Context, points []*types.Point, pollInterval time.Duration) ([]*types.Point, error)
}

// Method is the optimization method driven by the coordinator.
type Method interface {
	// FirstIteration seeds the search and returns the trials it completed.
	FirstIteration(ctx context.Context, eval BatchEvaluator) ([]*types.Point, error)

	// CalculateIterationPoint returns the next candidate and the context it
	// was generated from. A nil point means no candidate can be produced
	// until more results come back.
	CalculateIterationPoint() (*types.Point, Predecessor, error)

	// UpdateOptimum considers a returned trial for the best known result.
	UpdateOptimum(p *types.Point)

	// RenewSearchData folds a returned trial into the search state. pred is
	// the context the trial was generated from; it is not necessarily the
	// most recently issued one. pred is nil for a trial this coordinator has
	// no record of, such as one left behind by an earlier run of the task.
	RenewSearchData(p *types.Point, pred Predecessor) error

	FinalizeIteration()

	CheckStopCondition() bool

	// Results is the current best-known snapshot.
	Results() types.Solution
}

// StopStatus tells listeners how a run ended.
type StopStatus string

const (
	StopSolved StopStatus = "solved"
	StopError  StopStatus = "error"
)

// Listener receives fire-and-forget notifications from the coordinator.
type Listener interface {
	BeforeMethodStart(ctx context.Context, m Method)
	OnEndIteration(ctx context.Context, trials []*types.Point, solution types.Solution)
	OnMethodStop(ctx context.Context, solution types.Solution, status StopStatus)
}
